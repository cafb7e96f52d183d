// Package profitmonitor implements the Profit-Taking Monitor (C7): an
// event-driven peer of the Risk Controller that watches BBO ticks on both
// legs of every open position and opportunistically closes a hedge when
// instantaneous mark-to-market plus accrued funding clears the closing-fee
// estimate by a configured margin (§4.7).
//
// The throttle-plus-reentrancy-guard shape (per-position last-check
// timestamp, an in-flight evaluation flag, skip rather than queue) is
// grounded directly on the original implementation's RealTimeProfitMonitor
// (real_time_monitor.py): a throttled per-position listener keyed off a
// live tick, coordinating with the position-closer's own closing set so
// the two never race to close the same position. Translated from a
// per-position asyncio listener dict to a Go callback registered on each
// leg's Connector, and from the original's cache-then-REST-fallback
// snapshot fetch to a direct GetPositionSnapshot call, since this engine
// has no snapshot cache layer to check first.
package profitmonitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/executor"
	"fundingarb/internal/positionstore"
	"fundingarb/internal/venue"
	"fundingarb/pkg/types"
)

// ReasonProfitTaking is the exit reason recorded when this monitor closes
// a position, distinct from any Risk Controller exit reason.
const ReasonProfitTaking = "PROFIT_TAKING"

// Config carries the strategy-level profit-taking knobs (§4.7, §6.5).
type Config struct {
	// CheckInterval is the minimum time between re-evaluations of the same
	// position (realtime_profit_check_interval, default 1s).
	CheckInterval time.Duration
	// MinImmediateProfitTakingPct is the fraction of position size_usd net
	// PnL must clear before a close is opportunistically taken.
	MinImmediateProfitTakingPct decimal.Decimal
	// ExecutionTimeoutSeconds bounds the aggressive_limit close.
	ExecutionTimeoutSeconds int
}

// Monitor is the Profit-Taking Monitor. One instance serves every
// registered open position.
type Monitor struct {
	cfg     Config
	clients map[string]venue.VenueClient
	exec    *executor.Executor
	store   *positionstore.Store
	logger  *slog.Logger

	mu            sync.Mutex
	registrations map[string]*registration
}

// registration is the per-position state backing one pair of BBO listener
// callbacks.
type registration struct {
	pos types.FundingArbPosition

	mu         sync.Mutex
	evaluating bool
	lastEval   time.Time

	longHandle  venue.ListenerHandle
	shortHandle venue.ListenerHandle
}

// New builds a Monitor over a venue-name-keyed client map. exec supplies
// both the closing-set coordination and the actual CloseHedge execution;
// store supplies cumulative funding and persists the close.
func New(cfg Config, clients map[string]venue.VenueClient, exec *executor.Executor, store *positionstore.Store, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	return &Monitor{
		cfg:           cfg,
		clients:       clients,
		exec:          exec,
		store:         store,
		logger:        logger.With("component", "profitmonitor"),
		registrations: make(map[string]*registration),
	}
}

// Register subscribes a throttled profit-evaluation callback to both legs'
// connectors for pos (§4.7 "Per-position registration"). Safe to call
// again for the same position id; the prior registration's listeners are
// torn down first.
func (m *Monitor) Register(pos types.FundingArbPosition, long, short *venue.Connector) {
	m.Unregister(pos.ID)

	reg := &registration{pos: pos}
	longClient := m.clients[pos.LongVenue]
	shortClient := m.clients[pos.ShortVenue]

	onTick := func(bbo types.BBO) {
		m.onBBO(reg, longClient, shortClient, bbo)
	}

	reg.longHandle = long.RegisterBBOListener(onTick)
	reg.shortHandle = short.RegisterBBOListener(onTick)

	m.mu.Lock()
	m.registrations[pos.ID] = reg
	m.mu.Unlock()
}

// Unregister removes both BBO listeners for positionID and stops
// evaluating it. A no-op if the position was never registered.
func (m *Monitor) Unregister(positionID string) {
	m.mu.Lock()
	reg, ok := m.registrations[positionID]
	delete(m.registrations, positionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if c := m.clients[reg.pos.LongVenue]; c != nil {
		c.Connector().UnregisterBBOListener(reg.longHandle)
	}
	if c := m.clients[reg.pos.ShortVenue]; c != nil {
		c.Connector().UnregisterBBOListener(reg.shortHandle)
	}
}

// onBBO is the per-tick filter/throttle/reentrancy gate. Every BBO update
// on either leg's connector routes through here; almost all ticks are for
// a different symbol or arrive inside the throttle window and are dropped
// before any network call happens.
func (m *Monitor) onBBO(reg *registration, longClient, shortClient venue.VenueClient, bbo types.BBO) {
	if longClient == nil || shortClient == nil {
		return
	}
	if longClient.NormalizeSymbol(bbo.Symbol) != reg.pos.Symbol && shortClient.NormalizeSymbol(bbo.Symbol) != reg.pos.Symbol {
		return
	}

	reg.mu.Lock()
	if reg.evaluating || time.Since(reg.lastEval) < m.cfg.CheckInterval {
		reg.mu.Unlock()
		return
	}
	reg.evaluating = true
	reg.mu.Unlock()

	go func() {
		defer func() {
			reg.mu.Lock()
			reg.evaluating = false
			reg.lastEval = time.Now()
			reg.mu.Unlock()
		}()
		m.evaluate(reg, longClient, shortClient)
	}()
}

// evaluate runs one full profit check for reg.pos, and closes the hedge if
// net PnL clears the configured threshold (§4.7 "Evaluation").
func (m *Monitor) evaluate(reg *registration, longClient, shortClient venue.VenueClient) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Cross-component lock: the Risk Controller may already be closing
	// this position. The closing set is authoritative; skip entirely
	// rather than race it.
	if m.exec.ClosingSet().Contains(reg.pos.ID) {
		return
	}

	threshold := reg.pos.SizeUSD.Mul(m.cfg.MinImmediateProfitTakingPct)

	netPnL, ok := m.computeNetPnL(ctx, reg.pos, longClient, shortClient)
	if !ok || !netPnL.GreaterThan(threshold) {
		return
	}

	// Double-check before execution: re-fetch and recompute once more
	// immediately before committing, since the tick that triggered this
	// evaluation may already be stale. Fail-closed if profit evaporated.
	netPnL, ok = m.computeNetPnL(ctx, reg.pos, longClient, shortClient)
	if !ok || !netPnL.GreaterThan(threshold) {
		m.logger.Debug("profit evaporated on double-check, aborting close", "position_id", reg.pos.ID)
		return
	}

	if !m.exec.ClosingSet().TryAcquire(reg.pos.ID) {
		return
	}
	defer m.exec.ClosingSet().Release(reg.pos.ID)

	result, err := m.exec.CloseHedge(ctx, reg.pos, types.ModeAggressiveLimit, m.cfg.ExecutionTimeoutSeconds)
	if err != nil {
		m.logger.Error("profit-taking close failed", "position_id", reg.pos.ID, "error", err)
		return
	}
	if !result.AllFilled {
		m.logger.Warn("profit-taking close did not fully flatten", "position_id", reg.pos.ID)
	}

	if err := m.store.Close(ctx, reg.pos.ID, ReasonProfitTaking, netPnL); err != nil {
		m.logger.Error("failed to persist profit-taking close", "position_id", reg.pos.ID, "error", err)
		return
	}
	m.Unregister(reg.pos.ID)
	m.logger.Info("closed position for opportunistic profit", "position_id", reg.pos.ID, "net_pnl", netPnL)
}

// computeNetPnL implements §4.7 steps 2-4: exit-price mark-to-market on
// both legs, plus cumulative funding, minus an estimated closing-fee cost
// computed at each venue's maker rate (the close is submitted
// aggressive_limit, which is meant to land as a maker fill).
func (m *Monitor) computeNetPnL(ctx context.Context, pos types.FundingArbPosition, longClient, shortClient venue.VenueClient) (decimal.Decimal, bool) {
	longBBO, ok := longClient.Connector().LatestBBO()
	if !ok {
		return decimal.Zero, false
	}
	shortBBO, ok := shortClient.Connector().LatestBBO()
	if !ok {
		return decimal.Zero, false
	}

	longSnap, err := longClient.GetPositionSnapshot(ctx, pos.Symbol)
	if err != nil {
		m.logger.Debug("profit eval: long snapshot fetch failed", "position_id", pos.ID, "error", err)
		return decimal.Zero, false
	}
	shortSnap, err := shortClient.GetPositionSnapshot(ctx, pos.Symbol)
	if err != nil {
		m.logger.Debug("profit eval: short snapshot fetch failed", "position_id", pos.ID, "error", err)
		return decimal.Zero, false
	}

	// LONG exits at BID (selling to buyers), SHORT exits at ASK (buying
	// from sellers); both fall out of the same signed-quantity formula.
	longPricePnL := longSnap.SignedQuantity.Mul(longBBO.Bid.Sub(longSnap.EntryPrice))
	shortPricePnL := shortSnap.SignedQuantity.Mul(shortBBO.Ask.Sub(shortSnap.EntryPrice))

	funding, err := m.store.CumulativeFunding(ctx, pos.ID)
	if err != nil {
		m.logger.Debug("profit eval: cumulative funding fetch failed", "position_id", pos.ID, "error", err)
		funding = decimal.Zero
	}

	longFees := longClient.FeeStructure(pos.Symbol)
	shortFees := shortClient.FeeStructure(pos.Symbol)
	closingFees := longSnap.SignedQuantity.Abs().Mul(longBBO.Bid).Mul(longFees.MakerRate).
		Add(shortSnap.SignedQuantity.Abs().Mul(shortBBO.Ask).Mul(shortFees.MakerRate))

	net := longPricePnL.Add(shortPricePnL).Add(funding).Sub(closingFees)
	return net, true
}
