// Package risk implements the Risk Controller (C6): a pluggable exit
// strategy evaluated once per open position, per orchestrator cycle
// (§4.6). Production runs `combined`, which layers a priority waterfall
// (divergence flip -> minimum hold -> severe erosion -> normal erosion
// -> age) behind a set of parallel detectors (leg liquidation, severe
// imbalance, external liquidation event) that pre-empt it.
//
// The waterfall's precedence and its four exit tiers are grounded
// directly on the original implementation's CombinedRiskManager
// (risk_management/combined.py): divergence flip is CRITICAL and checked
// first, severe erosion is HIGH, normal erosion (subject to the
// hold-top-opportunity override) is MEDIUM, and the age-based time limit
// is LOW. The surrounding config-plus-logger struct that watches a
// rolling channel of events in the background and answers synchronous
// queries against mutex-guarded state is grounded on the teacher's
// risk.Manager (there it was price anchors for a kill switch; here it's
// venue liquidation streams).
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/internal/venue"
	"fundingarb/pkg/types"
)

// Exit reason codes returned by ShouldExit (§4.6, §8.5).
const (
	ReasonDivergenceFlipped = "DIVERGENCE_FLIPPED"
	ReasonSevereErosion     = "SEVERE_EROSION"
	ReasonProfitErosion     = "PROFIT_EROSION"
	ReasonHoldTopOpportunity = "HOLD_TOP_OPPORTUNITY"
	ReasonTimeLimit         = "TIME_LIMIT"
	ReasonLegLiquidated     = "LEG_LIQUIDATED"
	ReasonAllLegsClosed     = "ALL_LEGS_CLOSED"
	ReasonSevereImbalance   = "SEVERE_IMBALANCE"
)

// Rates is the current funding-rate snapshot a position is evaluated
// against (§4.6).
type Rates struct {
	Divergence decimal.Decimal
	LongRate   decimal.Decimal
	ShortRate  decimal.Decimal
	LongOIUSD  decimal.Decimal
	ShortOIUSD decimal.Decimal
}

// Controller decides whether an open position should be closed now, and
// if so why.
type Controller interface {
	ShouldExit(ctx context.Context, pos types.FundingArbPosition, rates Rates) (bool, string)
}

// TopOpportunityChecker answers the waterfall's normal-erosion hold
// check: is this (symbol, long, short) triple still the best thing the
// Opportunity Scanner can see? Declared locally, rather than importing
// internal/opportunity, so risk doesn't need to know about the scanner's
// full surface for one narrow question. Satisfied by *opportunity.Scanner.
type TopOpportunityChecker interface {
	IsTopOpportunity(ctx context.Context, symbol, longVenue, shortVenue string, minProfitPercent decimal.Decimal) (bool, error)
}

// liquidationEventTTL bounds how long an external liquidation event
// reported on a venue's force-order stream keeps pre-empting the
// waterfall for that (venue, symbol, side).
const liquidationEventTTL = 30 * time.Second

type liqKey struct {
	venue  string
	symbol string
	side   types.Side
}

// combinedController is the production Controller: the full §4.6
// waterfall plus parallel detectors.
type combinedController struct {
	cfg              config.RiskConfig
	minProfitPercent decimal.Decimal
	clients          map[string]venue.VenueClient
	checker          TopOpportunityChecker
	logger           *slog.Logger

	mu         sync.Mutex
	recentLiqs map[liqKey]time.Time
}

// NewCombined builds the production Controller. clients lets the parallel
// detectors read live leg snapshots and subscribe to each venue's
// liquidation stream; checker may be nil, in which case the hold-top-
// opportunity guard never fires and step 4 always returns PROFIT_EROSION.
func NewCombined(cfg config.RiskConfig, minProfitPercent decimal.Decimal, clients map[string]venue.VenueClient, checker TopOpportunityChecker, logger *slog.Logger) Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &combinedController{
		cfg:              cfg,
		minProfitPercent: minProfitPercent,
		clients:          clients,
		checker:          checker,
		logger:           logger.With("component", "risk"),
		recentLiqs:       make(map[liqKey]time.Time),
	}
	for _, client := range clients {
		c.watchLiquidations(client)
	}
	return c
}

// watchLiquidations drains one venue's force-order stream into the
// recent-liquidations map for the life of the process. The connector
// owns the channel; this goroutine exits when the connector closes it
// on Disconnect.
func (c *combinedController) watchLiquidations(client venue.VenueClient) {
	conn := client.Connector()
	if conn == nil {
		return
	}
	go func() {
		for ev := range conn.LiquidationEvents() {
			c.mu.Lock()
			c.recentLiqs[liqKey{venue: ev.Venue, symbol: ev.Symbol, side: ev.Side}] = ev.Timestamp
			c.mu.Unlock()
		}
	}()
}

func (c *combinedController) recentLiquidation(venueName, symbol string, side types.Side) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.recentLiqs[liqKey{venue: venueName, symbol: symbol, side: side}]
	return ok && time.Since(at) < liquidationEventTTL
}

// ShouldExit implements the §4.6 waterfall. Parallel detectors run first
// and pre-empt everything below them, including the minimum-hold guard.
func (c *combinedController) ShouldExit(ctx context.Context, pos types.FundingArbPosition, rates Rates) (bool, string) {
	if exit, reason := c.runParallelDetectors(ctx, pos); exit {
		return true, reason
	}

	// A flipped divergence means the hedge has gone the wrong way; per
	// §8.5 S3 this closes regardless of how briefly the position has
	// been held, so it is checked ahead of the minimum-hold guard.
	flipMargin := decimal.NewFromFloat(c.cfg.FlipMargin)
	if rates.Divergence.LessThan(flipMargin) {
		return true, ReasonDivergenceFlipped
	}

	age := time.Since(pos.OpenedAt)
	minHold := durationFromHours(c.cfg.MinHoldHours)
	if age < minHold {
		return false, ""
	}

	ratio := types.ErosionRatio(rates.Divergence, pos.EntryDivergence)

	severeRatio := decimal.NewFromFloat(c.cfg.SevereErosionRatio)
	if ratio.LessThan(severeRatio) {
		return true, ReasonSevereErosion
	}

	minErosionRatio := decimal.NewFromFloat(c.cfg.MinErosionThreshold)
	if ratio.LessThan(minErosionRatio) {
		if c.checker != nil {
			isTop, err := c.checker.IsTopOpportunity(ctx, pos.Symbol, pos.LongVenue, pos.ShortVenue, c.minProfitPercent)
			if err != nil {
				c.logger.Warn("top-opportunity check failed, defaulting to close",
					"position", pos.ID, "error", err)
			} else if isTop {
				return false, ReasonHoldTopOpportunity
			}
		}
		return true, ReasonProfitErosion
	}

	maxAge := durationFromHours(c.cfg.MaxPositionAgeHours)
	if age > maxAge {
		return true, ReasonTimeLimit
	}

	return false, ""
}

func durationFromHours(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}

type detectorResult struct {
	exit   bool
	reason string
}

// runParallelDetectors runs the three §4.6 pre-emptive checks concurrently
// and resolves ties (more than one firing at once) in the order they're
// listed in the spec: leg liquidation, severe imbalance, external event.
func (c *combinedController) runParallelDetectors(ctx context.Context, pos types.FundingArbPosition) (bool, string) {
	results := make([]detectorResult, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); results[0] = c.detectLegLiquidation(ctx, pos) }()
	go func() { defer wg.Done(); results[1] = c.detectSevereImbalance(pos) }()
	go func() { defer wg.Done(); results[2] = c.detectExternalLiquidation(pos) }()
	wg.Wait()

	for _, r := range results {
		if r.exit {
			return true, r.reason
		}
	}
	return false, ""
}

// detectLegLiquidation fetches both legs' live exchange snapshots in
// parallel; if one side has gone to zero quantity while the other
// hasn't, the hedge is no longer delta-neutral and must close the
// surviving leg. If both are zero, nothing remains to close.
func (c *combinedController) detectLegLiquidation(ctx context.Context, pos types.FundingArbPosition) detectorResult {
	longClient, ok := c.clients[pos.LongVenue]
	if !ok {
		return detectorResult{}
	}
	shortClient, ok := c.clients[pos.ShortVenue]
	if !ok {
		return detectorResult{}
	}

	var longSnap, shortSnap types.ExchangePositionSnapshot
	var longErr, shortErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		longSnap, longErr = longClient.GetPositionSnapshot(ctx, pos.Symbol)
	}()
	go func() {
		defer wg.Done()
		shortSnap, shortErr = shortClient.GetPositionSnapshot(ctx, pos.Symbol)
	}()
	wg.Wait()

	if longErr != nil || shortErr != nil {
		c.logger.Warn("leg liquidation check skipped, snapshot fetch failed",
			"position", pos.ID, "long_err", longErr, "short_err", shortErr)
		return detectorResult{}
	}

	longZero := longSnap.SignedQuantity.IsZero()
	shortZero := shortSnap.SignedQuantity.IsZero()
	switch {
	case longZero && shortZero:
		return detectorResult{true, ReasonAllLegsClosed}
	case longZero || shortZero:
		return detectorResult{true, ReasonLegLiquidated}
	default:
		return detectorResult{}
	}
}

// detectSevereImbalance converts both legs to actual token amounts via
// their quantity multipliers and checks how far apart they've drifted.
// Uses the position's own cached leg metadata (refreshed each cycle by
// the orchestrator's monitor phase) rather than a live fetch, since this
// is a cheap local comparison, not a liveness check.
func (c *combinedController) detectSevereImbalance(pos types.FundingArbPosition) detectorResult {
	longLeg, ok := pos.Legs[pos.LongVenue]
	if !ok {
		return detectorResult{}
	}
	shortLeg, ok := pos.Legs[pos.ShortVenue]
	if !ok {
		return detectorResult{}
	}

	longActual := longLeg.Quantity.Abs().Mul(orOne(longLeg.QuantityMultiplier))
	shortActual := shortLeg.Quantity.Abs().Mul(orOne(shortLeg.QuantityMultiplier))

	max := decimal.Max(longActual, shortActual)
	min := decimal.Min(longActual, shortActual)
	if max.IsZero() {
		return detectorResult{}
	}

	threshold := decimal.NewFromFloat(c.cfg.ImbalanceThresholdPct)
	if max.Sub(min).Div(max).GreaterThan(threshold) {
		return detectorResult{true, ReasonSevereImbalance}
	}
	return detectorResult{}
}

func orOne(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.NewFromInt(1)
	}
	return d
}

// detectExternalLiquidation checks whether either leg's venue has
// reported, within the TTL window, a force-order touching this symbol
// and side.
func (c *combinedController) detectExternalLiquidation(pos types.FundingArbPosition) detectorResult {
	if c.recentLiquidation(pos.LongVenue, pos.Symbol, types.Long) {
		return detectorResult{true, fmt.Sprintf("LIQUIDATION_%s", pos.LongVenue)}
	}
	if c.recentLiquidation(pos.ShortVenue, pos.Symbol, types.Short) {
		return detectorResult{true, fmt.Sprintf("LIQUIDATION_%s", pos.ShortVenue)}
	}
	return detectorResult{}
}

// simpleController is a lighter-weight Controller: divergence flip and
// age only, no severe-erosion tier and no hold-top-opportunity check.
// Useful for backtests or venues where the opportunity store isn't wired
// up yet.
type simpleController struct {
	cfg config.RiskConfig
}

// NewSimple builds a Controller that only checks divergence flip and
// maximum age, skipping the erosion tiers and parallel detectors
// entirely.
func NewSimple(cfg config.RiskConfig) Controller {
	return &simpleController{cfg: cfg}
}

func (s *simpleController) ShouldExit(_ context.Context, pos types.FundingArbPosition, rates Rates) (bool, string) {
	flipMargin := decimal.NewFromFloat(s.cfg.FlipMargin)
	if rates.Divergence.LessThan(flipMargin) {
		return true, ReasonDivergenceFlipped
	}
	age := time.Since(pos.OpenedAt)
	if age > durationFromHours(s.cfg.MaxPositionAgeHours) {
		return true, ReasonTimeLimit
	}
	return false, ""
}

// ageOnlyController closes purely on elapsed time, for manual testing of
// the orchestrator's close phase without needing live funding rates.
type ageOnlyController struct {
	maxAge time.Duration
}

// NewAgeOnly builds a Controller that closes solely once a position has
// been open longer than maxAgeHours.
func NewAgeOnly(maxAgeHours float64) Controller {
	return &ageOnlyController{maxAge: durationFromHours(maxAgeHours)}
}

func (a *ageOnlyController) ShouldExit(_ context.Context, pos types.FundingArbPosition, _ Rates) (bool, string) {
	if time.Since(pos.OpenedAt) > a.maxAge {
		return true, ReasonTimeLimit
	}
	return false, ""
}

// New selects a Controller by name (config.RiskConfig.Strategy: "combined"
// | "simple" | "age_only"), defaulting to combined for an empty or unknown
// value.
func New(cfg config.RiskConfig, minProfitPercent decimal.Decimal, clients map[string]venue.VenueClient, checker TopOpportunityChecker, logger *slog.Logger) Controller {
	switch cfg.Strategy {
	case "simple":
		return NewSimple(cfg)
	case "age_only":
		return NewAgeOnly(cfg.MaxPositionAgeHours)
	default:
		return NewCombined(cfg, minProfitPercent, clients, checker, logger)
	}
}
