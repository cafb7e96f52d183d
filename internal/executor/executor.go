// Package executor implements the Atomic Multi-Leg Executor (C4): given
// a long leg and a short leg, it pre-flights both venues in parallel,
// aligns break-even limit prices, harmonizes quantity across differing
// contract multipliers, submits both legs concurrently under one of four
// execution modes, and rolls back any partial fill. Grounded on the
// teacher's strategy.Maker.reconcileOrders (diff desired vs active orders,
// cancel/place, record fills) generalized from one market's quote pair to
// two venues' hedge legs, and on exchange.Client's order lifecycle calls.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fundingarb/internal/errkind"
	"fundingarb/internal/priceprovider"
	"fundingarb/internal/venue"
	"fundingarb/pkg/types"
)

// defaultMinPositionUSD is the floor below which a leg's exposure is
// refused outright (§8.4), absent an explicit Config override.
var defaultMinPositionUSD = decimal.NewFromInt(5)

// Config carries the strategy-level knobs the executor consults. Field
// names mirror config.StrategyConfig so callers can pass it through
// with a small adapter.
type Config struct {
	EnableBreakEvenAlignment    bool
	MaxSpreadThresholdPct       decimal.Decimal
	MaxEntryPriceDivergencePct  decimal.Decimal
	EnableLiquidationPrevention bool
	MinLiquidationDistancePct   decimal.Decimal
	LimitOrderOffsetPct         decimal.Decimal
	RollbackOnPartialFill       bool
	// MinPositionUSD is the minimum exposure a leg must clear at preflight;
	// zero uses defaultMinPositionUSD ($5, the original implementation's
	// leverage-validator floor).
	MinPositionUSD decimal.Decimal
}

// Executor runs atomic two-leg executions across venue clients.
type Executor struct {
	clients    map[string]venue.VenueClient
	prices     *priceprovider.Provider
	cfg        Config
	logger     *slog.Logger
	closingSet *ClosingSet
}

// New builds an Executor over a venue-name-keyed client map.
func New(clients map[string]venue.VenueClient, prices *priceprovider.Provider, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinPositionUSD.IsZero() {
		cfg.MinPositionUSD = defaultMinPositionUSD
	}
	return &Executor{
		clients:    clients,
		prices:     prices,
		cfg:        cfg,
		logger:     logger.With("component", "executor"),
		closingSet: NewClosingSet(),
	}
}

// ClosingSet returns the shared set of position IDs currently being
// closed. The Risk Controller and Profit-Taking Monitor both consult and
// mutate it to avoid racing to close the same position twice (§4.7, §5).
func (e *Executor) ClosingSet() *ClosingSet { return e.closingSet }

// ClosingSet tracks positions currently mid-close. A single instance is
// shared by reference between the Executor, the Risk Controller, and the
// Profit-Taking Monitor.
type ClosingSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewClosingSet builds an empty ClosingSet.
func NewClosingSet() *ClosingSet {
	return &ClosingSet{ids: make(map[string]struct{})}
}

// TryAcquire marks positionID as being closed. Returns false if another
// caller already holds it.
func (s *ClosingSet) TryAcquire(positionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[positionID]; ok {
		return false
	}
	s.ids[positionID] = struct{}{}
	return true
}

// Release removes positionID from the set, whether or not the close
// ultimately succeeded.
func (s *ClosingSet) Release(positionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, positionID)
}

// Contains reports whether positionID is currently being closed.
func (s *ClosingSet) Contains(positionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[positionID]
	return ok
}

// leg carries one OrderSpec plus everything pre-flight resolved about it.
type leg struct {
	spec  types.OrderSpec
	attrs types.ContractAttributes
	bid   decimal.Decimal
	ask   decimal.Decimal
}

// ExecuteAtomic runs the full C4 pipeline for exactly two legs: specs[0]
// is conventionally the long leg, specs[1] the short leg. Any other
// length is a caller error — this engine only ever hedges in pairs.
func (e *Executor) ExecuteAtomic(ctx context.Context, specs []types.OrderSpec) (*types.AtomicExecutionResult, error) {
	if len(specs) != 2 {
		return nil, fmt.Errorf("executor: ExecuteAtomic requires exactly 2 legs, got %d", len(specs))
	}

	legs, err := e.preflight(ctx, specs)
	if err != nil {
		return &types.AtomicExecutionResult{ErrorMessage: err.Error()}, err
	}

	longLeg, shortLeg := legs[0], legs[1]

	if err := e.checkEntryDivergence(longLeg, shortLeg); err != nil {
		return &types.AtomicExecutionResult{ErrorMessage: err.Error()}, err
	}

	if e.cfg.EnableLiquidationPrevention {
		if err := e.checkLiquidationDistance(ctx, longLeg); err != nil {
			return &types.AtomicExecutionResult{ErrorMessage: err.Error()}, err
		}
		if err := e.checkLiquidationDistance(ctx, shortLeg); err != nil {
			return &types.AtomicExecutionResult{ErrorMessage: err.Error()}, err
		}
	}

	longPrice, shortPrice := e.alignPrices(longLeg, shortLeg)

	finalLongQty, finalShortQty, residual, err := harmonizeQuantity(longLeg, shortLeg)
	if err != nil {
		return &types.AtomicExecutionResult{ErrorMessage: err.Error()}, err
	}

	result := &types.AtomicExecutionResult{ResidualImbalanceUSD: residual}

	fills := make([]types.FillRecord, 2)
	errs := make([]error, 2)

	var grp errgroup.Group
	grp.Go(func() error {
		fr, err := e.executeLeg(ctx, longLeg, longPrice, finalLongQty)
		fills[0] = fr
		errs[0] = err
		return nil
	})
	grp.Go(func() error {
		fr, err := e.executeLeg(ctx, shortLeg, shortPrice, finalShortQty)
		fills[1] = fr
		errs[1] = err
		return nil
	})
	_ = grp.Wait()

	allFilled := true
	for i, fr := range fills {
		if errs[i] != nil {
			allFilled = false
			continue
		}
		if fr.FilledQuantity.LessThan(legQuantity(legs[i], i, finalLongQty, finalShortQty)) {
			allFilled = false
		}
		result.FilledOrders = append(result.FilledOrders, fr)
		result.TotalSlippageUSD = result.TotalSlippageUSD.Add(fr.SlippageUSD)
	}
	result.AllFilled = allFilled

	if !allFilled && e.cfg.RollbackOnPartialFill {
		cost := e.rollback(ctx, legs, fills)
		result.RollbackPerformed = true
		result.RollbackCostUSD = cost
	}

	if !allFilled {
		partialErr := errkind.New(errkind.PartialFill, "executor.ExecuteAtomic",
			fmt.Errorf("one or more legs did not reach target quantity within timeout"))
		result.ErrorMessage = partialErr.Error()
		e.logger.Warn("partial fill on entry", "error", partialErr, "rollback_performed", result.RollbackPerformed)
	}

	return result, nil
}

func legQuantity(l leg, idx int, longQty, shortQty decimal.Decimal) decimal.Decimal {
	if idx == 0 {
		return longQty
	}
	return shortQty
}

// CloseHedge unwinds both legs of an open position with opposite-side,
// reduce-only orders executed concurrently: it is the shared close path
// for risk exits (§4.6), opportunistic profit-taking (§4.7), and manual
// close commands (§6.4). Unlike ExecuteAtomic, it skips the entry
// pre-flight checks (divergence, liquidation distance) — those gate
// opening a hedge, and a close may be happening precisely because one of
// them would now fail.
//
// Per §4.7 step 3, the long leg exits at BID (selling to buyers) and the
// short leg exits at ASK (buying from sellers); this falls out of the
// ordinary Sell/Buy order sides below, since e.executeLeg already reads
// its reference price off the correct side of book for each.
func (e *Executor) CloseHedge(ctx context.Context, pos types.FundingArbPosition, mode types.ExecutionMode, timeoutSeconds int) (*types.AtomicExecutionResult, error) {
	longLegMeta, ok := pos.Legs[pos.LongVenue]
	if !ok {
		return nil, fmt.Errorf("executor: position %s missing long leg metadata for %s", pos.ID, pos.LongVenue)
	}
	shortLegMeta, ok := pos.Legs[pos.ShortVenue]
	if !ok {
		return nil, fmt.Errorf("executor: position %s missing short leg metadata for %s", pos.ID, pos.ShortVenue)
	}

	longClient, ok := e.clients[pos.LongVenue]
	if !ok {
		return nil, fmt.Errorf("executor: no venue client for %s", pos.LongVenue)
	}
	shortClient, ok := e.clients[pos.ShortVenue]
	if !ok {
		return nil, fmt.Errorf("executor: no venue client for %s", pos.ShortVenue)
	}

	longBBO, err := e.prices.GetBBO(ctx, pos.LongVenue, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("executor: close %s long-leg bbo: %w", pos.ID, err)
	}
	shortBBO, err := e.prices.GetBBO(ctx, pos.ShortVenue, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("executor: close %s short-leg bbo: %w", pos.ID, err)
	}

	longAttrs, err := longClient.GetContractAttributes(ctx, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("executor: close %s long-leg attrs: %w", pos.ID, err)
	}
	shortAttrs, err := shortClient.GetContractAttributes(ctx, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("executor: close %s short-leg attrs: %w", pos.ID, err)
	}

	longLeg := leg{
		spec: types.OrderSpec{
			Venue: pos.LongVenue, Symbol: pos.Symbol, Side: types.Sell,
			Mode: mode, TimeoutSeconds: timeoutSeconds, LimitOffsetPct: e.cfg.LimitOrderOffsetPct, ReduceOnly: true,
		},
		attrs: longAttrs, bid: longBBO.Bid, ask: longBBO.Ask,
	}
	shortLeg := leg{
		spec: types.OrderSpec{
			Venue: pos.ShortVenue, Symbol: pos.Symbol, Side: types.Buy,
			Mode: mode, TimeoutSeconds: timeoutSeconds, LimitOffsetPct: e.cfg.LimitOrderOffsetPct, ReduceOnly: true,
		},
		attrs: shortAttrs, bid: shortBBO.Bid, ask: shortBBO.Ask,
	}

	legs := []leg{longLeg, shortLeg}
	qtys := []decimal.Decimal{longLegMeta.Quantity.Abs(), shortLegMeta.Quantity.Abs()}
	refPrices := []decimal.Decimal{longBBO.Bid, shortBBO.Ask}

	fills := make([]types.FillRecord, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := range legs {
		i := i
		go func() {
			defer wg.Done()
			fills[i], errs[i] = e.executeLeg(ctx, legs[i], refPrices[i], qtys[i])
		}()
	}
	wg.Wait()

	result := &types.AtomicExecutionResult{}
	allFilled := true
	for i, fr := range fills {
		if errs[i] != nil || fr.FilledQuantity.LessThan(qtys[i]) {
			allFilled = false
		}
		result.FilledOrders = append(result.FilledOrders, fr)
		result.TotalSlippageUSD = result.TotalSlippageUSD.Add(fr.SlippageUSD)
	}
	result.AllFilled = allFilled

	if !allFilled && e.cfg.RollbackOnPartialFill {
		cost := e.rollback(ctx, legs, fills)
		result.RollbackPerformed = true
		result.RollbackCostUSD = cost
	}
	if !allFilled {
		partialErr := errkind.New(errkind.PartialFill, "executor.CloseHedge",
			fmt.Errorf("one or more legs did not fully flatten within timeout"))
		result.ErrorMessage = partialErr.Error()
		e.logger.Warn("partial fill on close", "position_id", pos.ID, "error", partialErr, "rollback_performed", result.RollbackPerformed)
	}

	return result, nil
}

// preflight resolves contract metadata and current BBO for every leg in
// parallel (§4.4.1).
func (e *Executor) preflight(ctx context.Context, specs []types.OrderSpec) ([]leg, error) {
	legs := make([]leg, len(specs))
	grp, gctx := errgroup.WithContext(ctx)

	for i, spec := range specs {
		i, spec := i, spec
		grp.Go(func() error {
			client, ok := e.clients[spec.Venue]
			if !ok {
				return errkind.New(errkind.PreflightValidation, "executor.preflight", fmt.Errorf("unknown venue %q", spec.Venue))
			}
			attrs, err := client.GetContractAttributes(gctx, spec.Symbol)
			if err != nil {
				return errkind.New(errkind.PreflightValidation, "executor.preflight", fmt.Errorf("contract attributes for %s/%s: %w", spec.Venue, spec.Symbol, err))
			}
			bbo, err := e.prices.GetBBO(gctx, spec.Venue, spec.Symbol)
			if err != nil {
				return errkind.New(errkind.PreflightValidation, "executor.preflight", fmt.Errorf("bbo for %s/%s: %w", spec.Venue, spec.Symbol, err))
			}
			if !bbo.Bid.IsPositive() || !bbo.Ask.IsPositive() {
				return errkind.New(errkind.PreflightValidation, "executor.preflight", fmt.Errorf("non-positive bbo for %s/%s", spec.Venue, spec.Symbol))
			}
			exposure := spec.TargetQuantity.Mul(bbo.Bid.Add(bbo.Ask).Div(decimal.NewFromInt(2)))
			if exposure.LessThan(e.cfg.MinPositionUSD) {
				return errkind.New(errkind.PreflightValidation, "executor.preflight",
					fmt.Errorf("exposure %s for %s/%s below minimum %s", exposure, spec.Venue, spec.Symbol, e.cfg.MinPositionUSD))
			}
			legs[i] = leg{spec: spec, attrs: attrs, bid: bbo.Bid, ask: bbo.Ask}
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return legs, nil
}

// checkEntryDivergence aborts if the two venues' mids have diverged more
// than the configured threshold (§4.4.1).
func (e *Executor) checkEntryDivergence(long, short leg) error {
	longMid := long.bid.Add(long.ask).Div(decimal.NewFromInt(2))
	shortMid := short.bid.Add(short.ask).Div(decimal.NewFromInt(2))
	minMid := decimal.Min(longMid, shortMid)
	if minMid.IsZero() {
		return errkind.New(errkind.PreflightValidation, "executor.checkEntryDivergence", fmt.Errorf("zero mid price"))
	}
	divergence := longMid.Sub(shortMid).Abs().Div(minMid)
	if divergence.GreaterThan(e.cfg.MaxEntryPriceDivergencePct) {
		return errkind.New(errkind.PreflightValidation, "executor.checkEntryDivergence",
			fmt.Errorf("entry price divergence %s exceeds max %s", divergence, e.cfg.MaxEntryPriceDivergencePct))
	}
	return nil
}

// checkLiquidationDistance estimates the leg's post-fill liquidation price
// from the venue's max leverage and requires it stay a configured fraction
// away from entry (§4.4.1). In the absence of a full per-venue maintenance
// margin schedule, liquidation distance is approximated as 1/leverage.
func (e *Executor) checkLiquidationDistance(ctx context.Context, l leg) error {
	client := e.clients[l.spec.Venue]
	_, maxLeverage, err := client.GetLeverageInfo(ctx, l.spec.Symbol)
	if err != nil {
		return errkind.New(errkind.PreflightValidation, "executor.checkLiquidationDistance",
			fmt.Errorf("leverage info for %s/%s: %w", l.spec.Venue, l.spec.Symbol, err))
	}
	if maxLeverage <= 0 {
		return nil
	}
	distance := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(maxLeverage)))
	if distance.LessThan(e.cfg.MinLiquidationDistancePct) {
		return errkind.New(errkind.PreflightValidation, "executor.checkLiquidationDistance",
			fmt.Errorf("estimated liquidation distance %s below minimum %s for %s/%s", distance, e.cfg.MinLiquidationDistancePct, l.spec.Venue, l.spec.Symbol))
	}
	return nil
}

// alignPrices produces break-even-aligned limit prices such that
// longPrice < shortPrice, falling back to raw BBO when the venues have
// diverged past max_spread_threshold_pct or alignment would cross itself
// (§4.4.2).
func (e *Executor) alignPrices(long, short leg) (longPrice, shortPrice decimal.Decimal) {
	if !e.cfg.EnableBreakEvenAlignment {
		return long.ask, short.bid
	}

	longMid := long.bid.Add(long.ask).Div(decimal.NewFromInt(2))
	shortMid := short.bid.Add(short.ask).Div(decimal.NewFromInt(2))
	minMid := decimal.Min(longMid, shortMid)
	if minMid.IsZero() {
		return long.ask, short.bid
	}

	gap := longMid.Sub(shortMid).Abs().Div(minMid)
	if gap.GreaterThan(e.cfg.MaxSpreadThresholdPct) {
		return long.ask, short.bid
	}

	one := decimal.NewFromInt(1)
	alignedLong := long.ask.Mul(one.Sub(e.cfg.LimitOrderOffsetPct))
	alignedShort := short.bid.Mul(one.Add(e.cfg.LimitOrderOffsetPct))
	if !alignedLong.LessThan(alignedShort) {
		return long.ask, short.bid
	}
	return alignedLong, alignedShort
}

// harmonizeQuantity converts each leg's target quantity to a common
// actual-token amount and rounds back down to each venue's step (§4.4.3).
func harmonizeQuantity(long, short leg) (longQty, shortQty, residualUSD decimal.Decimal, err error) {
	longMultiplier := orOne(long.attrs.QuantityMultiplier)
	shortMultiplier := orOne(short.attrs.QuantityMultiplier)

	roundedLong := roundDownToStep(long.spec.TargetQuantity, long.attrs.StepSize)
	roundedShort := roundDownToStep(short.spec.TargetQuantity, short.attrs.StepSize)

	actualLong := roundedLong.Mul(longMultiplier)
	actualShort := roundedShort.Mul(shortMultiplier)

	common := decimal.Min(actualLong, actualShort)

	finalLong := roundDownToStep(common.Div(longMultiplier), long.attrs.StepSize)
	finalShort := roundDownToStep(common.Div(shortMultiplier), short.attrs.StepSize)

	if finalLong.LessThanOrEqual(decimal.Zero) || finalShort.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, decimal.Zero, errkind.New(errkind.PreflightValidation, "executor.harmonizeQuantity", fmt.Errorf("rounded quantity is zero"))
	}
	if !long.attrs.MinQuantity.IsZero() && finalLong.LessThan(long.attrs.MinQuantity) {
		return decimal.Zero, decimal.Zero, decimal.Zero, errkind.New(errkind.PreflightValidation, "executor.harmonizeQuantity", fmt.Errorf("long leg below venue minimum"))
	}
	if !short.attrs.MinQuantity.IsZero() && finalShort.LessThan(short.attrs.MinQuantity) {
		return decimal.Zero, decimal.Zero, decimal.Zero, errkind.New(errkind.PreflightValidation, "executor.harmonizeQuantity", fmt.Errorf("short leg below venue minimum"))
	}

	residualTokens := finalLong.Mul(longMultiplier).Sub(finalShort.Mul(shortMultiplier)).Abs()
	mid := long.bid.Add(long.ask).Div(decimal.NewFromInt(2))
	residualUSD = residualTokens.Mul(mid)

	return finalLong, finalShort, residualUSD, nil
}

func orOne(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.NewFromInt(1)
	}
	return d
}

func roundDownToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Truncate(0).Mul(step)
}

// executeLeg submits one leg under its execution mode and waits (where
// applicable) for fills, returning a FillRecord even on partial/zero fill
// (§4.4.4).
func (e *Executor) executeLeg(ctx context.Context, l leg, price, qty decimal.Decimal) (types.FillRecord, error) {
	client := e.clients[l.spec.Venue]
	timeout := time.Duration(l.spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	switch l.spec.Mode {
	case types.ModeMarketOnly:
		return e.executeMarket(ctx, client, l, qty, price)

	case types.ModeAggressiveLimit:
		aggressive := price
		if l.spec.Side == types.Buy {
			aggressive = l.ask.Mul(decimal.NewFromInt(1).Add(e.cfg.LimitOrderOffsetPct))
		} else {
			aggressive = l.bid.Mul(decimal.NewFromInt(1).Sub(e.cfg.LimitOrderOffsetPct))
		}
		return e.executeLimit(ctx, client, l, qty, aggressive, timeout, types.ModeAggressiveLimit)

	case types.ModeMixed:
		fr, err := e.executeLimit(ctx, client, l, qty, price, timeout, types.ModeMixed)
		if err == nil && fr.FilledQuantity.GreaterThanOrEqual(qty) {
			return fr, nil
		}
		residual := qty.Sub(fr.FilledQuantity)
		if residual.LessThanOrEqual(decimal.Zero) {
			return fr, err
		}
		marketFr, marketErr := e.executeMarket(ctx, client, l, residual, price)
		fr.FilledQuantity = fr.FilledQuantity.Add(marketFr.FilledQuantity)
		fr.TakerQuantity = fr.TakerQuantity.Add(marketFr.FilledQuantity)
		fr.SlippageUSD = fr.SlippageUSD.Add(marketFr.SlippageUSD)
		fr.ExecutionModeUsed = types.ModeMixed
		return fr, marketErr

	default: // types.ModeLimitOnly
		return e.executeLimit(ctx, client, l, qty, price, timeout, types.ModeLimitOnly)
	}
}

func (e *Executor) executeMarket(ctx context.Context, client venue.VenueClient, l leg, qty, referencePrice decimal.Decimal) (types.FillRecord, error) {
	orderID, err := client.PlaceMarketOrder(ctx, venue.MarketOrderRequest{
		Symbol: l.spec.Symbol, Side: l.spec.Side, Quantity: qty, ReduceOnly: l.spec.ReduceOnly,
	})
	if err != nil {
		return types.FillRecord{Venue: l.spec.Venue, ExecutionModeUsed: types.ModeMarketOnly}, fmt.Errorf("market order %s/%s: %w", l.spec.Venue, l.spec.Symbol, err)
	}

	trades, err := client.GetUserTradeHistory(ctx, l.spec.Symbol, time.Now().Add(-time.Minute), time.Now().Add(time.Minute), orderID)
	if err != nil || len(trades) == 0 {
		return types.FillRecord{Venue: l.spec.Venue, OrderID: orderID, ExecutionModeUsed: types.ModeMarketOnly}, nil
	}

	filledQty, avgPrice := weightedFill(trades)
	slippage := avgPrice.Sub(referencePrice).Abs().Mul(filledQty)

	return types.FillRecord{
		Venue: l.spec.Venue, OrderID: orderID, FillPrice: avgPrice, FilledQuantity: filledQty,
		TakerQuantity: filledQty, SlippageUSD: slippage, ExecutionModeUsed: types.ModeMarketOnly,
	}, nil
}

func (e *Executor) executeLimit(ctx context.Context, client venue.VenueClient, l leg, qty, price decimal.Decimal, timeout time.Duration, mode types.ExecutionMode) (types.FillRecord, error) {
	orderID, err := client.PlaceLimitOrder(ctx, venue.LimitOrderRequest{
		Symbol: l.spec.Symbol, Side: l.spec.Side, Quantity: qty, Price: price, ReduceOnly: l.spec.ReduceOnly, TimeInForce: "GTC",
	})
	if err != nil {
		return types.FillRecord{Venue: l.spec.Venue, ExecutionModeUsed: mode}, fmt.Errorf("limit order %s/%s: %w", l.spec.Venue, l.spec.Symbol, err)
	}

	filledQty, avgPrice := e.waitForFill(ctx, client, orderID, l.spec.Symbol, qty, timeout)

	if filledQty.LessThan(qty) {
		if cancelErr := client.CancelOrder(ctx, l.spec.Symbol, orderID); cancelErr != nil {
			e.logger.Warn("cancel on timeout failed", "venue", l.spec.Venue, "order_id", orderID, "error", cancelErr)
		}
	}

	var slippage decimal.Decimal
	if filledQty.IsPositive() {
		slippage = avgPrice.Sub(price).Abs().Mul(filledQty)
	}

	return types.FillRecord{
		Venue: l.spec.Venue, OrderID: orderID, FillPrice: avgPrice, FilledQuantity: filledQty,
		MakerQuantity: filledQty, SlippageUSD: slippage, ExecutionModeUsed: mode,
	}, nil
}

// waitForFill polls trade history for the given order until qty is
// reached or timeout elapses. Polling (rather than a pure event wait) so
// this also works against a venue client whose connector is never
// actually connected, e.g. the sim test double.
func (e *Executor) waitForFill(ctx context.Context, client venue.VenueClient, orderID, symbol string, target decimal.Decimal, timeout time.Duration) (decimal.Decimal, decimal.Decimal) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		trades, err := client.GetUserTradeHistory(ctx, symbol, time.Now().Add(-timeout-time.Minute), time.Now().Add(time.Minute), orderID)
		if err == nil && len(trades) > 0 {
			filled, avg := weightedFill(trades)
			if filled.GreaterThanOrEqual(target) {
				return filled, avg
			}
		}
		if time.Now().After(deadline) {
			if err == nil && len(trades) > 0 {
				filled, avg := weightedFill(trades)
				return filled, avg
			}
			return decimal.Zero, decimal.Zero
		}
		select {
		case <-ctx.Done():
			return decimal.Zero, decimal.Zero
		case <-ticker.C:
		}
	}
}

func weightedFill(trades []types.TradeData) (qty, avgPrice decimal.Decimal) {
	totalQty := decimal.Zero
	totalNotional := decimal.Zero
	for _, t := range trades {
		totalQty = totalQty.Add(t.Quantity)
		totalNotional = totalNotional.Add(t.Price.Mul(t.Quantity))
	}
	if totalQty.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return totalQty, totalNotional.Div(totalQty)
}

// rollback cancels nothing further (legs already cancel their own
// unfilled orders on timeout) and flattens any leg that filled partially
// or fully, per §4.4.5.
func (e *Executor) rollback(ctx context.Context, legs []leg, fills []types.FillRecord) decimal.Decimal {
	cost := decimal.Zero
	for i, fr := range fills {
		if !fr.FilledQuantity.IsPositive() {
			continue
		}
		l := legs[i]
		client := e.clients[l.spec.Venue]
		opposite := types.Sell
		if l.spec.Side == types.Sell {
			opposite = types.Buy
		}
		orderID, err := client.PlaceMarketOrder(ctx, venue.MarketOrderRequest{
			Symbol: l.spec.Symbol, Side: opposite, Quantity: fr.FilledQuantity, ReduceOnly: true,
		})
		if err != nil {
			e.logger.Error("rollback market order failed", "venue", l.spec.Venue, "error", err)
			continue
		}
		trades, err := client.GetUserTradeHistory(ctx, l.spec.Symbol, time.Now().Add(-time.Minute), time.Now().Add(time.Minute), orderID)
		if err == nil && len(trades) > 0 {
			filled, avg := weightedFill(trades)
			cost = cost.Add(avg.Sub(fr.FillPrice).Abs().Mul(filled))
		}
	}
	return cost
}
