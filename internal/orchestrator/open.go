package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundingarb/internal/opportunity"
	"fundingarb/internal/venue"
	"fundingarb/pkg/types"
)

// openPhase runs the Opportunity Scanner against the engine's current
// capacity and opens whatever it returns, one at a time, honoring
// failed_symbols and the single-position-per-session guard (§4.9 Phase 3).
func (o *Orchestrator) openPhase(ctx context.Context) {
	openPositions, err := o.store.OpenPositions(ctx)
	if err != nil {
		o.logger.Error("open phase: failed to list open positions", "error", err)
		return
	}

	exposure := decimal.Zero
	for _, p := range openPositions {
		exposure = exposure.Add(p.SizeUSD)
	}

	o.mu.Lock()
	state := opportunity.PortfolioState{
		OpenPositionCount:     len(openPositions),
		NewPositionsThisCycle: o.newPositionsThisCycle,
		CurrentExposureUSD:    exposure,
	}
	o.mu.Unlock()

	candidates, err := o.scanner.Scan(ctx, opportunity.Filter{}, state)
	if err != nil {
		o.logger.Error("open phase: scan failed", "error", err)
		return
	}

	for _, cand := range candidates {
		if o.isFailedThisCycle(cand.Symbol) {
			continue
		}

		existing, err := o.store.FindOpenPosition(ctx, cand.Symbol, cand.LongVenue, cand.ShortVenue)
		if err != nil {
			o.logger.Warn("open phase: existing-position lookup failed", "symbol", cand.Symbol, "error", err)
			continue
		}
		if existing != nil {
			continue
		}

		if err := o.openPosition(ctx, cand); err != nil {
			o.logger.Warn("open phase: failed to open opportunity", "symbol", cand.Symbol,
				"long_venue", cand.LongVenue, "short_venue", cand.ShortVenue, "error", err)
			o.markFailed(cand.Symbol)
			continue
		}

		o.mu.Lock()
		o.newPositionsThisCycle++
		o.openedAny = true
		o.mu.Unlock()

		if o.cfg.SinglePositionPerSession {
			return
		}
	}
}

func (o *Orchestrator) isFailedThisCycle(symbol string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, failed := o.failedSymbols[symbol]
	return failed
}

func (o *Orchestrator) markFailed(symbol string) {
	o.mu.Lock()
	o.failedSymbols[symbol] = struct{}{}
	o.mu.Unlock()
}

// openPosition runs the full entry pipeline named in §4.9 Phase 3:
// contract-prep, leverage normalization, order-plan, atomic execution,
// persistence, profit-monitor registration, notification.
func (o *Orchestrator) openPosition(ctx context.Context, cand opportunity.RankedOpportunity) error {
	longClient, ok := o.clients[cand.LongVenue]
	if !ok {
		return fmt.Errorf("no client configured for %s", cand.LongVenue)
	}
	shortClient, ok := o.clients[cand.ShortVenue]
	if !ok {
		return fmt.Errorf("no client configured for %s", cand.ShortVenue)
	}

	longAttrs, err := longClient.GetContractAttributes(ctx, cand.Symbol)
	if err != nil {
		return fmt.Errorf("long contract attributes: %w", err)
	}
	shortAttrs, err := shortClient.GetContractAttributes(ctx, cand.Symbol)
	if err != nil {
		return fmt.Errorf("short contract attributes: %w", err)
	}

	if err := normalizeLeverage(ctx, longClient, cand.Symbol, longAttrs.MaxLeverage); err != nil {
		return fmt.Errorf("long leverage normalization: %w", err)
	}
	if err := normalizeLeverage(ctx, shortClient, cand.Symbol, shortAttrs.MaxLeverage); err != nil {
		return fmt.Errorf("short leverage normalization: %w", err)
	}

	longBBO, err := o.prices.GetBBO(ctx, cand.LongVenue, cand.Symbol)
	if err != nil {
		return fmt.Errorf("long bbo: %w", err)
	}
	shortBBO, err := o.prices.GetBBO(ctx, cand.ShortVenue, cand.Symbol)
	if err != nil {
		return fmt.Errorf("short bbo: %w", err)
	}

	longQty := cand.SizeUSD.Div(longBBO.Mid())
	shortQty := cand.SizeUSD.Div(shortBBO.Mid())

	specs := []types.OrderSpec{
		{
			Venue: cand.LongVenue, Symbol: cand.Symbol, Side: types.Buy,
			TargetQuantity: longQty, Mode: o.cfg.EntryExecutionMode, TimeoutSeconds: o.cfg.EntryTimeoutSeconds,
		},
		{
			Venue: cand.ShortVenue, Symbol: cand.Symbol, Side: types.Sell,
			TargetQuantity: shortQty, Mode: o.cfg.EntryExecutionMode, TimeoutSeconds: o.cfg.EntryTimeoutSeconds,
		},
	}

	result, err := o.exec.ExecuteAtomic(ctx, specs)
	if err != nil {
		return fmt.Errorf("execute atomic: %w", err)
	}
	if !result.AllFilled {
		return fmt.Errorf("entry did not fully fill: %s", result.ErrorMessage)
	}

	fees := map[string]types.FeeStructure{
		cand.LongVenue:  longClient.FeeStructure(cand.Symbol),
		cand.ShortVenue: shortClient.FeeStructure(cand.Symbol),
	}
	attrs := map[string]types.ContractAttributes{
		cand.LongVenue:  longAttrs,
		cand.ShortVenue: shortAttrs,
	}
	pos := buildOpenedPosition(cand, result, attrs, fees)
	if err := o.store.Create(ctx, &pos); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}

	if o.profitMon != nil {
		o.profitMon.Register(pos, longClient.Connector(), shortClient.Connector())
	}
	if o.reporter != nil {
		o.reporter.EmitEvent("execution", fmt.Sprintf("opened %s %s/%s", pos.Symbol, pos.LongVenue, pos.ShortVenue),
			map[string]string{"position_id": pos.ID})
	}
	o.logger.Info("position opened", "position_id", pos.ID, "symbol", pos.Symbol,
		"long_venue", pos.LongVenue, "short_venue", pos.ShortVenue, "size_usd", pos.SizeUSD)
	return nil
}

// normalizeLeverage sets the venue's leverage for symbol to its max, the
// conservative default this engine always targets — it maximizes capital
// efficiency for a fully-hedged position, where directional liquidation
// risk doesn't compound the way it would for a naked position.
func normalizeLeverage(ctx context.Context, client venue.VenueClient, symbol string, maxLeverage int) error {
	if maxLeverage <= 0 {
		return nil
	}
	current, _, err := client.GetLeverageInfo(ctx, symbol)
	if err != nil {
		return err
	}
	if current == maxLeverage {
		return nil
	}
	return client.SetLeverage(ctx, symbol, maxLeverage)
}

// buildOpenedPosition assembles a FundingArbPosition from a filled
// execution result plus the candidate opportunity's rates. Fees are
// estimated from each fill's maker/taker split against the venue's own
// fee schedule, since FillRecord itself carries no fee field.
func buildOpenedPosition(cand opportunity.RankedOpportunity, result *types.AtomicExecutionResult, attrs map[string]types.ContractAttributes, fees map[string]types.FeeStructure) types.FundingArbPosition {
	now := time.Now()
	pos := types.FundingArbPosition{
		ID:              uuid.NewString(),
		Symbol:          cand.Symbol,
		LongVenue:       cand.LongVenue,
		ShortVenue:      cand.ShortVenue,
		SizeUSD:         cand.SizeUSD,
		EntryLongRate:   cand.LongRate,
		EntryShortRate:  cand.ShortRate,
		EntryDivergence: cand.ShortRate.Sub(cand.LongRate),
		OpenedAt:        now,
		Status:          types.StatusOpen,
		Legs:            make(map[string]types.LegMetadata),
	}

	for _, fill := range result.FilledOrders {
		a := attrs[fill.Venue]
		f := fees[fill.Venue]
		side := types.Long
		if fill.Venue == cand.ShortVenue {
			side = types.Short
		}

		fee := fill.MakerQuantity.Mul(fill.FillPrice).Mul(f.MakerRate).
			Add(fill.TakerQuantity.Mul(fill.FillPrice).Mul(f.TakerRate))
		exposure := fill.FilledQuantity.Mul(fill.FillPrice).Mul(orOneLocal(a.QuantityMultiplier))

		pos.Legs[fill.Venue] = types.LegMetadata{
			Side:               side,
			EntryPrice:         fill.FillPrice,
			Quantity:           fill.FilledQuantity,
			OrderID:            fill.OrderID,
			FeesPaid:           fee,
			SlippageUSD:        fill.SlippageUSD,
			ExecutionMode:      fill.ExecutionModeUsed,
			ExposureUSD:        exposure,
			LastUpdated:        now,
			ContractID:         a.ContractID,
			QuantityMultiplier: a.QuantityMultiplier,
			PriceMultiplier:    a.PriceMultiplier,
		}
		pos.TotalFeesPaid = pos.TotalFeesPaid.Add(fee)
	}

	return pos
}

func orOneLocal(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.NewFromInt(1)
	}
	return d
}
