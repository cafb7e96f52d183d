package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/opportunity"
	"fundingarb/internal/risk"
	"fundingarb/pkg/types"
)

// monitorPhase refreshes both legs' live snapshots into position metadata
// (so the Profit Monitor can reuse it per §4.7 step 1) and accrues any
// newly-credited funding into the Position Store (§4.9 Phase 1).
func (o *Orchestrator) monitorPhase(ctx context.Context, positions []*types.FundingArbPosition) {
	for _, pos := range positions {
		o.monitorPosition(ctx, pos)
	}
}

func (o *Orchestrator) monitorPosition(ctx context.Context, pos *types.FundingArbPosition) {
	longClient, ok := o.clients[pos.LongVenue]
	if !ok {
		return
	}
	shortClient, ok := o.clients[pos.ShortVenue]
	if !ok {
		return
	}

	longSnap, err := longClient.GetPositionSnapshot(ctx, pos.Symbol)
	if err != nil {
		o.logger.Warn("monitor: long snapshot failed", "position_id", pos.ID, "error", err)
		return
	}
	shortSnap, err := shortClient.GetPositionSnapshot(ctx, pos.Symbol)
	if err != nil {
		o.logger.Warn("monitor: short snapshot failed", "position_id", pos.ID, "error", err)
		return
	}

	o.cacheLegSnapshot(pos, pos.LongVenue, longSnap)
	o.cacheLegSnapshot(pos, pos.ShortVenue, shortSnap)
	pos.LastCheckedAt = time.Now()

	o.accrueFunding(ctx, pos.ID, pos.LongVenue, longSnap.FundingAccrued)
	o.accrueFunding(ctx, pos.ID, pos.ShortVenue, shortSnap.FundingAccrued)

	if err := o.store.Update(ctx, pos); err != nil {
		o.logger.Warn("monitor: failed to persist refreshed metadata", "position_id", pos.ID, "error", err)
	}
}

// cacheLegSnapshot writes the live mark price into the position's cached
// leg metadata without touching entry price, fees, or quantity, which are
// owned by the Executor at fill time.
func (o *Orchestrator) cacheLegSnapshot(pos *types.FundingArbPosition, venueName string, snap types.ExchangePositionSnapshot) {
	leg, ok := pos.Legs[venueName]
	if !ok {
		return
	}
	leg.MarkPrice = snap.MarkPrice
	leg.MarginReserved = snap.MarginReserved
	leg.LiquidationPrice = snap.LiquidationPrice
	leg.LastUpdated = time.Now()
	pos.Legs[venueName] = leg
}

// accrueFunding diffs the venue's cumulative funding-accrued reading
// against the last value this orchestrator observed for (position, venue)
// and records only the delta. The first reading seen for a (position,
// venue) pair, including the first after a restart, only sets the
// baseline, so funding that accrued before that reading is not recorded.
func (o *Orchestrator) accrueFunding(ctx context.Context, positionID, venueName string, cumulative decimal.Decimal) {
	key := positionID + ":" + venueName
	o.mu.Lock()
	last, seen := o.lastFunding[key]
	o.lastFunding[key] = cumulative
	o.mu.Unlock()

	if !seen {
		return
	}
	delta := cumulative.Sub(last)
	if delta.IsZero() {
		return
	}
	if err := o.store.RecordFundingAccrual(ctx, positionID, venueName, delta, time.Now()); err != nil {
		o.logger.Warn("monitor: failed to record funding accrual", "position_id", positionID, "venue", venueName, "error", err)
	}
}

// closePhase evaluates the Risk Controller against every open position and
// closes whatever it flags (§4.9 Phase 2).
func (o *Orchestrator) closePhase(ctx context.Context, positions []*types.FundingArbPosition) {
	for _, pos := range positions {
		rates, ok := o.currentRates(ctx, pos)
		if !ok {
			continue
		}
		exit, reason := o.risk.ShouldExit(ctx, *pos, rates)
		if !exit {
			continue
		}
		if err := o.closePosition(ctx, pos, reason); err != nil {
			o.logger.Error("close phase: failed to close position", "position_id", pos.ID, "reason", reason, "error", err)
		}
	}
}

// currentRates looks up the live funding rates for a position's exact
// (symbol, long, short) triple directly against the opportunity store,
// independent of the Scanner's own profitability filtering — the Risk
// Controller needs the true current divergence even when it has eroded
// below any threshold the Scanner would bother returning.
func (o *Orchestrator) currentRates(ctx context.Context, pos *types.FundingArbPosition) (risk.Rates, bool) {
	opps, err := o.oppStore.FindOpportunities(ctx, opportunity.Filter{Symbol: pos.Symbol})
	if err != nil {
		o.logger.Warn("close phase: rate lookup failed", "position_id", pos.ID, "error", err)
		return risk.Rates{}, false
	}
	for _, opp := range opps {
		if opp.LongVenue == pos.LongVenue && opp.ShortVenue == pos.ShortVenue {
			return risk.Rates{
				Divergence: opp.ShortRate.Sub(opp.LongRate),
				LongRate:   opp.LongRate,
				ShortRate:  opp.ShortRate,
				LongOIUSD:  opp.OpenInterestLongUSD,
				ShortOIUSD: opp.OpenInterestShortUSD,
			}, true
		}
	}
	return risk.Rates{}, false
}

// closePosition is the single close path shared by risk exits and manual
// commands (the Profit Monitor has its own, since it must double-check
// immediately before committing — §4.7). It claims the closing set first
// so it never races the Profit Monitor for the same position.
func (o *Orchestrator) closePosition(ctx context.Context, pos *types.FundingArbPosition, reason string) error {
	if !o.exec.ClosingSet().TryAcquire(pos.ID) {
		return fmt.Errorf("position %s is already being closed", pos.ID)
	}
	defer o.exec.ClosingSet().Release(pos.ID)

	result, err := o.exec.CloseHedge(ctx, *pos, o.cfg.CloseExecutionMode, o.cfg.CloseTimeoutSeconds)
	if err != nil {
		return fmt.Errorf("close hedge: %w", err)
	}
	if !result.AllFilled {
		o.logger.Warn("close did not fully flatten both legs", "position_id", pos.ID, "reason", reason)
	}

	funding, err := o.store.CumulativeFunding(ctx, pos.ID)
	if err != nil {
		o.logger.Warn("close: cumulative funding lookup failed, realized pnl excludes funding", "position_id", pos.ID, "error", err)
	}
	realizedPnL := realizedPnLFromFills(*pos, result, funding)

	if err := o.store.Close(ctx, pos.ID, reason, realizedPnL); err != nil {
		return fmt.Errorf("persist close: %w", err)
	}

	if o.profitMon != nil {
		o.profitMon.Unregister(pos.ID)
	}
	if o.reporter != nil {
		o.reporter.EmitEvent("execution", fmt.Sprintf("closed %s %s/%s (%s)", pos.Symbol, pos.LongVenue, pos.ShortVenue, reason),
			map[string]string{"position_id": pos.ID, "reason": reason})
	}
	o.logger.Info("position closed", "position_id", pos.ID, "reason", reason, "realized_pnl", realizedPnL)
	return nil
}

// realizedPnLFromFills computes realized PnL from each leg's actual exit
// fill price against its recorded entry price, plus cumulative funding,
// minus cumulative fees paid over the life of the position.
func realizedPnLFromFills(pos types.FundingArbPosition, result *types.AtomicExecutionResult, cumulativeFunding decimal.Decimal) decimal.Decimal {
	pnl := decimal.Zero
	for _, fill := range result.FilledOrders {
		leg, ok := pos.Legs[fill.Venue]
		if !ok {
			continue
		}
		switch leg.Side {
		case types.Long:
			pnl = pnl.Add(fill.FilledQuantity.Mul(fill.FillPrice.Sub(leg.EntryPrice)))
		case types.Short:
			pnl = pnl.Add(fill.FilledQuantity.Mul(leg.EntryPrice.Sub(fill.FillPrice)))
		}
	}
	return pnl.Add(cumulativeFunding).Sub(pos.TotalFeesPaid)
}
