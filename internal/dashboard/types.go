// Package dashboard implements the Dashboard / Control Reporter (C11):
// a push/pull bridge between the orchestrator's cycle and an out-of-process
// dashboard over a websocket. Push: DashboardSnapshot and TimelineEvent are
// broadcast to every connected client. Pull: a client sends a JSON command
// (pause_strategy, resume_strategy, close_position, ping) and receives a
// JSON reply.
//
// Adapted from the teacher's internal/api package: its DashboardSnapshot/
// MarketStatus shape (one entry per active market) is generalized here to
// one entry per open hedge position, and its read-only readPump is extended
// to dispatch commands instead of discarding every inbound message.
package dashboard

import (
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/pkg/types"
)

// DashboardSnapshot is the full push payload: session health plus every
// open position plus portfolio-level totals (§4.11).
type DashboardSnapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	Session   SessionSummary    `json:"session"`
	Positions []PositionSummary `json:"positions"`
	Portfolio PortfolioSummary  `json:"portfolio"`
}

// SessionSummary mirrors types.Session for the wire.
type SessionSummary struct {
	ID            string `json:"id"`
	StrategyTag   string `json:"strategy_tag"`
	Health        string `json:"health"`
	Stage         string `json:"stage"`
	Paused        bool   `json:"paused"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// PositionSummary is one open or recently-closed hedge, flattened for
// display (legs collapsed to their mark price / entry price / quantity).
type PositionSummary struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	LongVenue       string          `json:"long_venue"`
	ShortVenue      string          `json:"short_venue"`
	SizeUSD         decimal.Decimal `json:"size_usd"`
	EntryDivergence decimal.Decimal `json:"entry_divergence"`
	Status          string          `json:"status"`
	OpenedAt        time.Time       `json:"opened_at"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	TotalFeesPaid   decimal.Decimal `json:"total_fees_paid"`
	LongMarkPrice   decimal.Decimal `json:"long_mark_price"`
	ShortMarkPrice  decimal.Decimal `json:"short_mark_price"`
}

// PortfolioSummary aggregates every position into portfolio-level totals.
type PortfolioSummary struct {
	OpenPositionCount  int             `json:"open_position_count"`
	TotalExposureUSD   decimal.Decimal `json:"total_exposure_usd"`
	TotalRealizedPnL   decimal.Decimal `json:"total_realized_pnl"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	TotalFundingUSD    decimal.Decimal `json:"total_funding_usd"`
}

// buildPositionSummary flattens one position, deriving unrealized PnL from
// each leg's cached entry price against its cached mark price (populated by
// the orchestrator's monitor phase) — the Reporter never fetches prices
// itself, it only ever reads what monitoring already wrote into the leg.
func buildPositionSummary(pos *types.FundingArbPosition) PositionSummary {
	summary := PositionSummary{
		ID:              pos.ID,
		Symbol:          pos.Symbol,
		LongVenue:       pos.LongVenue,
		ShortVenue:      pos.ShortVenue,
		SizeUSD:         pos.SizeUSD,
		EntryDivergence: pos.EntryDivergence,
		Status:          string(pos.Status),
		OpenedAt:        pos.OpenedAt,
		RealizedPnL:     pos.RealizedPnL,
		TotalFeesPaid:   pos.TotalFeesPaid,
	}

	unrealized := decimal.Zero
	if leg, ok := pos.Legs[pos.LongVenue]; ok {
		summary.LongMarkPrice = leg.MarkPrice
		if leg.MarkPrice.IsPositive() {
			unrealized = unrealized.Add(leg.Quantity.Mul(leg.MarkPrice.Sub(leg.EntryPrice)))
		}
	}
	if leg, ok := pos.Legs[pos.ShortVenue]; ok {
		summary.ShortMarkPrice = leg.MarkPrice
		if leg.MarkPrice.IsPositive() {
			unrealized = unrealized.Add(leg.Quantity.Mul(leg.EntryPrice.Sub(leg.MarkPrice)))
		}
	}
	summary.UnrealizedPnL = unrealized
	return summary
}
