// Package types is the shared vocabulary for the funding-rate arbitrage
// engine: the entities of §3 of the design (positions, legs, book state,
// opportunities, fills, sessions) and the small enums that thread through
// every layer. It has no internal dependencies so any package may import it.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the economic direction of a leg or an order.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
	Buy   Side = "buy"
	Sell  Side = "sell"
)

// PositionStatus is the lifecycle stage of a FundingArbPosition.
type PositionStatus string

const (
	StatusOpen         PositionStatus = "open"
	StatusPendingClose PositionStatus = "pending_close"
	StatusClosed       PositionStatus = "closed"
)

// ExecutionMode selects how the executor fills an OrderSpec.
type ExecutionMode string

const (
	ModeLimitOnly       ExecutionMode = "limit_only"
	ModeMarketOnly      ExecutionMode = "market_only"
	ModeAggressiveLimit ExecutionMode = "aggressive_limit"
	ModeMixed           ExecutionMode = "mixed"
)

// SessionHealth tracks orchestrator liveness as reported on the dashboard.
type SessionHealth string

const (
	HealthStarting SessionHealth = "starting"
	HealthRunning  SessionHealth = "running"
	HealthDegraded SessionHealth = "degraded"
	HealthStopped  SessionHealth = "stopped"
)

// LifecycleStage is the orchestrator's current cycle phase.
type LifecycleStage string

const (
	StageInitializing LifecycleStage = "initializing"
	StageIdle         LifecycleStage = "idle"
	StageScanning     LifecycleStage = "scanning"
	StageExecuting    LifecycleStage = "executing"
	StageMonitoring   LifecycleStage = "monitoring"
	StageClosing      LifecycleStage = "closing"
	StageComplete     LifecycleStage = "complete"
	StageError        LifecycleStage = "error"
)

// LegMetadata is one side of a hedge, promoted from the source's untyped
// per-leg dict (see SPEC_FULL.md §3 Design Notes).
type LegMetadata struct {
	Side               Side            `json:"side"`
	EntryPrice         decimal.Decimal `json:"entry_price"`
	Quantity           decimal.Decimal `json:"quantity"` // venue-native signed quantity
	OrderID            string          `json:"order_id"`
	FeesPaid           decimal.Decimal `json:"fees_paid"`
	SlippageUSD        decimal.Decimal `json:"slippage_usd"`
	ExecutionMode      ExecutionMode   `json:"execution_mode"`
	ExposureUSD        decimal.Decimal `json:"exposure_usd"`
	LastUpdated        time.Time       `json:"last_updated"`
	ContractID         string          `json:"contract_id"`
	QuantityMultiplier decimal.Decimal `json:"quantity_multiplier"`
	PriceMultiplier    decimal.Decimal `json:"price_multiplier"`
	MarkPrice          decimal.Decimal `json:"mark_price"`
	MarginReserved     decimal.Decimal `json:"margin_reserved"`
	LiquidationPrice   decimal.Decimal `json:"liquidation_price"`
}

// FundingArbPosition is a hedge between two venues on the same symbol.
type FundingArbPosition struct {
	ID               string                 `json:"id"`
	Symbol           string                 `json:"symbol"`
	LongVenue        string                 `json:"long_venue"`
	ShortVenue       string                 `json:"short_venue"`
	SizeUSD          decimal.Decimal        `json:"size_usd"`
	EntryLongRate    decimal.Decimal        `json:"entry_long_rate"`
	EntryShortRate   decimal.Decimal        `json:"entry_short_rate"`
	EntryDivergence  decimal.Decimal        `json:"entry_divergence"`
	OpenedAt         time.Time              `json:"opened_at"`
	ClosedAt         *time.Time             `json:"closed_at,omitempty"`
	Status           PositionStatus         `json:"status"`
	RealizedPnL      decimal.Decimal        `json:"realized_pnl"`
	TotalFeesPaid    decimal.Decimal        `json:"total_fees_paid"`
	ExitReason       string                 `json:"exit_reason"`
	LastCheckedAt    time.Time              `json:"last_checked_at"`
	Legs             map[string]LegMetadata `json:"legs"` // keyed by venue name
	FillFingerprints []string               `json:"fill_fingerprints"`
}

// Divergence returns short_rate - long_rate.
func (p *FundingArbPosition) Divergence() decimal.Decimal {
	return p.EntryShortRate.Sub(p.EntryLongRate)
}

// ErosionRatio returns current/entry divergence, or zero if entry is zero.
func ErosionRatio(current, entry decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	return current.Div(entry)
}

// BBO is the top of book on one symbol at one venue.
type BBO struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
	Sequence  int64 // 0 when the venue provides no monotonic sequence
}

// Mid is the simple midpoint of bid and ask.
func (b BBO) Mid() decimal.Decimal {
	return b.Bid.Add(b.Ask).Div(decimal.NewFromInt(2))
}

// Valid reports whether both sides are positive and correctly crossed.
func (b BBO) Valid() bool {
	return b.Bid.IsPositive() && b.Ask.IsPositive() && b.Bid.LessThan(b.Ask)
}

// PriceLevel is one row of an order book side.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBookLevels is a top-N snapshot returned by GetBestLevels.
type OrderBookLevels struct {
	Symbol    string
	Bids      []PriceLevel // descending by price
	Asks      []PriceLevel // ascending by price
	Timestamp time.Time
}

// FundingOpportunity is a ranked candidate (symbol, long venue, short venue)
// triple returned by the opportunity store (§6.2).
type FundingOpportunity struct {
	Symbol               string
	LongVenue            string
	ShortVenue           string
	LongRate             decimal.Decimal
	ShortRate            decimal.Decimal
	Divergence           decimal.Decimal
	NetProfitPercent     decimal.Decimal
	OpenInterestLongUSD  decimal.Decimal
	OpenInterestShortUSD decimal.Decimal
}

// TradeType distinguishes an entry fill from an exit fill.
type TradeType string

const (
	TradeEntry TradeType = "entry"
	TradeExit  TradeType = "exit"
)

// TradeFill is one (possibly aggregated) fill record persisted to C5.
type TradeFill struct {
	ID               string
	PositionID       string
	Venue            string
	TradeType        TradeType
	Side             Side
	TotalQuantity    decimal.Decimal
	WeightedAvgPrice decimal.Decimal
	Fee              decimal.Decimal
	FeeCurrency      string
	RealizedPnL      decimal.Decimal
	RealizedFunding  decimal.Decimal
	Timestamp        time.Time
	OrderID          string
	VenueTradeID     string
}

// Session is the process-lifetime record reported to the dashboard.
type Session struct {
	ID            string
	StrategyTag   string
	StartedAt     time.Time
	LastHeartbeat time.Time
	Health        SessionHealth
	Stage         LifecycleStage
	Paused        bool
	Metadata      map[string]string
}

// ContractAttributes describes a symbol's tradeable shape on one venue.
type ContractAttributes struct {
	ContractID         string
	TickSize           decimal.Decimal
	StepSize           decimal.Decimal
	QuantityMultiplier decimal.Decimal
	PriceMultiplier    decimal.Decimal
	MinQuantity        decimal.Decimal
	MaxLeverage        int
}

// FeeStructure carries a venue's maker/taker rates for one symbol.
type FeeStructure struct {
	MakerRate decimal.Decimal
	TakerRate decimal.Decimal
}

// ExchangePositionSnapshot is a venue-native read of one leg's live state.
type ExchangePositionSnapshot struct {
	Side             Side
	SignedQuantity   decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	RealizedPnL      decimal.Decimal
	FundingAccrued   decimal.Decimal
	Leverage         int
	MarginReserved   decimal.Decimal
	LiquidationPrice decimal.Decimal
}

// TradeData is one historical fill returned by GetUserTradeHistory.
type TradeData struct {
	OrderID   string
	TradeID   string
	Side      Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

// LiquidationEvent is emitted by a venue's force-order stream.
type LiquidationEvent struct {
	Venue     string
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
}

// OrderSpec is one leg of a requested atomic execution (§4.4).
type OrderSpec struct {
	Venue             string
	Symbol            string
	Side              Side
	TargetNotionalUSD decimal.Decimal
	TargetQuantity    decimal.Decimal
	Mode              ExecutionMode
	TimeoutSeconds    int
	LimitOffsetPct    decimal.Decimal
	ReduceOnly        bool
}

// FillRecord is one leg's outcome from an atomic execution (§4.4.6).
type FillRecord struct {
	Venue             string
	OrderID           string
	FillPrice         decimal.Decimal
	FilledQuantity    decimal.Decimal
	MakerQuantity     decimal.Decimal
	TakerQuantity     decimal.Decimal
	SlippageUSD       decimal.Decimal
	ExecutionModeUsed ExecutionMode
}

// AtomicExecutionResult is the outcome of one ExecuteAtomic/CloseHedge call.
type AtomicExecutionResult struct {
	AllFilled            bool
	FilledOrders         []FillRecord
	TotalSlippageUSD     decimal.Decimal
	ResidualImbalanceUSD decimal.Decimal
	RollbackPerformed    bool
	RollbackCostUSD      decimal.Decimal
	ErrorMessage         string
}
