// Package venue owns everything the engine needs to talk to one
// perpetual-futures exchange: the VenueClient capability surface required
// by SPEC_FULL.md §6.1, and the Connector (C1), OrderBookState (C2), and
// market feed switch (C3) that keep its streams alive.
//
// Concrete per-venue REST/WS wire formats are out of scope for this spec
// (§1 "Explicitly out of scope"); venues plug in a Codec that turns raw
// websocket frames into the small vocabulary below, and the Connector
// supplies the reconnect/sequence-gap/listen-key machinery around it.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/pkg/types"
)

// VenueClient is the capability set every trading client must provide
// (§6.1). The Strategy Orchestrator holds a map[string]VenueClient.
type VenueClient interface {
	Name() string
	NormalizeSymbol(venueSymbol string) string
	VenueSymbolFormat(normalizedSymbol string) string

	GetContractAttributes(ctx context.Context, symbol string) (types.ContractAttributes, error)
	GetLeverageInfo(ctx context.Context, symbol string) (current, max int, err error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	FetchBBOPrices(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error)

	PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (orderID string, err error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (orderID string, err error)

	GetPositionSnapshot(ctx context.Context, symbol string) (types.ExchangePositionSnapshot, error)
	GetUserTradeHistory(ctx context.Context, symbol string, start, end time.Time, orderID string) ([]types.TradeData, error)

	RoundToStep(symbol string, qty decimal.Decimal) decimal.Decimal
	FeeStructure(symbol string) types.FeeStructure

	// Connector exposes the websocket lifecycle (C1/C2/C3) owned by this venue.
	Connector() *Connector
}

// LimitOrderRequest places a resting order.
type LimitOrderRequest struct {
	Symbol        string
	Side          types.Side
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ReduceOnly    bool
	TimeInForce   string // "GTC", "IOC", "FOK"
}

// MarketOrderRequest places an immediate-fill order.
type MarketOrderRequest struct {
	Symbol     string
	Side       types.Side
	Quantity   decimal.Decimal
	ReduceOnly bool
}

// BBOListener receives every BBO update the connector's public stream
// produces, for every symbol it is subscribed to; listeners filter by
// symbol themselves (§4.7).
type BBOListener func(types.BBO)

// ListenerHandle identifies a registered BBOListener for later removal.
type ListenerHandle uint64

// PublicMessage is the venue-agnostic shape a Codec turns raw public-stream
// frames into.
type PublicMessage struct {
	Kind        PublicKind
	Symbol      string
	Snapshot    *types.OrderBookLevels // Kind == PublicSnapshot
	FirstSeq    int64                  // Kind == PublicDelta
	LastSeq     int64                  // Kind == PublicDelta
	BidChanges  []types.PriceLevel     // Kind == PublicDelta (size 0 = remove)
	AskChanges  []types.PriceLevel     // Kind == PublicDelta
	Liquidation *types.LiquidationEvent // Kind == PublicLiquidation
}

// PublicKind discriminates a parsed public-stream message.
type PublicKind string

const (
	PublicSnapshot    PublicKind = "snapshot"
	PublicDelta       PublicKind = "delta"
	PublicLiquidation PublicKind = "liquidation"
	PublicHeartbeat   PublicKind = "heartbeat"
)

// PrivateMessage is the venue-agnostic shape a Codec turns raw private-stream
// frames into.
type PrivateMessage struct {
	Kind             PrivateKind
	OrderID          string
	Symbol           string
	Fill             *types.TradeData
	ListenKeyExpired bool
}

// PrivateKind discriminates a parsed private-stream message.
type PrivateKind string

const (
	PrivateFill             PrivateKind = "fill"
	PrivateOrderUpdate      PrivateKind = "order_update"
	PrivateListenKeyExpired PrivateKind = "listen_key_expired"
	PrivateHeartbeat        PrivateKind = "heartbeat"
)

// Codec parses raw websocket frames into the venue-agnostic message types
// above, and builds the outgoing subscribe/unsubscribe/auth frames a venue
// expects. Implemented once per venue; the Connector owns everything else.
type Codec interface {
	ParsePublic(raw []byte) (*PublicMessage, error)
	ParsePrivate(raw []byte) (*PrivateMessage, error)
	SubscribeFrame(op string, symbols []string) (interface{}, error)
	AuthFrame(listenKey string) (interface{}, error)
	// RequiresListenKey reports whether the private stream needs an
	// expiring token fetched out-of-band before connecting.
	RequiresListenKey() bool
	// HandshakeAuthRequired reports whether the public stream must be
	// torn down and reconnected (rather than re-subscribed) to switch
	// symbols, per §4.3's "disconnect/reconnect model".
	HandshakeAuthRequired() bool
}

// ListenKeyIssuer obtains and refreshes a venue's private-stream access
// token. Only venues whose Codec.RequiresListenKey() is true need one.
type ListenKeyIssuer interface {
	IssueListenKey(ctx context.Context) (string, time.Duration, error)
	RefreshListenKey(ctx context.Context, key string) error
}
