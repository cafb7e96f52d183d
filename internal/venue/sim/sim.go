// Package sim provides a deterministic, in-process VenueClient test
// double. It exists so internal/executor, internal/risk,
// internal/profitmonitor, and internal/orchestrator can be exercised
// without a real exchange connection, the way the teacher's
// strategy package tests hand-built a Book/Inventory/Maker directly
// rather than mocking a network call.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/venue"
	"fundingarb/pkg/types"
)

// Client is an in-memory VenueClient. Tests seed its book and fee
// structure, drive fills explicitly, and observe the orders it recorded.
type Client struct {
	name string

	mu          sync.Mutex
	bbo         map[string]types.BBO
	attrs       map[string]types.ContractAttributes
	fees        types.FeeStructure
	leverage    map[string]int
	positions   map[string]types.ExchangePositionSnapshot
	trades      map[string][]types.TradeData
	orders      map[string]placedOrder
	nextOrderID int
	failNext    map[string]error

	connector *venue.Connector
	limiter   *venue.RateLimiter
}

type placedOrder struct {
	symbol     string
	side       types.Side
	price      decimal.Decimal
	quantity   decimal.Decimal
	reduceOnly bool
	isMarket   bool
	cancelled  bool
}

// NewClient creates a simulated venue client named `name`. A real
// venue.Connector is attached so call sites depending on Connector()
// for streaming BBO still work; SeedBBO pushes ticks into it.
func NewClient(name string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:      name,
		bbo:       make(map[string]types.BBO),
		attrs:     make(map[string]types.ContractAttributes),
		leverage:  make(map[string]int),
		positions: make(map[string]types.ExchangePositionSnapshot),
		trades:    make(map[string][]types.TradeData),
		orders:    make(map[string]placedOrder),
		failNext:  make(map[string]error),
		fees:      types.FeeStructure{MakerRate: decimal.NewFromFloat(0.0002), TakerRate: decimal.NewFromFloat(0.0005)},
	}
	c.connector = venue.NewConnector(name, "sim://public", "sim://private", noopCodec{}, nil, nil, logger)
	// Budgets are generous stand-ins for a real venue's published REST
	// limits (§4.1) — enough to never throttle a test, but enough to
	// exercise the same Wait() path production order placement would hit.
	c.limiter = venue.NewRateLimiter(50, 50, 20)
	return c
}

func (c *Client) Name() string { return c.name }

func (c *Client) NormalizeSymbol(venueSymbol string) string { return venueSymbol }
func (c *Client) VenueSymbolFormat(normalizedSymbol string) string { return normalizedSymbol }

// SetBBO seeds the best bid/offer for a symbol and pushes it through the
// attached connector so registered listeners observe it.
func (c *Client) SetBBO(symbol string, bid, ask decimal.Decimal) {
	c.mu.Lock()
	c.bbo[symbol] = types.BBO{Symbol: symbol, Bid: bid, Ask: ask, Timestamp: time.Now()}
	c.mu.Unlock()
	c.connector.SeedBBO(types.BBO{Symbol: symbol, Bid: bid, Ask: ask, Timestamp: time.Now()})
}

// SetRESTOnlyBBO seeds what FetchBBOPrices returns without pushing a tick
// through the connector, for tests exercising the REST-fallback path of a
// price cache that prefers a live connector over REST.
func (c *Client) SetRESTOnlyBBO(symbol string, bid, ask decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bbo[symbol] = types.BBO{Symbol: symbol, Bid: bid, Ask: ask, Timestamp: time.Now()}
}

// SetContractAttributes seeds per-symbol contract metadata.
func (c *Client) SetContractAttributes(symbol string, attrs types.ContractAttributes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[symbol] = attrs
}

// SetPositionSnapshot seeds what GetPositionSnapshot returns for a symbol.
func (c *Client) SetPositionSnapshot(symbol string, snap types.ExchangePositionSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[symbol] = snap
}

// FailNextOrder makes the next PlaceLimitOrder/PlaceMarketOrder for a
// symbol return err instead of succeeding, for testing preflight/rollback.
func (c *Client) FailNextOrder(symbol string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[symbol] = err
}

func (c *Client) GetContractAttributes(ctx context.Context, symbol string) (types.ContractAttributes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	attrs, ok := c.attrs[symbol]
	if !ok {
		return types.ContractAttributes{}, fmt.Errorf("sim: no contract attributes seeded for %s", symbol)
	}
	return attrs, nil
}

func (c *Client) GetLeverageInfo(ctx context.Context, symbol string) (int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.leverage[symbol]
	if !ok {
		cur = 1
	}
	return cur, 20, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leverage[symbol] = leverage
	return nil
}

func (c *Client) FetchBBOPrices(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bbo[symbol]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("sim: no bbo seeded for %s", symbol)
	}
	return b.Bid, b.Ask, nil
}

func (c *Client) PlaceLimitOrder(ctx context.Context, req venue.LimitOrderRequest) (string, error) {
	if err := c.limiter.Order.Wait(ctx); err != nil {
		return "", fmt.Errorf("sim: rate limit wait: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failNext[req.Symbol]; err != nil {
		delete(c.failNext, req.Symbol)
		return "", err
	}
	c.nextOrderID++
	id := fmt.Sprintf("%s-sim-%d", c.name, c.nextOrderID)
	c.orders[id] = placedOrder{symbol: req.Symbol, side: req.Side, price: req.Price, quantity: req.Quantity, reduceOnly: req.ReduceOnly}
	return id, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, req venue.MarketOrderRequest) (string, error) {
	if err := c.limiter.Order.Wait(ctx); err != nil {
		return "", fmt.Errorf("sim: rate limit wait: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failNext[req.Symbol]; err != nil {
		delete(c.failNext, req.Symbol)
		return "", err
	}
	b := c.bbo[req.Symbol]
	price := b.Ask
	if req.Side == types.Sell {
		price = b.Bid
	}
	c.nextOrderID++
	id := fmt.Sprintf("%s-sim-%d", c.name, c.nextOrderID)
	c.orders[id] = placedOrder{symbol: req.Symbol, side: req.Side, price: price, quantity: req.Quantity, reduceOnly: req.ReduceOnly, isMarket: true}
	c.trades[req.Symbol] = append(c.trades[req.Symbol], types.TradeData{
		OrderID: id, TradeID: id, Side: req.Side, Price: price, Quantity: req.Quantity, Timestamp: time.Now(),
	})
	return id, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := c.limiter.Cancel.Wait(ctx); err != nil {
		return fmt.Errorf("sim: rate limit wait: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[orderID]
	if !ok {
		return fmt.Errorf("sim: unknown order %s", orderID)
	}
	o.cancelled = true
	c.orders[orderID] = o
	return nil
}

func (c *Client) GetPositionSnapshot(ctx context.Context, symbol string) (types.ExchangePositionSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions[symbol], nil
}

func (c *Client) GetUserTradeHistory(ctx context.Context, symbol string, start, end time.Time, orderID string) ([]types.TradeData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.TradeData
	for _, t := range c.trades[symbol] {
		if orderID != "" && t.OrderID != orderID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *Client) RoundToStep(symbol string, qty decimal.Decimal) decimal.Decimal {
	c.mu.Lock()
	attrs, ok := c.attrs[symbol]
	c.mu.Unlock()
	if !ok || attrs.StepSize.IsZero() {
		return qty
	}
	return qty.Div(attrs.StepSize).Truncate(0).Mul(attrs.StepSize)
}

func (c *Client) FeeStructure(symbol string) types.FeeStructure {
	return c.fees
}

func (c *Client) Connector() *venue.Connector { return c.connector }

// FillOrder marks a resting limit order as filled and records a trade,
// for tests that drive the executor's fill-detection path explicitly.
func (c *Client) FillOrder(orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[orderID]
	if !ok {
		return fmt.Errorf("sim: unknown order %s", orderID)
	}
	c.trades[o.symbol] = append(c.trades[o.symbol], types.TradeData{
		OrderID: orderID, TradeID: orderID, Side: o.side, Price: o.price, Quantity: o.quantity, Timestamp: time.Now(),
	})
	return nil
}

// noopCodec satisfies venue.Codec for the Connector embedded in a sim
// Client; the sim Client never calls Connect(), so none of these run.
type noopCodec struct{}

func (noopCodec) ParsePublic(raw []byte) (*venue.PublicMessage, error)   { return nil, fmt.Errorf("sim: no wire codec") }
func (noopCodec) ParsePrivate(raw []byte) (*venue.PrivateMessage, error) { return nil, fmt.Errorf("sim: no wire codec") }
func (noopCodec) SubscribeFrame(op string, symbols []string) (interface{}, error) {
	return nil, fmt.Errorf("sim: no wire codec")
}
func (noopCodec) AuthFrame(listenKey string) (interface{}, error) { return nil, fmt.Errorf("sim: no wire codec") }
func (noopCodec) RequiresListenKey() bool     { return false }
func (noopCodec) HandshakeAuthRequired() bool { return false }
