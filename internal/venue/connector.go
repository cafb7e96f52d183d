package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/errkind"
	"fundingarb/pkg/types"
)

const (
	listenKeyRefreshInterval = 50 * time.Minute
	watchdogInterval         = 5 * time.Minute
	watchdogDeadThreshold    = 10 * time.Minute
	stalenessPollInterval    = 30 * time.Second

	publicMaxBackoff  = 60 * time.Second
	privateMaxBackoff = 30 * time.Second

	bboListenerQueueSize = 256
)

// SnapshotFetcher fetches a fresh order-book snapshot out of band (REST),
// used to recover from a sequence gap or staleness without tearing down
// the socket. Supplied by the venue's concrete VenueClient.
type SnapshotFetcher func(ctx context.Context, symbol string) (*types.OrderBookLevels, int64, error)

// Connector owns one venue's private+public websocket lifecycle (C1), the
// order book it feeds (C2), and the market-feed symbol switch (C3).
type Connector struct {
	venueName   string
	publicURL   string
	privateURL  string
	codec       Codec
	listenKeys  ListenKeyIssuer
	fetchSnapshot SnapshotFetcher

	public  *stream
	private *stream

	bookMu        sync.RWMutex
	book          *OrderBookState
	currentSymbol string

	listenersMu sync.Mutex
	listeners   map[ListenerHandle]BBOListener
	nextHandle  ListenerHandle

	latestBBOMu sync.Mutex
	latestBBO   *types.BBO

	liquidationCh chan types.LiquidationEvent
	fillCh        chan types.TradeData

	publicReady  atomic.Bool
	privateReady atomic.Bool

	listenKeyMu        sync.Mutex
	listenKey          string
	listenKeyExpiresAt time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	logger *slog.Logger
}

// NewConnector builds a Connector for one venue. listenKeys may be nil for
// venues whose Codec.RequiresListenKey() is false.
func NewConnector(venueName, publicURL, privateURL string, codec Codec, listenKeys ListenKeyIssuer, fetchSnapshot SnapshotFetcher, logger *slog.Logger) *Connector {
	return &Connector{
		venueName:     venueName,
		publicURL:     publicURL,
		privateURL:    privateURL,
		codec:         codec,
		listenKeys:    listenKeys,
		fetchSnapshot: fetchSnapshot,
		book:          NewOrderBookState(""),
		listeners:     make(map[ListenerHandle]BBOListener),
		liquidationCh: make(chan types.LiquidationEvent, 64),
		fillCh:        make(chan types.TradeData, 64),
		logger:        logger.With("component", "connector", "venue", venueName),
	}
}

// Connect opens both streams; blocks until the private stream has
// connected and sent its auth frame and, when a symbol is already
// selected, the public stream has connected and sent its subscribe frame.
// It does not wait for an auth acknowledgement or for a first order-book
// snapshot. Returns an error if the listen key cannot be issued, ctx is
// cancelled, or the streams are not ready within 30s. Calling Connect
// twice while already connected is a no-op (§8.3 idempotence).
func (c *Connector) Connect(ctx context.Context) error {
	if c.runCtx != nil && c.runCtx.Err() == nil {
		return nil
	}

	c.runCtx, c.runCancel = context.WithCancel(context.Background())

	if c.listenKeys != nil && c.codec.RequiresListenKey() {
		key, ttl, err := c.listenKeys.IssueListenKey(ctx)
		if err != nil {
			return errkind.New(errkind.TransientNetwork, "connector.Connect", fmt.Errorf("issue listen key: %w", err))
		}
		c.listenKeyMu.Lock()
		c.listenKey = key
		c.listenKeyExpiresAt = time.Now().Add(ttl)
		c.listenKeyMu.Unlock()
	}

	c.private = newStream("private", c.privateURL, privateMaxBackoff, c.dispatchPrivate, c.onPrivateConnected, c.logger)
	c.public = newStream("public", c.publicURL, publicMaxBackoff, c.dispatchPublic, c.onPublicConnected, c.logger)

	c.wg.Add(3)
	go func() { defer c.wg.Done(); c.private.Run(c.runCtx) }()
	go func() { defer c.wg.Done(); c.public.Run(c.runCtx) }()
	go func() { defer c.wg.Done(); c.healthWatchdog(c.runCtx) }()

	if err := c.waitReady(ctx); err != nil {
		return err
	}
	return nil
}

func (c *Connector) waitReady(ctx context.Context) error {
	deadline := time.NewTimer(30 * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.privateReady.Load() && (c.currentSymbol == "" || c.publicReady.Load()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errkind.New(errkind.TransientNetwork, "connector.waitReady", fmt.Errorf("timed out waiting for streams to become ready"))
		case <-ticker.C:
		}
	}
}

// Disconnect cancels listener tasks, closes sockets, clears state.
// Idempotent.
func (c *Connector) Disconnect() error {
	if c.runCancel == nil {
		return nil
	}
	c.runCancel()
	c.wg.Wait()
	c.publicReady.Store(false)
	c.privateReady.Store(false)
	c.runCtx = nil
	c.runCancel = nil
	return nil
}

// EnsureMarketFeed reconfigures the public stream to the given symbol (C3).
func (c *Connector) EnsureMarketFeed(ctx context.Context, symbol string) error {
	c.bookMu.Lock()
	if c.currentSymbol == symbol && c.publicReady.Load() {
		c.bookMu.Unlock()
		return nil
	}
	prior := c.currentSymbol
	c.currentSymbol = symbol
	c.book = NewOrderBookState(symbol)
	c.publicReady.Store(false)
	c.bookMu.Unlock()

	if c.codec.HandshakeAuthRequired() {
		if err := c.public.ForceClose(); err != nil {
			return errkind.New(errkind.TransientNetwork, "connector.EnsureMarketFeed", fmt.Errorf("close for resubscribe: %w", err))
		}
	} else {
		if prior != "" {
			unsub, err := c.codec.SubscribeFrame("unsubscribe", []string{prior})
			if err == nil {
				c.public.writeJSON(unsub)
			}
		}
		sub, err := c.codec.SubscribeFrame("subscribe", []string{symbol})
		if err != nil {
			return errkind.New(errkind.TransientNetwork, "connector.EnsureMarketFeed", fmt.Errorf("build subscribe frame: %w", err))
		}
		if err := c.public.writeJSON(sub); err != nil {
			return errkind.New(errkind.TransientNetwork, "connector.EnsureMarketFeed", fmt.Errorf("subscribe: %w", err))
		}
	}

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.book.Ready() {
			c.logger.Info("market feed ready", "symbol", symbol, "bids", len(c.book.bids), "asks", len(c.book.asks))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			c.logger.Warn("market feed snapshot did not arrive within 5s", "symbol", symbol)
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Connector) onPublicConnected(ctx context.Context, send func(interface{}) error) error {
	c.bookMu.RLock()
	symbol := c.currentSymbol
	c.bookMu.RUnlock()
	if symbol == "" {
		c.publicReady.Store(true)
		return nil
	}
	frame, err := c.codec.SubscribeFrame("subscribe", []string{symbol})
	if err != nil {
		return err
	}
	if err := send(frame); err != nil {
		return err
	}
	c.publicReady.Store(true)
	return nil
}

func (c *Connector) onPrivateConnected(ctx context.Context, send func(interface{}) error) error {
	c.listenKeyMu.Lock()
	key := c.listenKey
	c.listenKeyMu.Unlock()

	frame, err := c.codec.AuthFrame(key)
	if err != nil {
		return err
	}
	if err := send(frame); err != nil {
		return err
	}
	c.privateReady.Store(true)
	return nil
}

func (c *Connector) dispatchPublic(raw []byte) {
	msg, err := c.codec.ParsePublic(raw)
	if err != nil {
		c.logger.Debug("ignoring unparseable public frame", "error", err)
		return
	}
	switch msg.Kind {
	case PublicSnapshot:
		c.bookMu.RLock()
		book := c.book
		c.bookMu.RUnlock()
		book.ApplySnapshot(msg.Snapshot, 0)
		bid, ask, ok := book.BestBidAsk()
		if ok {
			c.publishBBO(types.BBO{Symbol: msg.Symbol, Bid: bid, Ask: ask, Timestamp: time.Now()})
		}
	case PublicDelta:
		c.bookMu.RLock()
		book := c.book
		c.bookMu.RUnlock()
		result := book.ApplyDelta(msg.FirstSeq, msg.LastSeq, msg.BidChanges, msg.AskChanges)
		switch result {
		case DeltaGapDiscarded, DeltaNeedsSnapshot:
			gapErr := errkind.New(errkind.SequenceGap, "connector.dispatchPublic", fmt.Errorf("delta result %v for %s", result, msg.Symbol))
			c.logger.Warn("sequence gap, resyncing", "symbol", msg.Symbol, "error", gapErr)
			go c.resync(msg.Symbol)
			return
		case DeltaStaleDuplicate:
			return
		}
		bid, ask, ok := book.BestBidAsk()
		if ok {
			c.publishBBO(types.BBO{Symbol: msg.Symbol, Bid: bid, Ask: ask, Sequence: msg.LastSeq, Timestamp: time.Now()})
		}
	case PublicLiquidation:
		if msg.Liquidation != nil {
			select {
			case c.liquidationCh <- *msg.Liquidation:
			default:
				c.logger.Warn("liquidation channel full, dropping event")
			}
		}
	case PublicHeartbeat:
	}
}

func (c *Connector) dispatchPrivate(raw []byte) {
	msg, err := c.codec.ParsePrivate(raw)
	if err != nil {
		c.logger.Debug("ignoring unparseable private frame", "error", err)
		return
	}
	switch msg.Kind {
	case PrivateFill:
		if msg.Fill != nil {
			select {
			case c.fillCh <- *msg.Fill:
			default:
				c.logger.Warn("fill channel full, dropping event")
			}
		}
	case PrivateListenKeyExpired:
		c.logger.Warn("listen key expired, rebuilding private stream")
		go c.rebuildListenKey()
	case PrivateOrderUpdate, PrivateHeartbeat:
	}
}

// resync asynchronously re-fetches a fresh snapshot after a sequence gap.
func (c *Connector) resync(symbol string) {
	if c.fetchSnapshot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, seq, err := c.fetchSnapshot(ctx, symbol)
	if err != nil {
		c.logger.Error("resync snapshot fetch failed", "symbol", symbol,
			"error", errkind.New(errkind.TransientNetwork, "connector.resync", err))
		return
	}
	c.bookMu.RLock()
	book := c.book
	c.bookMu.RUnlock()
	book.ApplySnapshot(snap, seq)
}

func (c *Connector) rebuildListenKey() {
	if c.listenKeys == nil {
		c.private.ForceClose()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	key, ttl, err := c.listenKeys.IssueListenKey(ctx)
	if err != nil {
		c.logger.Error("failed to refresh listen key", "error", errkind.New(errkind.ListenKeyExpired, "connector.rebuildListenKey", err))
		c.private.ForceClose()
		return
	}
	c.listenKeyMu.Lock()
	c.listenKey = key
	c.listenKeyExpiresAt = time.Now().Add(ttl)
	c.listenKeyMu.Unlock()
	c.private.ForceClose() // forces reconnect, which re-sends the new auth frame
}

func (c *Connector) publishBBO(bbo types.BBO) {
	c.latestBBOMu.Lock()
	c.latestBBO = &bbo
	c.latestBBOMu.Unlock()

	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for _, l := range c.listeners {
		l(bbo)
	}
}

// RegisterBBOListener subscribes a callback to every BBO update.
func (c *Connector) RegisterBBOListener(f BBOListener) ListenerHandle {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextHandle++
	h := c.nextHandle
	c.listeners[h] = f
	return h
}

// UnregisterBBOListener removes a previously registered listener; safe to
// call twice (§8.3).
func (c *Connector) UnregisterBBOListener(h ListenerHandle) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.listeners, h)
}

// SeedBBO sets the cached BBO and notifies listeners directly, without
// requiring a live stream tick. Used by test doubles (sim.Client) that
// drive a Connector without a real socket.
func (c *Connector) SeedBBO(bbo types.BBO) {
	c.publishBBO(bbo)
}

// LatestBBO returns the most recent cached BBO, or ok=false if none yet.
func (c *Connector) LatestBBO() (types.BBO, bool) {
	c.latestBBOMu.Lock()
	defer c.latestBBOMu.Unlock()
	if c.latestBBO == nil {
		return types.BBO{}, false
	}
	return *c.latestBBO, true
}

// OrderBookSnapshot returns the levels at or above minNotionalUSD, or nil
// if the book is not ready.
func (c *Connector) OrderBookSnapshot(minNotionalUSD decimal.Decimal) *types.OrderBookLevels {
	c.bookMu.RLock()
	book := c.book
	c.bookMu.RUnlock()
	if !book.Ready() {
		return nil
	}
	return book.GetBestLevels(minNotionalUSD)
}

// LiquidationEvents returns the channel of venue-reported liquidation events.
func (c *Connector) LiquidationEvents() <-chan types.LiquidationEvent { return c.liquidationCh }

// SeedLiquidationEvent pushes a liquidation event directly onto the
// channel LiquidationEvents() exposes, without requiring a live force-
// order frame. Used by tests exercising consumers of LiquidationEvents;
// nothing in the engine synthesizes events from position snapshots.
func (c *Connector) SeedLiquidationEvent(ev types.LiquidationEvent) {
	select {
	case c.liquidationCh <- ev:
	default:
	}
}

// Fills returns the channel of account fill events from the private stream.
func (c *Connector) Fills() <-chan types.TradeData { return c.fillCh }

// healthWatchdog runs every watchdogInterval: force-closes a stream that
// has gone silent for watchdogDeadThreshold, and refreshes the listen key
// inside its refresh window (§4.1).
func (c *Connector) healthWatchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	staleTicker := time.NewTicker(stalenessPollInterval)
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.private.SinceLastActivity() > watchdogDeadThreshold {
				c.logger.Warn("private stream presumed dead, forcing reconnect")
				c.private.ForceClose()
			}
			if c.public.SinceLastActivity() > watchdogDeadThreshold {
				c.logger.Warn("public stream presumed dead, forcing reconnect")
				c.public.ForceClose()
			}
			c.listenKeyMu.Lock()
			expires := c.listenKeyExpiresAt
			c.listenKeyMu.Unlock()
			if c.listenKeys != nil && !expires.IsZero() && time.Until(expires) < listenKeyRefreshInterval {
				if err := c.listenKeys.RefreshListenKey(ctx, c.listenKey); err != nil {
					c.logger.Error("listen key refresh failed, forcing reconnect",
						"error", errkind.New(errkind.ListenKeyExpired, "connector.healthWatchdog", err))
					c.private.ForceClose()
				} else {
					c.listenKeyMu.Lock()
					c.listenKeyExpiresAt = time.Now().Add(listenKeyRefreshInterval)
					c.listenKeyMu.Unlock()
				}
			}
		case <-staleTicker.C:
			c.bookMu.RLock()
			book := c.book
			symbol := c.currentSymbol
			c.bookMu.RUnlock()
			if symbol == "" {
				continue
			}
			if book.NeedsReconnect() {
				c.logger.Warn("book exceeded reconnect threshold, forcing reconnect", "symbol", symbol,
					"error", errkind.New(errkind.StaleOrderBook, "connector.healthWatchdog", fmt.Errorf("reconnect threshold exceeded for %s", symbol)))
				c.public.ForceClose()
			} else if book.IsStale() {
				c.logger.Warn("book stale, resyncing", "symbol", symbol,
					"error", errkind.New(errkind.StaleOrderBook, "connector.healthWatchdog", fmt.Errorf("staleness threshold exceeded for %s", symbol)))
				go c.resync(symbol)
			}
		}
	}
}
