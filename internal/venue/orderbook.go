package venue

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/pkg/types"
)

const (
	maxBookLevels     = 100
	staleThreshold    = 60 * time.Second
	reconnectThreshold = 180 * time.Second
)

// OrderBookState is a per-(venue, symbol) bid/ask map with sequence-gap
// detection (§4.2). Single-writer (the public stream's listener task),
// multi-reader (readers take a snapshot via GetBestLevels/BestBidAsk).
type OrderBookState struct {
	mu sync.RWMutex

	symbol string
	bids   map[string]decimal.Decimal // price.String() -> size
	asks   map[string]decimal.Decimal

	snapshotLoaded bool
	ready          bool
	lastSeq        int64
	updatedAt      time.Time
}

// NewOrderBookState creates an empty, not-ready book for one symbol.
func NewOrderBookState(symbol string) *OrderBookState {
	return &OrderBookState{
		symbol: symbol,
		bids:   make(map[string]decimal.Decimal),
		asks:   make(map[string]decimal.Decimal),
	}
}

// ApplySnapshot replaces both sides wholesale (full-snapshot-style feeds).
func (b *OrderBookState) ApplySnapshot(snap *types.OrderBookLevels, seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]decimal.Decimal, len(snap.Bids))
	b.asks = make(map[string]decimal.Decimal, len(snap.Asks))
	for _, lvl := range snap.Bids {
		b.bids[lvl.Price.String()] = lvl.Size
	}
	for _, lvl := range snap.Asks {
		b.asks[lvl.Price.String()] = lvl.Size
	}
	b.lastSeq = seq
	b.snapshotLoaded = true
	b.ready = true
	b.updatedAt = time.Now()
	b.evictLocked()
	b.validateLocked()
}

// ApplyDeltaResult is returned by ApplyDelta so callers can decide whether
// to request a fresh snapshot.
type ApplyDeltaResult int

const (
	DeltaApplied ApplyDeltaResult = iota
	DeltaGapDiscarded
	DeltaStaleDuplicate
	DeltaNeedsSnapshot
)

// ApplyDelta applies an incremental update. Size == 0 removes the level.
// Every update, including the first after a snapshot, must start exactly
// at the previous sequence plus one (snapshot_seq+1 for the first); an
// update whose range straddles that value without starting at it is
// treated as a gap. Stale duplicates are dropped silently.
func (b *OrderBookState) ApplyDelta(firstSeq, lastSeq int64, bidChanges, askChanges []types.PriceLevel) ApplyDeltaResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.snapshotLoaded {
		return DeltaNeedsSnapshot
	}
	if lastSeq <= b.lastSeq {
		return DeltaStaleDuplicate
	}
	if firstSeq != b.lastSeq+1 {
		b.ready = false
		return DeltaGapDiscarded
	}

	for _, lvl := range bidChanges {
		b.applyLevelLocked(b.bids, lvl)
	}
	for _, lvl := range askChanges {
		b.applyLevelLocked(b.asks, lvl)
	}

	b.lastSeq = lastSeq
	b.updatedAt = time.Now()
	b.evictLocked()
	b.validateLocked()
	return DeltaApplied
}

func (b *OrderBookState) applyLevelLocked(side map[string]decimal.Decimal, lvl types.PriceLevel) {
	key := lvl.Price.String()
	if lvl.Size.IsZero() {
		delete(side, key)
		return
	}
	side[key] = lvl.Size
}

// evictLocked caps each side at maxBookLevels, dropping the worst prices.
func (b *OrderBookState) evictLocked() {
	b.evictSideLocked(b.bids, false) // keep highest prices
	b.evictSideLocked(b.asks, true)  // keep lowest prices
}

func (b *OrderBookState) evictSideLocked(side map[string]decimal.Decimal, ascending bool) {
	if len(side) <= maxBookLevels {
		return
	}
	levels := make([]decimal.Decimal, 0, len(side))
	for k := range side {
		levels = append(levels, decimal.RequireFromString(k))
	}
	sortDecimals(levels, ascending)
	for _, p := range levels[maxBookLevels:] {
		delete(side, p.String())
	}
}

func sortDecimals(d []decimal.Decimal, ascending bool) {
	for i := 1; i < len(d); i++ {
		for j := i; j > 0; j-- {
			less := d[j].LessThan(d[j-1])
			if !ascending {
				less = d[j].GreaterThan(d[j-1])
			}
			if !less {
				break
			}
			d[j], d[j-1] = d[j-1], d[j]
		}
	}
}

// validateLocked marks the book not-ready if best_bid >= best_ask.
func (b *OrderBookState) validateLocked() {
	bid, bidOK := b.bestLocked(b.bids, false)
	ask, askOK := b.bestLocked(b.asks, true)
	if bidOK && askOK && bid.GreaterThanOrEqual(ask) {
		b.ready = false
	}
}

func (b *OrderBookState) bestLocked(side map[string]decimal.Decimal, min bool) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for k := range side {
		p := decimal.RequireFromString(k)
		if !found {
			best = p
			found = true
			continue
		}
		if min && p.LessThan(best) {
			best = p
		}
		if !min && p.GreaterThan(best) {
			best = p
		}
	}
	return best, found
}

// BestBidAsk returns the current best bid/ask, or ok=false if the book is
// empty on either side or not ready.
func (b *OrderBookState) BestBidAsk() (bid, ask decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.ready {
		return decimal.Zero, decimal.Zero, false
	}
	bidP, bidOK := b.bestLocked(b.bids, false)
	askP, askOK := b.bestLocked(b.asks, true)
	if !bidOK || !askOK {
		return decimal.Zero, decimal.Zero, false
	}
	return bidP, askP, true
}

// GetBestLevels filters each side to levels where price*size >= minNotionalUSD,
// sorted toward the touch. minNotionalUSD == 0 returns the raw best levels.
func (b *OrderBookState) GetBestLevels(minNotionalUSD decimal.Decimal) *types.OrderBookLevels {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids := filterSide(b.bids, minNotionalUSD, false)
	asks := filterSide(b.asks, minNotionalUSD, true)

	return &types.OrderBookLevels{
		Symbol:    b.symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: b.updatedAt,
	}
}

func filterSide(side map[string]decimal.Decimal, minNotional decimal.Decimal, ascending bool) []types.PriceLevel {
	prices := make([]decimal.Decimal, 0, len(side))
	for k := range side {
		prices = append(prices, decimal.RequireFromString(k))
	}
	sortDecimals(prices, ascending)

	out := make([]types.PriceLevel, 0, len(prices))
	for _, p := range prices {
		size := side[p.String()]
		if minNotional.IsPositive() && p.Mul(size).LessThan(minNotional) {
			continue
		}
		out = append(out, types.PriceLevel{Price: p, Size: size})
	}
	return out
}

// IsStale reports whether the book hasn't updated within staleThreshold.
func (b *OrderBookState) IsStale() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updatedAt.IsZero() {
		return true
	}
	return time.Since(b.updatedAt) > staleThreshold
}

// NeedsReconnect reports whether the book is stale enough to force a
// full connector reconnect rather than just a snapshot refetch.
func (b *OrderBookState) NeedsReconnect() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updatedAt.IsZero() {
		return false
	}
	return time.Since(b.updatedAt) > reconnectThreshold
}

// Ready reports whether the book has a consistent, loaded snapshot.
func (b *OrderBookState) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// Reset clears the book back to its empty, not-ready state. The Connector
// does not call it: a symbol switch replaces the book with a new
// OrderBookState, and a gap resync applies a fresh snapshot over it.
func (b *OrderBookState) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = make(map[string]decimal.Decimal)
	b.asks = make(map[string]decimal.Decimal)
	b.snapshotLoaded = false
	b.ready = false
	b.lastSeq = 0
}
