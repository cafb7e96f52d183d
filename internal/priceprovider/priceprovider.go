// Package priceprovider is the shared short-TTL price cache consulted by
// the Executor, Risk Controller, and Opportunity Scanner (C10), so none
// of them hammer a venue's REST endpoint on every tick. The teacher has
// no equivalent: its strategy package reads book.MidPrice() directly
// because it only ever watches one market on one exchange. This package
// generalizes that "read the freshest thing available" shape across many
// venues and a REST fallback.
package priceprovider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundingarb/internal/venue"
	"fundingarb/pkg/types"
)

const defaultTTL = 5 * time.Second

type cacheKey struct {
	venueName string
	symbol    string
}

type cacheEntry struct {
	bbo       types.BBO
	fetchedAt time.Time
}

// Provider answers "what is the current BBO for (venue, symbol)" by
// checking a short-lived cache, then the venue's live connector, then
// falling back to a REST call.
type Provider struct {
	mu      sync.Mutex
	ttl     time.Duration
	cache   map[cacheKey]cacheEntry
	clients map[string]venue.VenueClient
}

// New builds a Provider over the given venue clients with the default
// 5-second cache TTL.
func New(clients map[string]venue.VenueClient) *Provider {
	return NewWithTTL(clients, defaultTTL)
}

// NewWithTTL is New with an explicit TTL, mainly for tests.
func NewWithTTL(clients map[string]venue.VenueClient, ttl time.Duration) *Provider {
	return &Provider{
		ttl:     ttl,
		cache:   make(map[cacheKey]cacheEntry),
		clients: clients,
	}
}

// GetBBO returns the freshest known BBO for (venueName, symbol), in
// cache -> connector -> REST order.
func (p *Provider) GetBBO(ctx context.Context, venueName, symbol string) (types.BBO, error) {
	key := cacheKey{venueName, symbol}

	p.mu.Lock()
	entry, ok := p.cache[key]
	p.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < p.ttl {
		return entry.bbo, nil
	}

	client, ok := p.clients[venueName]
	if !ok {
		return types.BBO{}, fmt.Errorf("priceprovider: unknown venue %q", venueName)
	}

	if bbo, ok := client.Connector().LatestBBO(); ok && bbo.Symbol == symbol {
		p.store(key, bbo)
		return bbo, nil
	}

	bid, ask, err := client.FetchBBOPrices(ctx, symbol)
	if err != nil {
		return types.BBO{}, fmt.Errorf("priceprovider: rest fallback for %s/%s: %w", venueName, symbol, err)
	}
	bbo := types.BBO{Symbol: symbol, Bid: bid, Ask: ask, Timestamp: time.Now()}
	p.store(key, bbo)
	return bbo, nil
}

// Invalidate drops any cached entry for (venueName, symbol), used when a
// caller knows the cached value is stale (e.g. right after a fill).
func (p *Provider) Invalidate(venueName, symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, cacheKey{venueName, symbol})
}

func (p *Provider) store(key cacheKey, bbo types.BBO) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[key] = cacheEntry{bbo: bbo, fetchedAt: time.Now()}
}
