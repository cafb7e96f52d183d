package venue

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(price, size string) types.PriceLevel {
	return types.PriceLevel{Price: dec(price), Size: dec(size)}
}

func TestApplySnapshotThenDeltaSequencing(t *testing.T) {
	t.Parallel()
	b := NewOrderBookState("BTC-PERP")

	b.ApplySnapshot(&types.OrderBookLevels{
		Bids: []types.PriceLevel{lvl("100", "1")},
		Asks: []types.PriceLevel{lvl("101", "1")},
	}, 10)

	if !b.Ready() {
		t.Fatal("expected ready after snapshot")
	}
	bid, ask, ok := b.BestBidAsk()
	if !ok || !bid.Equal(dec("100")) || !ask.Equal(dec("101")) {
		t.Fatalf("unexpected best bid/ask: %s/%s ok=%v", bid, ask, ok)
	}

	result := b.ApplyDelta(11, 11, []types.PriceLevel{lvl("100.5", "2")}, nil)
	if result != DeltaApplied {
		t.Fatalf("ApplyDelta = %v, want DeltaApplied", result)
	}
	bid, _, _ = b.BestBidAsk()
	if !bid.Equal(dec("100.5")) {
		t.Errorf("best bid = %s, want 100.5", bid)
	}
}

func TestApplyDeltaGapMarksNotReady(t *testing.T) {
	t.Parallel()
	b := NewOrderBookState("BTC-PERP")
	b.ApplySnapshot(&types.OrderBookLevels{
		Bids: []types.PriceLevel{lvl("100", "1")},
		Asks: []types.PriceLevel{lvl("101", "1")},
	}, 10)

	result := b.ApplyDelta(15, 15, nil, nil) // should be 11, gap
	if result != DeltaGapDiscarded {
		t.Fatalf("ApplyDelta = %v, want DeltaGapDiscarded", result)
	}
	if b.Ready() {
		t.Error("book should not be ready after a sequence gap")
	}
}

func TestApplyDeltaStaleDuplicateDropped(t *testing.T) {
	t.Parallel()
	b := NewOrderBookState("BTC-PERP")
	b.ApplySnapshot(&types.OrderBookLevels{
		Bids: []types.PriceLevel{lvl("100", "1")},
		Asks: []types.PriceLevel{lvl("101", "1")},
	}, 10)
	b.ApplyDelta(11, 11, []types.PriceLevel{lvl("100.5", "2")}, nil)

	result := b.ApplyDelta(11, 11, []types.PriceLevel{lvl("999", "5")}, nil)
	if result != DeltaStaleDuplicate {
		t.Fatalf("ApplyDelta = %v, want DeltaStaleDuplicate", result)
	}
	bid, _, _ := b.BestBidAsk()
	if bid.Equal(dec("999")) {
		t.Error("stale duplicate should not have mutated the book")
	}
}

func TestZeroSizeRemovesLevel(t *testing.T) {
	t.Parallel()
	b := NewOrderBookState("BTC-PERP")
	b.ApplySnapshot(&types.OrderBookLevels{
		Bids: []types.PriceLevel{lvl("100", "1"), lvl("99", "1")},
		Asks: []types.PriceLevel{lvl("101", "1")},
	}, 10)

	b.ApplyDelta(11, 11, []types.PriceLevel{lvl("100", "0")}, nil)

	bid, _, ok := b.BestBidAsk()
	if !ok || !bid.Equal(dec("99")) {
		t.Errorf("best bid after removing top level = %s, ok=%v, want 99", bid, ok)
	}
}

func TestCrossedBookNotReady(t *testing.T) {
	t.Parallel()
	b := NewOrderBookState("BTC-PERP")
	b.ApplySnapshot(&types.OrderBookLevels{
		Bids: []types.PriceLevel{lvl("101", "1")},
		Asks: []types.PriceLevel{lvl("100", "1")},
	}, 10)

	if b.Ready() {
		t.Error("crossed book should not be ready")
	}
	_, _, ok := b.BestBidAsk()
	if ok {
		t.Error("BestBidAsk should report not-ok for a crossed book")
	}
}

func TestEvictionCapsAt100Levels(t *testing.T) {
	t.Parallel()
	b := NewOrderBookState("BTC-PERP")
	bids := make([]types.PriceLevel, 0, 150)
	for i := 0; i < 150; i++ {
		bids = append(bids, lvl(decimal.NewFromInt(int64(i)).String(), "1"))
	}
	b.ApplySnapshot(&types.OrderBookLevels{Bids: bids, Asks: []types.PriceLevel{lvl("1000", "1")}}, 1)

	if len(b.bids) != maxBookLevels {
		t.Errorf("len(bids) = %d, want %d", len(b.bids), maxBookLevels)
	}
	bid, _, ok := b.BestBidAsk()
	if !ok || !bid.Equal(dec("149")) {
		t.Errorf("best bid after eviction = %s, want 149 (highest retained)", bid)
	}
}

func TestGetBestLevelsFiltersByNotional(t *testing.T) {
	t.Parallel()
	b := NewOrderBookState("BTC-PERP")
	b.ApplySnapshot(&types.OrderBookLevels{
		Bids: []types.PriceLevel{lvl("100", "0.01"), lvl("99", "5")},
		Asks: []types.PriceLevel{lvl("101", "1")},
	}, 1)

	levels := b.GetBestLevels(dec("100"))
	if len(levels.Bids) != 1 || !levels.Bids[0].Price.Equal(dec("99")) {
		t.Errorf("expected only the 99@5 level to clear the notional floor, got %+v", levels.Bids)
	}
}

func TestStaleAndReconnectThresholds(t *testing.T) {
	t.Parallel()
	b := NewOrderBookState("BTC-PERP")
	b.ApplySnapshot(&types.OrderBookLevels{
		Bids: []types.PriceLevel{lvl("100", "1")},
		Asks: []types.PriceLevel{lvl("101", "1")},
	}, 1)
	b.updatedAt = time.Now().Add(-90 * time.Second)

	if !b.IsStale() {
		t.Error("expected IsStale() true after 90s with a 60s threshold")
	}
	if b.NeedsReconnect() {
		t.Error("90s should not yet exceed the 180s reconnect threshold")
	}

	b.updatedAt = time.Now().Add(-200 * time.Second)
	if !b.NeedsReconnect() {
		t.Error("expected NeedsReconnect() true after 200s")
	}
}
