package positionstore

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/pkg/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func samplePosition(symbol, long, short string, sizeUSD float64) *types.FundingArbPosition {
	return &types.FundingArbPosition{
		Symbol:          symbol,
		LongVenue:       long,
		ShortVenue:      short,
		SizeUSD:         decimal.NewFromFloat(sizeUSD),
		EntryLongRate:   decimal.NewFromFloat(0.0001),
		EntryShortRate:  decimal.NewFromFloat(0.0003),
		EntryDivergence: decimal.NewFromFloat(0.0002),
		OpenedAt:        time.Now(),
		Status:          types.StatusOpen,
		Legs: map[string]types.LegMetadata{
			long:  {Side: types.Long, EntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)},
			short: {Side: types.Short, EntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)},
		},
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	t.Parallel()
	store := New(openTestDB(t))
	ctx := context.Background()

	pos := samplePosition("BTC-PERP", "venue-a", "venue-b", 1000)
	if err := store.Create(ctx, pos); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Symbol != "BTC-PERP" || !got.SizeUSD.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("unexpected round-tripped position: %+v", got)
	}
	if len(got.Legs) != 2 {
		t.Errorf("expected 2 legs, got %d", len(got.Legs))
	}
}

func TestFindOpenPositionAndClose(t *testing.T) {
	t.Parallel()
	store := New(openTestDB(t))
	ctx := context.Background()

	pos := samplePosition("ETH-PERP", "venue-a", "venue-b", 500)
	if err := store.Create(ctx, pos); err != nil {
		t.Fatalf("Create: %v", err)
	}

	found, err := store.FindOpenPosition(ctx, "ETH-PERP", "venue-a", "venue-b")
	if err != nil {
		t.Fatalf("FindOpenPosition: %v", err)
	}
	if found == nil || found.ID != pos.ID {
		t.Fatalf("expected to find the open position, got %+v", found)
	}

	if err := store.Close(ctx, pos.ID, "risk_exit", decimal.NewFromInt(42)); err != nil {
		t.Fatalf("Close: %v", err)
	}

	found, err = store.FindOpenPosition(ctx, "ETH-PERP", "venue-a", "venue-b")
	if err != nil {
		t.Fatalf("FindOpenPosition after close: %v", err)
	}
	if found != nil {
		t.Errorf("expected no open position after close, got %+v", found)
	}

	closed, err := store.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("Get after close: %v", err)
	}
	if closed.Status != types.StatusClosed || closed.ExitReason != "risk_exit" {
		t.Errorf("unexpected closed position state: %+v", closed)
	}
}

func TestMergeOrCreateAdditiveSemantics(t *testing.T) {
	t.Parallel()
	store := New(openTestDB(t))
	ctx := context.Background()

	first := samplePosition("SOL-PERP", "venue-a", "venue-b", 1000)
	first.EntryLongRate = decimal.NewFromFloat(0.0001)
	merged, err := store.MergeOrCreate(ctx, first, "fill-1")
	if err != nil {
		t.Fatalf("MergeOrCreate (create path): %v", err)
	}
	if !merged.SizeUSD.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected fresh create, got size %s", merged.SizeUSD)
	}

	second := samplePosition("SOL-PERP", "venue-a", "venue-b", 1000)
	second.EntryLongRate = decimal.NewFromFloat(0.0003)
	merged, err = store.MergeOrCreate(ctx, second, "fill-2")
	if err != nil {
		t.Fatalf("MergeOrCreate (merge path): %v", err)
	}

	if !merged.SizeUSD.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("merged size = %s, want 2000", merged.SizeUSD)
	}
	// weighted avg of 0.0001 and 0.0003 at equal weight = 0.0002
	if !merged.EntryLongRate.Equal(decimal.NewFromFloat(0.0002)) {
		t.Errorf("merged entry long rate = %s, want 0.0002", merged.EntryLongRate)
	}
	if len(merged.FillFingerprints) != 2 {
		t.Errorf("expected 2 fill fingerprints, got %d: %v", len(merged.FillFingerprints), merged.FillFingerprints)
	}
	if !merged.Legs["venue-a"].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("merged venue-a leg quantity = %s, want 2", merged.Legs["venue-a"].Quantity)
	}
}

func TestCumulativeFunding(t *testing.T) {
	t.Parallel()
	store := New(openTestDB(t))
	ctx := context.Background()

	pos := samplePosition("BTC-PERP", "venue-a", "venue-b", 1000)
	if err := store.Create(ctx, pos); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.RecordFundingAccrual(ctx, pos.ID, "venue-a", decimal.NewFromFloat(1.5), time.Now()); err != nil {
		t.Fatalf("RecordFundingAccrual: %v", err)
	}
	if err := store.RecordFundingAccrual(ctx, pos.ID, "venue-b", decimal.NewFromFloat(-0.5), time.Now()); err != nil {
		t.Fatalf("RecordFundingAccrual: %v", err)
	}

	total, err := store.CumulativeFunding(ctx, pos.ID)
	if err != nil {
		t.Fatalf("CumulativeFunding: %v", err)
	}
	if !total.Equal(decimal.NewFromFloat(1.0)) {
		t.Errorf("CumulativeFunding = %s, want 1.0", total)
	}
}

func TestGetUnknownPositionReturnsErrNotFound(t *testing.T) {
	t.Parallel()
	store := New(openTestDB(t))
	_, err := store.Get(context.Background(), "does-not-exist")
	if err != ErrNotFound {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}
