package profitmonitor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/executor"
	"fundingarb/internal/positionstore"
	"fundingarb/internal/priceprovider"
	"fundingarb/internal/venue"
	"fundingarb/internal/venue/sim"
	"fundingarb/pkg/types"
)

func openTestStore(t *testing.T) *positionstore.Store {
	t.Helper()
	db, err := positionstore.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return positionstore.New(db)
}

func testMonitorPosition() types.FundingArbPosition {
	return types.FundingArbPosition{
		ID:         "pos-pm-1",
		Symbol:     "BTC-PERP",
		LongVenue:  "venue-a",
		ShortVenue: "venue-b",
		SizeUSD:    decimal.NewFromInt(10000),
		OpenedAt:   time.Now(),
		Status:     types.StatusOpen,
		Legs: map[string]types.LegMetadata{
			"venue-a": {Side: types.Long, Quantity: decimal.NewFromInt(1), QuantityMultiplier: decimal.NewFromInt(1)},
			"venue-b": {Side: types.Short, Quantity: decimal.NewFromInt(1), QuantityMultiplier: decimal.NewFromInt(1)},
		},
	}
}

func setupMonitor(t *testing.T) (*Monitor, map[string]venue.VenueClient, *positionstore.Store) {
	t.Helper()
	a := sim.NewClient("venue-a", nil)
	b := sim.NewClient("venue-b", nil)
	a.SetContractAttributes("BTC-PERP", types.ContractAttributes{StepSize: decimal.NewFromFloat(0.01), QuantityMultiplier: decimal.NewFromInt(1)})
	b.SetContractAttributes("BTC-PERP", types.ContractAttributes{StepSize: decimal.NewFromFloat(0.01), QuantityMultiplier: decimal.NewFromInt(1)})
	clients := map[string]venue.VenueClient{"venue-a": a, "venue-b": b}

	store := openTestStore(t)
	exec := executor.New(clients, priceprovider.New(clients), executor.Config{LimitOrderOffsetPct: decimal.NewFromFloat(0.001)}, nil)

	cfg := Config{
		CheckInterval:               10 * time.Millisecond,
		MinImmediateProfitTakingPct: decimal.NewFromFloat(0.002),
		ExecutionTimeoutSeconds:     1,
	}
	mon := New(cfg, clients, exec, store, nil)
	return mon, clients, store
}

func TestComputeNetPnLProfitableLongLeg(t *testing.T) {
	t.Parallel()
	mon, clients, _ := setupMonitor(t)

	a := clients["venue-a"].(*sim.Client)
	b := clients["venue-b"].(*sim.Client)
	a.SetPositionSnapshot("BTC-PERP", types.ExchangePositionSnapshot{SignedQuantity: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100)})
	b.SetPositionSnapshot("BTC-PERP", types.ExchangePositionSnapshot{SignedQuantity: decimal.NewFromInt(-1), EntryPrice: decimal.NewFromInt(100)})
	a.SetBBO("BTC-PERP", decimal.NewFromInt(110), decimal.NewFromInt(110))
	b.SetBBO("BTC-PERP", decimal.NewFromInt(110), decimal.NewFromInt(110))

	net, ok := mon.computeNetPnL(context.Background(), testMonitorPosition(), clients["venue-a"], clients["venue-b"])
	if !ok {
		t.Fatal("expected computeNetPnL to succeed")
	}
	// long: 1*(110-100) = 10, short: -1*(110-100) = -10, net price pnl = 0 (price unchanged for spread)
	// both legs moved to the SAME price (110), so the long profits and the short
	// loses symmetrically; net should be exactly the (negative) maker fee cost.
	if !net.IsNegative() {
		t.Fatalf("net pnl = %s, want negative (fee-only) when both legs move identically", net)
	}
}

func TestComputeNetPnLMissingBBOFails(t *testing.T) {
	t.Parallel()
	mon, clients, _ := setupMonitor(t)

	_, ok := mon.computeNetPnL(context.Background(), testMonitorPosition(), clients["venue-a"], clients["venue-b"])
	if ok {
		t.Fatal("expected computeNetPnL to fail without any seeded BBO")
	}
}

func TestEvaluateSkipsWhenClosingSetHoldsPosition(t *testing.T) {
	t.Parallel()
	mon, clients, store := setupMonitor(t)
	pos := testMonitorPosition()
	if err := store.Create(context.Background(), &pos); err != nil {
		t.Fatalf("create position: %v", err)
	}

	a := clients["venue-a"].(*sim.Client)
	b := clients["venue-b"].(*sim.Client)
	a.SetPositionSnapshot("BTC-PERP", types.ExchangePositionSnapshot{SignedQuantity: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100)})
	b.SetPositionSnapshot("BTC-PERP", types.ExchangePositionSnapshot{SignedQuantity: decimal.NewFromInt(-1), EntryPrice: decimal.NewFromInt(100)})
	a.SetBBO("BTC-PERP", decimal.NewFromInt(500), decimal.NewFromInt(500))
	b.SetBBO("BTC-PERP", decimal.NewFromInt(1), decimal.NewFromInt(1))

	mon.exec.ClosingSet().TryAcquire(pos.ID)

	reg := &registration{pos: pos}
	mon.evaluate(reg, clients["venue-a"], clients["venue-b"])

	got, err := store.Get(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if got.Status == types.StatusClosed {
		t.Fatal("evaluate should not have closed a position already held by the closing set")
	}
}

func TestEvaluateClosesOnSufficientProfit(t *testing.T) {
	t.Parallel()
	mon, clients, store := setupMonitor(t)
	pos := testMonitorPosition()
	if err := store.Create(context.Background(), &pos); err != nil {
		t.Fatalf("create position: %v", err)
	}

	a := clients["venue-a"].(*sim.Client)
	b := clients["venue-b"].(*sim.Client)
	// Long entered at 100, now exits (bid) at 500: huge long-side profit;
	// short entered at 100, exits (ask) at 1: huge short-side profit too,
	// since price dropped and this leg is short. Both legs profit.
	a.SetPositionSnapshot("BTC-PERP", types.ExchangePositionSnapshot{SignedQuantity: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100)})
	b.SetPositionSnapshot("BTC-PERP", types.ExchangePositionSnapshot{SignedQuantity: decimal.NewFromInt(-1), EntryPrice: decimal.NewFromInt(100)})
	a.SetBBO("BTC-PERP", decimal.NewFromInt(500), decimal.NewFromInt(500))
	b.SetBBO("BTC-PERP", decimal.NewFromInt(1), decimal.NewFromInt(1))

	reg := &registration{pos: pos}
	mon.evaluate(reg, clients["venue-a"], clients["venue-b"])

	got, err := store.Get(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if got.Status != types.StatusClosed {
		t.Fatalf("status = %s, want closed after a clearly profitable evaluation", got.Status)
	}
	if got.ExitReason != ReasonProfitTaking {
		t.Fatalf("exit reason = %q, want %q", got.ExitReason, ReasonProfitTaking)
	}
}

func TestRegisterAndUnregisterTogglesListeners(t *testing.T) {
	t.Parallel()
	mon, clients, _ := setupMonitor(t)
	pos := testMonitorPosition()

	a := clients["venue-a"].(*sim.Client)
	b := clients["venue-b"].(*sim.Client)
	mon.Register(pos, a.Connector(), b.Connector())

	mon.mu.Lock()
	_, ok := mon.registrations[pos.ID]
	mon.mu.Unlock()
	if !ok {
		t.Fatal("expected Register to store a registration for the position")
	}

	mon.Unregister(pos.ID)
	mon.mu.Lock()
	_, ok = mon.registrations[pos.ID]
	mon.mu.Unlock()
	if ok {
		t.Fatal("expected Unregister to remove the registration")
	}
}

func TestOnBBOThrottlesReevaluation(t *testing.T) {
	t.Parallel()
	mon, clients, _ := setupMonitor(t)
	pos := testMonitorPosition()
	reg := &registration{pos: pos, lastEval: time.Now()}

	mon.onBBO(reg, clients["venue-a"], clients["venue-b"], types.BBO{Symbol: "BTC-PERP"})

	reg.mu.Lock()
	evaluating := reg.evaluating
	reg.mu.Unlock()
	if evaluating {
		t.Fatal("expected onBBO to drop a tick that arrives inside the throttle window")
	}
}

func TestOnBBOFiltersUnrelatedSymbol(t *testing.T) {
	t.Parallel()
	mon, clients, _ := setupMonitor(t)
	pos := testMonitorPosition()
	reg := &registration{pos: pos}

	mon.onBBO(reg, clients["venue-a"], clients["venue-b"], types.BBO{Symbol: "ETH-PERP"})

	reg.mu.Lock()
	evaluating := reg.evaluating
	reg.mu.Unlock()
	if evaluating {
		t.Fatal("expected onBBO to ignore a BBO tick for an unrelated symbol without even entering the throttle gate")
	}
}
