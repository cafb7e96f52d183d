package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/internal/venue"
	"fundingarb/internal/venue/sim"
	"fundingarb/pkg/types"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MinHoldHours:          1,
		MinErosionThreshold:   0.5,
		SevereErosionRatio:    0.2,
		MaxPositionAgeHours:   72,
		FlipMargin:            0,
		ImbalanceThresholdPct: 0.05,
	}
}

func testPosition(opened time.Time, entryDivergence decimal.Decimal) types.FundingArbPosition {
	return types.FundingArbPosition{
		ID:              "pos-1",
		Symbol:          "BTC-PERP",
		LongVenue:       "venue-a",
		ShortVenue:      "venue-b",
		EntryDivergence: entryDivergence,
		OpenedAt:        opened,
		Status:          types.StatusOpen,
		Legs: map[string]types.LegMetadata{
			"venue-a": {Side: types.Long, Quantity: decimal.NewFromInt(10), QuantityMultiplier: decimal.NewFromInt(1)},
			"venue-b": {Side: types.Short, Quantity: decimal.NewFromInt(10), QuantityMultiplier: decimal.NewFromInt(1)},
		},
	}
}

func twoSimVenues() map[string]venue.VenueClient {
	a := sim.NewClient("venue-a", nil)
	b := sim.NewClient("venue-b", nil)
	a.SetPositionSnapshot("BTC-PERP", types.ExchangePositionSnapshot{SignedQuantity: decimal.NewFromInt(10)})
	b.SetPositionSnapshot("BTC-PERP", types.ExchangePositionSnapshot{SignedQuantity: decimal.NewFromInt(-10)})
	return map[string]venue.VenueClient{"venue-a": a, "venue-b": b}
}

type stubChecker struct {
	isTop bool
	err   error
}

func (s stubChecker) IsTopOpportunity(_ context.Context, _, _, _ string, _ decimal.Decimal) (bool, error) {
	return s.isTop, s.err
}

func TestShouldExitDivergenceFlipBypassesMinHold(t *testing.T) {
	t.Parallel()
	ctrl := NewCombined(testRiskConfig(), decimal.Zero, twoSimVenues(), nil, nil)

	pos := testPosition(time.Now(), decimal.NewFromFloat(0.0004))
	rates := Rates{Divergence: decimal.NewFromFloat(-0.00005)}

	exit, reason := ctrl.ShouldExit(context.Background(), pos, rates)
	if !exit || reason != ReasonDivergenceFlipped {
		t.Fatalf("ShouldExit = (%v, %q), want (true, %q)", exit, reason, ReasonDivergenceFlipped)
	}
}

func TestShouldExitMinHoldGuardBlocksErosion(t *testing.T) {
	t.Parallel()
	ctrl := NewCombined(testRiskConfig(), decimal.Zero, twoSimVenues(), nil, nil)

	pos := testPosition(time.Now(), decimal.NewFromFloat(0.001))
	// Severe erosion ratio (0.0001/0.001 = 0.1 < 0.2) but position is brand new.
	rates := Rates{Divergence: decimal.NewFromFloat(0.0001)}

	exit, reason := ctrl.ShouldExit(context.Background(), pos, rates)
	if exit || reason != "" {
		t.Fatalf("ShouldExit = (%v, %q), want (false, \"\") under min-hold guard", exit, reason)
	}
}

func TestShouldExitSevereErosion(t *testing.T) {
	t.Parallel()
	ctrl := NewCombined(testRiskConfig(), decimal.Zero, twoSimVenues(), nil, nil)

	pos := testPosition(time.Now().Add(-2*time.Hour), decimal.NewFromFloat(0.001))
	rates := Rates{Divergence: decimal.NewFromFloat(0.0001)} // ratio = 0.1 < severe 0.2

	exit, reason := ctrl.ShouldExit(context.Background(), pos, rates)
	if !exit || reason != ReasonSevereErosion {
		t.Fatalf("ShouldExit = (%v, %q), want (true, %q)", exit, reason, ReasonSevereErosion)
	}
}

func TestShouldExitProfitErosionWithoutChecker(t *testing.T) {
	t.Parallel()
	ctrl := NewCombined(testRiskConfig(), decimal.Zero, twoSimVenues(), nil, nil)

	pos := testPosition(time.Now().Add(-2*time.Hour), decimal.NewFromFloat(0.001))
	rates := Rates{Divergence: decimal.NewFromFloat(0.0004)} // ratio = 0.4, between 0.2 and 0.5

	exit, reason := ctrl.ShouldExit(context.Background(), pos, rates)
	if !exit || reason != ReasonProfitErosion {
		t.Fatalf("ShouldExit = (%v, %q), want (true, %q)", exit, reason, ReasonProfitErosion)
	}
}

func TestShouldExitHoldsTopOpportunity(t *testing.T) {
	t.Parallel()
	ctrl := NewCombined(testRiskConfig(), decimal.NewFromFloat(0.05), twoSimVenues(), stubChecker{isTop: true}, nil)

	pos := testPosition(time.Now().Add(-2*time.Hour), decimal.NewFromFloat(0.001))
	rates := Rates{Divergence: decimal.NewFromFloat(0.0004)} // ratio = 0.4, would erode

	exit, reason := ctrl.ShouldExit(context.Background(), pos, rates)
	if exit || reason != ReasonHoldTopOpportunity {
		t.Fatalf("ShouldExit = (%v, %q), want (false, %q)", exit, reason, ReasonHoldTopOpportunity)
	}
}

func TestShouldExitTimeLimit(t *testing.T) {
	t.Parallel()
	ctrl := NewCombined(testRiskConfig(), decimal.Zero, twoSimVenues(), nil, nil)

	pos := testPosition(time.Now().Add(-100*time.Hour), decimal.NewFromFloat(0.001))
	rates := Rates{Divergence: decimal.NewFromFloat(0.0009)} // ratio = 0.9, no erosion tier fires

	exit, reason := ctrl.ShouldExit(context.Background(), pos, rates)
	if !exit || reason != ReasonTimeLimit {
		t.Fatalf("ShouldExit = (%v, %q), want (true, %q)", exit, reason, ReasonTimeLimit)
	}
}

func TestShouldExitLegLiquidated(t *testing.T) {
	t.Parallel()
	clients := twoSimVenues()
	clients["venue-a"].(*sim.Client).SetPositionSnapshot("BTC-PERP", types.ExchangePositionSnapshot{SignedQuantity: decimal.Zero})

	ctrl := NewCombined(testRiskConfig(), decimal.Zero, clients, nil, nil)
	pos := testPosition(time.Now(), decimal.NewFromFloat(0.001))

	exit, reason := ctrl.ShouldExit(context.Background(), pos, Rates{Divergence: decimal.NewFromFloat(0.0009)})
	if !exit || reason != ReasonLegLiquidated {
		t.Fatalf("ShouldExit = (%v, %q), want (true, %q)", exit, reason, ReasonLegLiquidated)
	}
}

func TestShouldExitAllLegsClosed(t *testing.T) {
	t.Parallel()
	clients := twoSimVenues()
	clients["venue-a"].(*sim.Client).SetPositionSnapshot("BTC-PERP", types.ExchangePositionSnapshot{SignedQuantity: decimal.Zero})
	clients["venue-b"].(*sim.Client).SetPositionSnapshot("BTC-PERP", types.ExchangePositionSnapshot{SignedQuantity: decimal.Zero})

	ctrl := NewCombined(testRiskConfig(), decimal.Zero, clients, nil, nil)
	pos := testPosition(time.Now(), decimal.NewFromFloat(0.001))

	exit, reason := ctrl.ShouldExit(context.Background(), pos, Rates{Divergence: decimal.NewFromFloat(0.0009)})
	if !exit || reason != ReasonAllLegsClosed {
		t.Fatalf("ShouldExit = (%v, %q), want (true, %q)", exit, reason, ReasonAllLegsClosed)
	}
}

func TestShouldExitSevereImbalance(t *testing.T) {
	t.Parallel()
	ctrl := NewCombined(testRiskConfig(), decimal.Zero, twoSimVenues(), nil, nil)

	pos := testPosition(time.Now(), decimal.NewFromFloat(0.001))
	pos.Legs["venue-a"] = types.LegMetadata{Quantity: decimal.NewFromInt(10), QuantityMultiplier: decimal.NewFromInt(1)}
	pos.Legs["venue-b"] = types.LegMetadata{Quantity: decimal.NewFromInt(9), QuantityMultiplier: decimal.NewFromInt(1)} // 10% apart

	exit, reason := ctrl.ShouldExit(context.Background(), pos, Rates{Divergence: decimal.NewFromFloat(0.0009)})
	if !exit || reason != ReasonSevereImbalance {
		t.Fatalf("ShouldExit = (%v, %q), want (true, %q)", exit, reason, ReasonSevereImbalance)
	}
}

func TestShouldExitExternalLiquidationPreemptsWaterfall(t *testing.T) {
	t.Parallel()
	clients := twoSimVenues()
	ctrl := NewCombined(testRiskConfig(), decimal.Zero, clients, nil, nil)

	clients["venue-a"].Connector().SeedLiquidationEvent(types.LiquidationEvent{
		Venue: "venue-a", Symbol: "BTC-PERP", Side: types.Long, Timestamp: time.Now(),
	})

	// Give the background watcher goroutine a moment to drain the event.
	deadline := time.Now().Add(2 * time.Second)
	pos := testPosition(time.Now(), decimal.NewFromFloat(0.001))
	for {
		exit, reason := ctrl.ShouldExit(context.Background(), pos, Rates{Divergence: decimal.NewFromFloat(0.0009)})
		if exit {
			if reason != "LIQUIDATION_venue-a" {
				t.Fatalf("reason = %q, want LIQUIDATION_venue-a", reason)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("external liquidation event never observed by controller")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewSelectsStrategyByName(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()

	cfg.Strategy = "simple"
	if _, ok := New(cfg, decimal.Zero, nil, nil, nil).(*simpleController); !ok {
		t.Error("expected New to select simpleController for \"simple\"")
	}

	cfg.Strategy = "age_only"
	if _, ok := New(cfg, decimal.Zero, nil, nil, nil).(*ageOnlyController); !ok {
		t.Error("expected New to select ageOnlyController for \"age_only\"")
	}

	cfg.Strategy = ""
	if _, ok := New(cfg, decimal.Zero, nil, nil, nil).(*combinedController); !ok {
		t.Error("expected New to default to combinedController")
	}
}
