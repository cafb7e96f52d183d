package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/venue"
	"fundingarb/pkg/types"
)

var errBoom = errors.New("boom")

func TestMarketOrderFillsAtBBO(t *testing.T) {
	t.Parallel()
	c := NewClient("sim-venue", nil)
	c.SetBBO("BTC-PERP", decimal.NewFromFloat(100), decimal.NewFromFloat(101))

	id, err := c.PlaceMarketOrder(context.Background(), venue.MarketOrderRequest{
		Symbol: "BTC-PERP", Side: types.Buy, Quantity: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}

	trades, err := c.GetUserTradeHistory(context.Background(), "BTC-PERP", time.Time{}, time.Time{}, id)
	if err != nil {
		t.Fatalf("GetUserTradeHistory: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if !trades[0].Price.Equal(decimal.NewFromFloat(101)) {
		t.Errorf("buy should fill at ask 101, got %s", trades[0].Price)
	}
}

func TestFailNextOrderReturnsErrorOnce(t *testing.T) {
	t.Parallel()
	c := NewClient("sim-venue", nil)
	c.SetBBO("ETH-PERP", decimal.NewFromFloat(10), decimal.NewFromFloat(11))
	c.FailNextOrder("ETH-PERP", errBoom)

	_, err := c.PlaceLimitOrder(context.Background(), venue.LimitOrderRequest{
		Symbol: "ETH-PERP", Side: types.Buy, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromFloat(10),
	})
	if err == nil {
		t.Fatal("expected injected error")
	}

	id, err := c.PlaceLimitOrder(context.Background(), venue.LimitOrderRequest{
		Symbol: "ETH-PERP", Side: types.Buy, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromFloat(10),
	})
	if err != nil {
		t.Fatalf("second order should succeed, got %v", err)
	}
	if id == "" {
		t.Error("expected an order id")
	}
}

func TestRoundToStep(t *testing.T) {
	t.Parallel()
	c := NewClient("sim-venue", nil)
	c.SetContractAttributes("BTC-PERP", types.ContractAttributes{StepSize: decimal.NewFromFloat(0.01)})

	got := c.RoundToStep("BTC-PERP", decimal.NewFromFloat(1.237))
	if !got.Equal(decimal.NewFromFloat(1.23)) {
		t.Errorf("RoundToStep = %s, want 1.23", got)
	}
}

func TestSetBBOFeedsConnector(t *testing.T) {
	t.Parallel()
	c := NewClient("sim-venue", nil)

	var received types.BBO
	c.Connector().RegisterBBOListener(func(b types.BBO) { received = b })

	c.SetBBO("BTC-PERP", decimal.NewFromFloat(100), decimal.NewFromFloat(101))

	if received.Symbol != "BTC-PERP" {
		t.Errorf("listener did not observe seeded BBO, got %+v", received)
	}
}
