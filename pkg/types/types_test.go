package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestBBOMidAndValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		bid, ask  string
		wantValid bool
		wantMid   string
	}{
		{"normal spread", "49990", "49995", true, "49992.5"},
		{"crossed book", "50000", "49995", false, "49997.5"},
		{"zero bid", "0", "49995", false, "24997.5"},
	}

	for _, tt := range tests {
		bbo := BBO{Bid: decimal.RequireFromString(tt.bid), Ask: decimal.RequireFromString(tt.ask)}
		if got := bbo.Valid(); got != tt.wantValid {
			t.Errorf("%s: Valid() = %v, want %v", tt.name, got, tt.wantValid)
		}
		if got := bbo.Mid().String(); got != tt.wantMid {
			t.Errorf("%s: Mid() = %s, want %s", tt.name, got, tt.wantMid)
		}
	}
}

func TestErosionRatio(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		current, entry  string
		want            string
	}{
		{"half erosion", "0.0002", "0.0004", "0.5"},
		{"flipped sign", "-0.00005", "0.0004", "-0.125"},
		{"zero entry", "0.0002", "0", "0"},
	}

	for _, tt := range tests {
		got := ErosionRatio(decimal.RequireFromString(tt.current), decimal.RequireFromString(tt.entry))
		if got.String() != tt.want {
			t.Errorf("%s: ErosionRatio = %s, want %s", tt.name, got.String(), tt.want)
		}
	}
}

func TestFundingArbPositionDivergence(t *testing.T) {
	t.Parallel()

	pos := &FundingArbPosition{
		EntryLongRate:  decimal.RequireFromString("-0.0001"),
		EntryShortRate: decimal.RequireFromString("0.0003"),
	}
	want := decimal.RequireFromString("0.0004")
	if got := pos.Divergence(); !got.Equal(want) {
		t.Errorf("Divergence() = %s, want %s", got, want)
	}
}

func TestLiquidationEventFields(t *testing.T) {
	t.Parallel()

	ev := LiquidationEvent{
		Venue:     "binance",
		Symbol:    "BTC",
		Side:      Long,
		Quantity:  decimal.NewFromInt(1),
		Price:     decimal.NewFromInt(50000),
		Timestamp: time.Unix(0, 0),
	}
	if ev.Venue != "binance" || ev.Side != Long {
		t.Errorf("unexpected liquidation event: %+v", ev)
	}
}
