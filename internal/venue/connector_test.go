package venue

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/pkg/types"
)

// fakeCodec lets tests drive Connector.dispatchPublic/dispatchPrivate
// without a real socket: ParsePublic/ParsePrivate just replay whatever
// message was queued, ignoring the raw bytes.
type fakeCodec struct {
	nextPublic  *PublicMessage
	nextPrivate *PrivateMessage
	requiresListenKey bool
	handshakeAuth     bool
}

func (f *fakeCodec) ParsePublic(raw []byte) (*PublicMessage, error)   { return f.nextPublic, nil }
func (f *fakeCodec) ParsePrivate(raw []byte) (*PrivateMessage, error) { return f.nextPrivate, nil }
func (f *fakeCodec) SubscribeFrame(op string, symbols []string) (interface{}, error) {
	return map[string]interface{}{"op": op, "symbols": symbols}, nil
}
func (f *fakeCodec) AuthFrame(listenKey string) (interface{}, error) {
	return map[string]string{"listenKey": listenKey}, nil
}
func (f *fakeCodec) RequiresListenKey() bool     { return f.requiresListenKey }
func (f *fakeCodec) HandshakeAuthRequired() bool { return f.handshakeAuth }

func newTestConnector(codec Codec) *Connector {
	return NewConnector("test-venue", "sim://public", "sim://private", codec, nil, nil, slog.Default())
}

func TestDispatchPublicSnapshotPublishesBBO(t *testing.T) {
	t.Parallel()
	codec := &fakeCodec{nextPublic: &PublicMessage{
		Kind:   PublicSnapshot,
		Symbol: "BTC-PERP",
		Snapshot: &types.OrderBookLevels{
			Bids: []types.PriceLevel{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)}},
			Asks: []types.PriceLevel{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(1)}},
		},
	}}
	c := newTestConnector(codec)
	c.currentSymbol = "BTC-PERP"
	c.book = NewOrderBookState("BTC-PERP")

	var got types.BBO
	c.RegisterBBOListener(func(b types.BBO) { got = b })

	c.dispatchPublic([]byte(`ignored`))

	if got.Symbol != "BTC-PERP" || !got.Bid.Equal(decimal.NewFromInt(100)) {
		t.Errorf("unexpected published BBO: %+v", got)
	}
	bbo, ok := c.LatestBBO()
	if !ok || !bbo.Ask.Equal(decimal.NewFromInt(101)) {
		t.Errorf("LatestBBO = %+v, ok=%v", bbo, ok)
	}
}

func TestDispatchPublicGapTriggersResync(t *testing.T) {
	t.Parallel()
	codec := &fakeCodec{nextPublic: &PublicMessage{
		Kind:     PublicDelta,
		Symbol:   "BTC-PERP",
		FirstSeq: 99,
		LastSeq:  99,
	}}
	c := newTestConnector(codec)
	c.currentSymbol = "BTC-PERP"
	c.book = NewOrderBookState("BTC-PERP")
	c.book.ApplySnapshot(&types.OrderBookLevels{
		Bids: []types.PriceLevel{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)}},
		Asks: []types.PriceLevel{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(1)}},
	}, 1)

	fetchCalled := make(chan string, 1)
	c.fetchSnapshot = func(ctx context.Context, symbol string) (*types.OrderBookLevels, int64, error) {
		fetchCalled <- symbol
		return &types.OrderBookLevels{
			Bids: []types.PriceLevel{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)}},
			Asks: []types.PriceLevel{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(1)}},
		}, 5, nil
	}

	c.dispatchPublic([]byte(`ignored`))

	select {
	case symbol := <-fetchCalled:
		if symbol != "BTC-PERP" {
			t.Errorf("resync fetched wrong symbol: %s", symbol)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected resync to be triggered on a sequence gap")
	}
}

func TestDispatchPrivateFillEnqueued(t *testing.T) {
	t.Parallel()
	fill := &types.TradeData{OrderID: "abc", Price: decimal.NewFromInt(50)}
	codec := &fakeCodec{nextPrivate: &PrivateMessage{Kind: PrivateFill, Fill: fill}}
	c := newTestConnector(codec)

	c.dispatchPrivate([]byte(`ignored`))

	select {
	case got := <-c.Fills():
		if got.OrderID != "abc" {
			t.Errorf("unexpected fill: %+v", got)
		}
	default:
		t.Fatal("expected a fill on the Fills() channel")
	}
}

func TestRegisterUnregisterBBOListener(t *testing.T) {
	t.Parallel()
	codec := &fakeCodec{}
	c := newTestConnector(codec)

	calls := 0
	h := c.RegisterBBOListener(func(types.BBO) { calls++ })
	c.publishBBO(types.BBO{Symbol: "X"})
	c.UnregisterBBOListener(h)
	c.publishBBO(types.BBO{Symbol: "X"})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (listener should stop firing after unregister)", calls)
	}

	// Unregistering twice must not panic.
	c.UnregisterBBOListener(h)
}

func TestOrderBookSnapshotNilWhenNotReady(t *testing.T) {
	t.Parallel()
	codec := &fakeCodec{}
	c := newTestConnector(codec)
	c.currentSymbol = "BTC-PERP"
	c.book = NewOrderBookState("BTC-PERP")

	if snap := c.OrderBookSnapshot(decimal.Zero); snap != nil {
		t.Errorf("expected nil snapshot before any data loaded, got %+v", snap)
	}
}
