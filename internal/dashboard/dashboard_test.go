package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/pkg/types"
)

func testPosition() *types.FundingArbPosition {
	return &types.FundingArbPosition{
		ID:         "pos-1",
		Symbol:     "BTC-PERP",
		LongVenue:  "venue-a",
		ShortVenue: "venue-b",
		SizeUSD:    decimal.NewFromInt(1000),
		Status:     types.StatusOpen,
		OpenedAt:   time.Now(),
		Legs: map[string]types.LegMetadata{
			"venue-a": {Side: types.Long, Quantity: decimal.NewFromInt(10), EntryPrice: decimal.NewFromInt(100), MarkPrice: decimal.NewFromInt(105)},
			"venue-b": {Side: types.Short, Quantity: decimal.NewFromInt(10), EntryPrice: decimal.NewFromInt(100), MarkPrice: decimal.NewFromInt(105)},
		},
	}
}

func TestBuildPositionSummaryComputesHedgedUnrealizedPnL(t *testing.T) {
	t.Parallel()
	summary := buildPositionSummary(testPosition())

	// long leg gains (105-100)*10 = 50, short leg loses (100-105)*10 = -50.
	if !summary.UnrealizedPnL.Equal(decimal.Zero) {
		t.Fatalf("expected a perfectly hedged position to have zero unrealized pnl, got %s", summary.UnrealizedPnL)
	}
	if !summary.LongMarkPrice.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("unexpected long mark price: %s", summary.LongMarkPrice)
	}
}

func TestBuildPositionSummaryCapturesDivergedLegs(t *testing.T) {
	t.Parallel()
	pos := testPosition()
	leg := pos.Legs["venue-a"]
	leg.MarkPrice = decimal.NewFromInt(110)
	pos.Legs["venue-a"] = leg

	summary := buildPositionSummary(pos)

	// long leg now gains (110-100)*10=100, short leg still -50, net +50.
	if !summary.UnrealizedPnL.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected unrealized pnl of 50, got %s", summary.UnrealizedPnL)
	}
}

func TestReporterEmitSnapshotBuildsPortfolioTotals(t *testing.T) {
	t.Parallel()
	r := NewReporter("test-strategy", nil, config.DashboardConfig{}, nil)

	r.EmitSnapshot(types.StageMonitoring, []*types.FundingArbPosition{testPosition()})

	snap := r.Latest()
	if snap.Portfolio.OpenPositionCount != 1 {
		t.Fatalf("expected 1 open position, got %d", snap.Portfolio.OpenPositionCount)
	}
	if !snap.Portfolio.TotalExposureUSD.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected total exposure: %s", snap.Portfolio.TotalExposureUSD)
	}
	if snap.Session.Stage != string(types.StageMonitoring) {
		t.Fatalf("expected stage monitoring, got %s", snap.Session.Stage)
	}
}

func TestReporterSetPausedReflectsInNextSnapshot(t *testing.T) {
	t.Parallel()
	r := NewReporter("test-strategy", nil, config.DashboardConfig{}, nil)

	r.SetPaused(true)
	r.EmitSnapshot(types.StageIdle, nil)

	if !r.Latest().Session.Paused {
		t.Fatal("expected session to report paused")
	}
}

type stubController struct {
	paused   bool
	resumed  bool
	closed   []string
	closeErr error
}

func (s *stubController) Pause()  { s.paused = true }
func (s *stubController) Resume() { s.resumed = true }
func (s *stubController) CloseManual(_ context.Context, positionID string) error {
	s.closed = append(s.closed, positionID)
	return s.closeErr
}

func TestHubDispatchPauseResumePing(t *testing.T) {
	t.Parallel()
	ctrl := &stubController{}
	hub := NewHub(ctrl, slog.Default())

	if reply := hub.dispatch(context.Background(), command{Type: "ping"}); !reply.OK {
		t.Fatalf("expected ping to succeed: %+v", reply)
	}
	if reply := hub.dispatch(context.Background(), command{Type: "pause_strategy"}); !reply.OK || !ctrl.paused {
		t.Fatalf("expected pause to succeed and call controller: %+v", reply)
	}
	if reply := hub.dispatch(context.Background(), command{Type: "resume_strategy"}); !reply.OK || !ctrl.resumed {
		t.Fatalf("expected resume to succeed and call controller: %+v", reply)
	}
}

func TestHubDispatchClosePositionRequiresID(t *testing.T) {
	t.Parallel()
	ctrl := &stubController{}
	hub := NewHub(ctrl, slog.Default())

	reply := hub.dispatch(context.Background(), command{Type: "close_position"})
	if reply.OK {
		t.Fatal("expected close_position without position_id to fail")
	}

	reply = hub.dispatch(context.Background(), command{Type: "close_position", PositionID: "pos-1"})
	if !reply.OK {
		t.Fatalf("expected close_position to succeed: %+v", reply)
	}
	if len(ctrl.closed) != 1 || ctrl.closed[0] != "pos-1" {
		t.Fatalf("expected controller to receive close for pos-1, got %v", ctrl.closed)
	}
}

func TestHubDispatchSurfacesControllerError(t *testing.T) {
	t.Parallel()
	ctrl := &stubController{closeErr: errClose}
	hub := NewHub(ctrl, slog.Default())

	reply := hub.dispatch(context.Background(), command{Type: "close_position", PositionID: "pos-1"})
	if reply.OK {
		t.Fatal("expected failure to surface")
	}
	if reply.Error != errClose.Error() {
		t.Fatalf("expected error message to be forwarded, got %q", reply.Error)
	}
}

func TestHubDispatchUnknownCommand(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil, slog.Default())
	reply := hub.dispatch(context.Background(), command{Type: "reticulate_splines"})
	if reply.OK {
		t.Fatal("expected unknown command to fail")
	}
}

func TestHubDispatchWithoutControllerRejectsCommands(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil, slog.Default())
	reply := hub.dispatch(context.Background(), command{Type: "pause_strategy"})
	if reply.OK {
		t.Fatal("expected pause to be rejected when no controller is wired")
	}
}

func TestIsOriginAllowedEmptyOriginAllowed(t *testing.T) {
	t.Parallel()
	if !isOriginAllowed("", config.DashboardConfig{}, "localhost:8080") {
		t.Fatal("expected empty origin (non-browser client) to be allowed")
	}
}

func TestIsOriginAllowedRespectsAllowList(t *testing.T) {
	t.Parallel()
	cfg := config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}}
	if !isOriginAllowed("https://dash.example.com", cfg, "internal-host:8080") {
		t.Fatal("expected allow-listed origin to pass")
	}
	if isOriginAllowed("https://evil.example.com", cfg, "internal-host:8080") {
		t.Fatal("expected non-listed origin to be rejected")
	}
}

func TestIsOriginAllowedLocalhostFallback(t *testing.T) {
	t.Parallel()
	if !isOriginAllowed("http://localhost:3000", config.DashboardConfig{}, "internal-host:8080") {
		t.Fatal("expected localhost origin to be allowed when no allow-list is configured")
	}
}

func TestIsOriginAllowedHostMatchFallback(t *testing.T) {
	t.Parallel()
	if !isOriginAllowed("http://dash-host:8080", config.DashboardConfig{}, "dash-host:8080") {
		t.Fatal("expected origin matching the request host to be allowed")
	}
	if isOriginAllowed("http://other-host:8080", config.DashboardConfig{}, "dash-host:8080") {
		t.Fatal("expected origin not matching the request host to be rejected")
	}
}

func TestServerRoundTripsSnapshotAndCommands(t *testing.T) {
	t.Parallel()
	ctrl := &stubController{}
	reporter := NewReporter("test-strategy", nil, config.DashboardConfig{}, nil)
	hub := reporter.Hub()
	hub.SetController(ctrl)
	go hub.Run()

	reporter.EmitSnapshot(types.StageIdle, []*types.FundingArbPosition{testPosition()})
	handlers := NewHandlers(reporter, config.DashboardConfig{}, hub, slog.Default())

	srv := httptest.NewServer(handlerMux(handlers))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	u, err := url.Parse(wsURL)
	if err != nil {
		t.Fatalf("parse ws url: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	var env pushEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != "snapshot" {
		t.Fatalf("expected initial push to be a snapshot, got %q", env.Type)
	}

	if err := conn.WriteJSON(command{Type: "pause_strategy"}); err != nil {
		t.Fatalf("write command: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read command reply: %v", err)
	}
	var r commandReply
	if err := json.Unmarshal(reply, &r); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if !r.OK {
		t.Fatalf("expected pause command to succeed: %+v", r)
	}
	if !ctrl.paused {
		t.Fatal("expected controller.Pause to have been invoked")
	}
}

func handlerMux(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/api/snapshot", h.HandleSnapshot)
	mux.HandleFunc("/ws", h.HandleWebSocket)
	return mux
}

var errClose = closeErr("close failed")

type closeErr string

func (e closeErr) Error() string { return string(e) }
