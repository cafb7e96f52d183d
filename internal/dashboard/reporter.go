package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/internal/positionstore"
	"fundingarb/pkg/types"
)

// Reporter satisfies orchestrator.Reporter: it receives every stage
// snapshot and lifecycle event the cycle produces, broadcasts each over
// the Hub, and — when configured — persists them through positionstore so
// a dashboard can replay a session after the process restarts (§6.3, §6.5).
//
// Grounded on the teacher's BuildSnapshot/consumeEvents pair in
// internal/api, collapsed into one type since this package owns both the
// push payload shape and its delivery, where the teacher split snapshot
// assembly (snapshot.go) from event forwarding (server.go's consumeEvents).
type Reporter struct {
	mu      sync.Mutex
	session types.Session
	last    DashboardSnapshot

	hub    *Hub
	store  *positionstore.Store
	cfg    config.DashboardConfig
	logger *slog.Logger
}

// NewReporter builds a Reporter for one running session, along with the
// Hub it broadcasts through. store may be nil, in which case nothing is
// persisted regardless of cfg. The Hub's control API has no controller
// wired yet — call Hub().SetController once the orchestrator exists, since
// the orchestrator itself is constructed after (and depends on) the
// Reporter.
func NewReporter(strategyTag string, store *positionstore.Store, cfg config.DashboardConfig, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		session: types.Session{
			ID:          uuid.NewString(),
			StrategyTag: strategyTag,
			StartedAt:   time.Now(),
			Health:      types.HealthStarting,
			Stage:       types.StageInitializing,
			Metadata:    make(map[string]string),
		},
		hub:    NewHub(nil, logger),
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "dashboard"),
	}
}

// Hub returns the websocket hub this reporter broadcasts through.
func (r *Reporter) Hub() *Hub {
	return r.hub
}

// SessionID returns the session this reporter is tagging every snapshot
// and event with, for wiring into the control API's replay lookups.
func (r *Reporter) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.ID
}

// SetPaused updates the tracked session's paused flag, which the next
// snapshot reports. The Hub's command dispatch does not call it: a
// pause_strategy or resume_strategy command changes only the controller's
// own state, and the Reporter's flag changes only when SetPaused is called.
func (r *Reporter) SetPaused(paused bool) {
	r.mu.Lock()
	r.session.Paused = paused
	r.mu.Unlock()
}

// EmitEvent implements orchestrator.Reporter.
func (r *Reporter) EmitEvent(category, message string, metadata map[string]string) {
	evt := newTimelineEvent(category, message, metadata)
	if r.hub != nil {
		r.hub.BroadcastEvent(evt)
	}

	if r.store == nil || r.cfg.EventRetention == 0 {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("emit event: marshal", "error", err)
		return
	}
	sessionID := r.SessionID()
	if err := r.store.RecordDashboardEvent(context.Background(), sessionID, string(evt.Category), payload, evt.Timestamp, r.cfg.EventRetention); err != nil {
		r.logger.Error("emit event: persist", "error", err)
	}
}

// EmitSnapshot implements orchestrator.Reporter.
func (r *Reporter) EmitSnapshot(stage types.LifecycleStage, positions []*types.FundingArbPosition) {
	r.mu.Lock()
	r.session.Stage = stage
	r.session.LastHeartbeat = time.Now()
	r.session.Health = types.HealthRunning
	session := r.session
	r.mu.Unlock()

	snapshot := r.buildSnapshot(session, positions)

	r.mu.Lock()
	r.last = snapshot
	r.mu.Unlock()

	if r.hub != nil {
		r.hub.BroadcastSnapshot(snapshot)
	}

	if r.store == nil {
		return
	}
	ctx := context.Background()
	if err := r.store.UpsertSession(ctx, session); err != nil {
		r.logger.Error("emit snapshot: upsert session", "error", err)
	}
	if !r.cfg.PersistSnapshots {
		return
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		r.logger.Error("emit snapshot: marshal", "error", err)
		return
	}
	if err := r.store.RecordDashboardSnapshot(ctx, session.ID, payload, snapshot.Timestamp, r.cfg.SnapshotRetention); err != nil {
		r.logger.Error("emit snapshot: persist", "error", err)
	}
}

// Latest returns the most recently built snapshot, for the pull-model
// /api/snapshot handler. The zero value is returned before the first
// EmitSnapshot call.
func (r *Reporter) Latest() DashboardSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Reporter) buildSnapshot(session types.Session, positions []*types.FundingArbPosition) DashboardSnapshot {
	summaries := make([]PositionSummary, 0, len(positions))
	portfolio := PortfolioSummary{}

	for _, pos := range positions {
		summary := buildPositionSummary(pos)
		summaries = append(summaries, summary)

		portfolio.OpenPositionCount++
		portfolio.TotalExposureUSD = portfolio.TotalExposureUSD.Add(pos.SizeUSD)
		portfolio.TotalRealizedPnL = portfolio.TotalRealizedPnL.Add(pos.RealizedPnL)
		portfolio.TotalUnrealizedPnL = portfolio.TotalUnrealizedPnL.Add(summary.UnrealizedPnL)
		portfolio.TotalFundingUSD = portfolio.TotalFundingUSD.Add(r.cumulativeFunding(pos.ID))
	}

	return DashboardSnapshot{
		Timestamp: time.Now(),
		Session: SessionSummary{
			ID:            session.ID,
			StrategyTag:   session.StrategyTag,
			Health:        string(session.Health),
			Stage:         string(session.Stage),
			Paused:        session.Paused,
			StartedAt:     session.StartedAt,
			LastHeartbeat: session.LastHeartbeat,
		},
		Positions: summaries,
		Portfolio: portfolio,
	}
}

func (r *Reporter) cumulativeFunding(positionID string) decimal.Decimal {
	if r.store == nil {
		return decimal.Zero
	}
	total, err := r.store.CumulativeFunding(context.Background(), positionID)
	if err != nil {
		r.logger.Warn("cumulative funding lookup failed", "position_id", positionID, "error", err)
		return decimal.Zero
	}
	return total
}
