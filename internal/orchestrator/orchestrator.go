// Package orchestrator implements the Strategy Orchestrator (C9): the
// top-level fixed-interval cycle that ties every other component together
// (§4.9). Each cycle runs three phases in order — Monitor, Close, Open —
// against the current set of open positions, then sleeps until the next
// tick.
//
// Grounded on the teacher's engine.Engine: a composition root holding every
// subsystem plus a context/cancel/WaitGroup lifecycle, generalized from
// engine's event-driven manageMarkets select-loop (scanner results, kill
// signals) to a fixed-interval three-phase cycle, since this design has no
// equivalent of per-market goroutines to start and stop — there is one
// position store and one cycle, not one slot per market.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/executor"
	"fundingarb/internal/opportunity"
	"fundingarb/internal/positionstore"
	"fundingarb/internal/priceprovider"
	"fundingarb/internal/risk"
	"fundingarb/internal/venue"
	"fundingarb/pkg/types"
)

// ReasonManualClose is recorded when an operator closes a position through
// the control API (§6.4) rather than through the risk waterfall.
const ReasonManualClose = "MANUAL_CLOSE"

// Reporter receives lifecycle notifications for the dashboard (C11, §4.11).
// Declared locally, the way risk.TopOpportunityChecker is, so this package
// doesn't need to import internal/dashboard for one narrow capability.
// Satisfied by *dashboard.Reporter; may be nil, in which case events are
// simply dropped.
type Reporter interface {
	EmitEvent(category, message string, metadata map[string]string)
	EmitSnapshot(stage types.LifecycleStage, positions []*types.FundingArbPosition)
}

// Config carries the cycle-level knobs (§4.9, §6.5).
type Config struct {
	CycleInterval            time.Duration
	SinglePositionPerSession bool
	StrategyTag              string
	EntryExecutionMode       types.ExecutionMode
	CloseExecutionMode       types.ExecutionMode
	EntryTimeoutSeconds      int
	CloseTimeoutSeconds      int
}

// ProfitMonitor is the narrow slice of *profitmonitor.Monitor the
// orchestrator needs: register a freshly opened position, unregister one
// that closed through any path. Declared locally for the same reason as
// Reporter.
type ProfitMonitor interface {
	Register(pos types.FundingArbPosition, long, short *venue.Connector)
	Unregister(positionID string)
}

// Orchestrator is the Strategy Orchestrator (C9).
type Orchestrator struct {
	cfg      Config
	clients  map[string]venue.VenueClient
	exec     *executor.Executor
	risk     risk.Controller
	store    *positionstore.Store
	prices   *priceprovider.Provider
	scanner  *opportunity.Scanner
	oppStore opportunity.OpportunityStore
	profitMon ProfitMonitor
	reporter Reporter
	logger   *slog.Logger

	session types.Session

	mu                   sync.Mutex
	paused               bool
	openedAny            bool
	failedSymbols        map[string]struct{}
	newPositionsThisCycle int
	lastFunding          map[string]decimal.Decimal // "<positionID>:<venue>" -> last seen cumulative funding

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the Orchestrator. oppStore is the same store the Scanner was
// built against; the orchestrator queries it directly during the Close
// phase for a position's current rates, independent of the Scanner's own
// profitability filtering.
func New(
	cfg Config,
	clients map[string]venue.VenueClient,
	exec *executor.Executor,
	riskCtrl risk.Controller,
	store *positionstore.Store,
	prices *priceprovider.Provider,
	scanner *opportunity.Scanner,
	oppStore opportunity.OpportunityStore,
	profitMon ProfitMonitor,
	reporter Reporter,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 60 * time.Second
	}
	return &Orchestrator{
		cfg:           cfg,
		clients:       clients,
		exec:          exec,
		risk:          riskCtrl,
		store:         store,
		prices:        prices,
		scanner:       scanner,
		oppStore:      oppStore,
		profitMon:     profitMon,
		reporter:      reporter,
		logger:        logger.With("component", "orchestrator"),
		failedSymbols: make(map[string]struct{}),
		lastFunding:   make(map[string]decimal.Decimal),
		session: types.Session{
			StrategyTag: cfg.StrategyTag,
			StartedAt:   time.Now(),
			Health:      types.HealthStarting,
			Stage:       types.StageInitializing,
			Metadata:    make(map[string]string),
		},
	}
}

// Start launches the cycle loop in the background and returns immediately.
func (o *Orchestrator) Start() error {
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.session.Health = types.HealthRunning
	o.session.LastHeartbeat = time.Now()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runLoop(o.ctx)
	}()
	return nil
}

// Stop cancels the cycle loop and waits for the in-flight cycle, if any,
// to finish.
func (o *Orchestrator) Stop() {
	o.logger.Info("orchestrator shutting down")
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.session.Health = types.HealthStopped
	o.logger.Info("orchestrator shutdown complete")
}

// Pause sets the paused flag; only Phase 1 (Monitor) runs while paused
// (§4.9 "Global state").
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	o.session.Paused = true
}

// Resume clears the paused flag.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	o.session.Paused = false
}

func (o *Orchestrator) isPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// CloseManual closes one position on operator request (§6.4), bypassing
// the risk waterfall entirely.
func (o *Orchestrator) CloseManual(ctx context.Context, positionID string) error {
	pos, err := o.store.Get(ctx, positionID)
	if err != nil {
		return fmt.Errorf("orchestrator: close manual: %w", err)
	}
	if pos.Status != types.StatusOpen {
		return fmt.Errorf("orchestrator: position %s is not open", positionID)
	}
	return o.closePosition(ctx, pos, ReasonManualClose)
}

// runLoop runs an immediate cycle, then one per tick, until ctx is
// cancelled. Grounded on market.Scanner.Run's "immediate scan, then
// ticker" shape.
func (o *Orchestrator) runLoop(ctx context.Context) {
	o.runCycle(ctx)
	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runCycle(ctx)
		}
	}
}

func (o *Orchestrator) runCycle(ctx context.Context) {
	o.mu.Lock()
	o.failedSymbols = make(map[string]struct{})
	o.newPositionsThisCycle = 0
	o.mu.Unlock()

	o.session.LastHeartbeat = time.Now()
	o.session.Stage = types.StageMonitoring

	positions, err := o.store.OpenPositions(ctx)
	if err != nil {
		o.logger.Error("cycle: failed to list open positions", "error", err)
		o.session.Health = types.HealthDegraded
		return
	}
	o.session.Health = types.HealthRunning

	o.monitorPhase(ctx, positions)

	if o.isPaused() {
		o.emitSnapshot(types.StageIdle, positions)
		return
	}

	o.session.Stage = types.StageClosing
	o.closePhase(ctx, positions)

	if o.cfg.SinglePositionPerSession && o.hasOpenedAny() {
		o.emitSnapshot(types.StageIdle, positions)
		return
	}

	o.session.Stage = types.StageScanning
	o.openPhase(ctx)

	remaining, err := o.store.OpenPositions(ctx)
	if err != nil {
		remaining = positions
	}
	o.session.Stage = types.StageComplete
	o.emitSnapshot(types.StageComplete, remaining)
}

func (o *Orchestrator) hasOpenedAny() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.openedAny
}

func (o *Orchestrator) emitSnapshot(stage types.LifecycleStage, positions []*types.FundingArbPosition) {
	if o.reporter == nil {
		return
	}
	o.reporter.EmitSnapshot(stage, positions)
}
