// Command bot runs the funding-rate arbitrage engine: load config, wire
// every component named in SPEC_FULL.md (venue clients, position store,
// executor, risk controller, opportunity scanner, profit monitor, dashboard
// reporter), and run the Strategy Orchestrator's cycle until a shutdown
// signal arrives.
//
// Concrete per-venue REST/WS wire formats are out of scope (SPEC_FULL.md
// §4 Non-goals carries this forward from spec.md §1); venue clients are
// built from internal/venue/sim.Client, the one VenueClient implementation
// this repo ships, one per exchanges[] entry and keyed by that entry's
// name. A real deployment swaps in its own venue.VenueClient per
// exchange without touching anything below.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/internal/dashboard"
	"fundingarb/internal/executor"
	"fundingarb/internal/opportunity"
	"fundingarb/internal/orchestrator"
	"fundingarb/internal/positionstore"
	"fundingarb/internal/priceprovider"
	"fundingarb/internal/profitmonitor"
	"fundingarb/internal/risk"
	"fundingarb/internal/venue"
	"fundingarb/internal/venue/sim"
	"fundingarb/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	store, err := positionstore.Open(cfg.Store.DSN)
	if err != nil {
		logger.Error("failed to open position store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	posStore := positionstore.New(store)

	clients := buildVenueClients(cfg.Exchanges, logger)
	prices := priceprovider.New(clients)

	oppStore := opportunity.NewHTTPOpportunityStore(cfg.Scanner.OpportunityStoreURL)
	cooldowns := opportunity.NewCooldownManager(cfg.Risk.CooldownAfterFailure)
	scanner := opportunity.New(oppStore, clients, cfg.Exchanges, cfg.Scanner, cfg.Strategy, cooldowns, logger)

	minProfitPercent := decimal.NewFromFloat(cfg.Scanner.MinProfitPercent)
	riskCtrl := risk.New(cfg.Risk, minProfitPercent, clients, scanner, logger)

	exec := executor.New(clients, prices, executor.Config{
		EnableBreakEvenAlignment:    cfg.Strategy.EnableBreakEvenAlignment,
		MaxSpreadThresholdPct:       decimal.NewFromFloat(cfg.Strategy.MaxSpreadThresholdPct),
		MaxEntryPriceDivergencePct:  decimal.NewFromFloat(cfg.Strategy.MaxEntryPriceDivergencePct),
		EnableLiquidationPrevention: cfg.Strategy.EnableLiquidationPrevention,
		MinLiquidationDistancePct:   decimal.NewFromFloat(cfg.Strategy.MinLiquidationDistancePct),
		LimitOrderOffsetPct:         decimal.NewFromFloat(cfg.Strategy.LimitOrderOffsetPct),
		RollbackOnPartialFill:       true,
	}, logger)

	profitMon := profitmonitor.New(profitmonitor.Config{
		CheckInterval:               cfg.Strategy.RealtimeProfitCheckInterval,
		MinImmediateProfitTakingPct: decimal.NewFromFloat(cfg.Strategy.MinImmediateProfitTakingPct),
		ExecutionTimeoutSeconds:     int(cfg.Strategy.RealtimeProfitCheckInterval.Seconds()),
	}, clients, exec, posStore, logger)

	reporter := dashboard.NewReporter(cfg.Strategy.PrimaryExchange, posStore, cfg.Dashboard, logger)

	orchCfg := orchestrator.Config{
		CycleInterval:            cfg.Strategy.CycleInterval,
		SinglePositionPerSession: cfg.Strategy.SinglePositionPerSession,
		StrategyTag:              cfg.Strategy.PrimaryExchange,
		EntryExecutionMode:       entryExecutionMode(cfg.Strategy.EnableBreakEvenAlignment),
		CloseExecutionMode:       entryExecutionMode(cfg.Strategy.EnableBreakEvenAlignment),
		EntryTimeoutSeconds:      int(cfg.Strategy.RealtimeProfitCheckInterval.Seconds()),
		CloseTimeoutSeconds:      int(cfg.Strategy.RealtimeProfitCheckInterval.Seconds()),
	}
	orch := orchestrator.New(orchCfg, clients, exec, riskCtrl, posStore, prices, scanner, oppStore, profitMon, reporter, logger)

	// Hub.SetController closes the loop: the Hub (owned by reporter) must
	// exist before the Reporter, and the Reporter before the Orchestrator,
	// so the control API can only be wired onto the Hub after the fact.
	reporter.Hub().SetController(orch)

	var dashServer *dashboard.Server
	if cfg.Dashboard.Enabled {
		dashServer = dashboard.NewServer(cfg.Dashboard, reporter, orch, logger)
		go func() {
			if err := dashServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := orch.Start(); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("funding-rate arbitrage engine started",
		"exchanges", len(cfg.Exchanges),
		"max_positions", cfg.Strategy.MaxPositions,
		"max_total_exposure_usd", cfg.Strategy.MaxTotalExposureUSD,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if dashServer != nil {
		if err := dashServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	orch.Stop()
}

// buildVenueClients constructs one VenueClient per configured exchange.
// See the package doc: concrete venue wire formats are out of scope, so
// every client here is the sim.Client paper implementation, seeded with
// nothing — a real deployment replaces this loop with its own
// venue.VenueClient constructors keyed by cfg.Exchanges[i].Name.
func buildVenueClients(exchanges []config.ExchangeConfig, logger *slog.Logger) map[string]venue.VenueClient {
	clients := make(map[string]venue.VenueClient, len(exchanges))
	for _, ex := range exchanges {
		clients[ex.Name] = sim.NewClient(ex.Name, logger.With("venue", ex.Name))
	}
	return clients
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// entryExecutionMode picks mixed (limit-first, market fallback) when
// break-even alignment is enabled, market-only otherwise — mirroring the
// teacher's own knob-to-mode mapping for its post-only/aggressive toggle.
func entryExecutionMode(enableBreakEvenAlignment bool) types.ExecutionMode {
	if enableBreakEvenAlignment {
		return types.ModeMixed
	}
	return types.ModeMarketOnly
}
