package dashboard

// Unlike the teacher's Server, which pulls events off a channel exposed by
// its engine (consumeEvents), this Server's Reporter pushes straight to
// the Hub itself, since there is exactly one producer (the orchestrator's
// cycle) rather than a channel the server needs to drain.

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"fundingarb/internal/config"
)

// Server runs the dashboard's HTTP/websocket listener.
type Server struct {
	cfg      config.DashboardConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires Handlers and the http.Server around reporter's own Hub.
// controller may be nil to run the dashboard in push-only mode (no control
// API); otherwise it's wired onto the Hub here.
func NewServer(cfg config.DashboardConfig, reporter *Reporter, controller StrategyController, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	hub := reporter.Hub()
	hub.SetController(controller)
	handlers := NewHandlers(reporter, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "dashboard-server"),
	}
}

// Start runs the hub and begins serving. Blocks until the listener stops.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
