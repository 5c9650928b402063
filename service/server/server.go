package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/quietsend/service/db"
	"github.com/brojonat/quietsend/service/events"
	"github.com/brojonat/quietsend/service/keys"
	"github.com/brojonat/quietsend/service/metrics"
	"github.com/brojonat/quietsend/service/schedule"
	"github.com/brojonat/quietsend/service/scheduler"
	"github.com/brojonat/quietsend/service/solana"
	"github.com/brojonat/quietsend/service/telemetry"
	"github.com/brojonat/quietsend/service/wallet"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Archive is the read side of the Postgres transfer archive.
type Archive interface {
	ListTransfers(ctx context.Context, owner string, limit int32) ([]db.ArchivedTransfer, error)
	ListRecords(ctx context.Context, owner string, limit int32) ([]solana.TransactionRecord, error)
}

// Deps are the components the HTTP API fronts. Archive and Metrics are
// optional.
type Deps struct {
	Network   solana.Network
	Keys      *keys.Manager
	Wallet    *wallet.Tracker
	Schedules *schedule.Store
	Engine    *scheduler.Engine
	Monitor   *telemetry.Monitor
	Broker    *events.Broker
	Archive   Archive
	Metrics   *metrics.Metrics
}

// Server represents the HTTP server for the wallet service.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
	server *http.Server
}

// New creates a new HTTP server with the given dependencies.
func New(addr string, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		addr:   addr,
		deps:   deps,
		logger: logger,
	}
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	d := s.deps
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(d.Metrics, name)(h))
	}

	// Keys
	route("POST /api/v1/keys/generate", "/api/v1/keys/generate", handleGenerateKey(d.Keys, s.logger))
	route("POST /api/v1/keys/import", "/api/v1/keys/import", handleImportKey(d.Keys, s.logger))
	route("GET /api/v1/keys/active", "/api/v1/keys/active", handleActiveKey(d.Keys, d.Network))
	route("GET /api/v1/keys/active/qr", "/api/v1/keys/active/qr", handleActiveKeyQR(d.Keys, s.logger))

	// Wallet display
	route("GET /api/v1/balance", "/api/v1/balance", handleBalance(d.Wallet, s.logger))
	route("GET /api/v1/transactions", "/api/v1/transactions", handleTransactions(d.Wallet, s.logger))

	// Immediate operations run on the engine worker
	route("POST /api/v1/transfers", "/api/v1/transfers", handleSendNow(d.Engine, s.logger))
	route("POST /api/v1/airdrop", "/api/v1/airdrop", handleAirdrop(d.Engine, d.Network, s.logger))

	// Scheduled transfers
	route("POST /api/v1/schedules", "/api/v1/schedules", handleAddSchedule(d.Schedules, s.logger))
	route("GET /api/v1/schedules", "/api/v1/schedules", handleListSchedules(d.Schedules))
	route("GET /api/v1/schedules/{id}", "/api/v1/schedules/{id}", handleGetSchedule(d.Schedules))
	route("DELETE /api/v1/schedules/{id}", "/api/v1/schedules/{id}", handleCancelSchedule(d.Schedules, s.logger))

	// Network telemetry
	route("GET /api/v1/network", "/api/v1/network", handleNetwork(d.Monitor))
	route("POST /api/v1/network/refresh", "/api/v1/network/refresh", handleNetworkRefresh(d.Monitor, s.logger))

	if d.Broker != nil {
		route("GET /api/v1/stream", "/api/v1/stream", handleStream(d.Broker, d.Metrics, s.logger))
	} else {
		s.logger.Warn("event broker not configured, streaming endpoint disabled")
	}

	if d.Archive != nil {
		route("GET /api/v1/archive/transfers", "/api/v1/archive/transfers", handleArchivedTransfers(d.Archive, d.Keys, s.logger))
		route("GET /api/v1/archive/transactions", "/api/v1/archive/transactions", handleArchivedRecords(d.Archive, d.Keys, s.logger))
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if d.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server. It blocks until Shutdown or a listen error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Covers a send waiting out the confirmation timeout. The SSE
		// handler clears its own deadline.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr, "network", s.deps.Network)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the broker first so SSE handlers return
	if s.deps.Broker != nil {
		s.deps.Broker.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
