// Package api exposes the HTTP surface: per-market read endpoints, the
// live SSE and WebSocket streams, the tx-notify and sweep webhooks, and
// the health report. Handlers only read; every write they trigger goes
// through the job queues so the worker loops stay the single write path.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"marketindex/internal/bus"
	"marketindex/internal/chain"
	"marketindex/internal/config"
	"marketindex/internal/indexer"
	"marketindex/internal/queue"
	"marketindex/internal/recon"
	"marketindex/internal/store"
	"marketindex/internal/summary"
)

const (
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// rpcStats is the gateway telemetry slice healthz reads.
type rpcStats interface {
	Stats() chain.Telemetry
}

// healthProber runs the endpoint and contract probes.
type healthProber interface {
	Endpoints(ctx context.Context) []chain.EndpointStatus
	Contracts(ctx context.Context) []chain.ContractStatus
}

type headSource interface {
	Latest(ctx context.Context) (uint64, error)
}

// workerStats is the indexer counter slice healthz reads; nil in tests
// that run the surface without worker loops.
type workerStats interface {
	Stats() indexer.Stats
}

// Deps groups everything the handlers read from. Indexer, Recon, RPC and
// Prober may be nil; the health report degrades to the sections it can
// still build.
type Deps struct {
	Store   *store.Store
	Queue   queue.Queue
	Summary *summary.Assembler
	Bus     *bus.Bus
	Head    headSource
	Indexer workerStats
	Recon   *recon.Sweeper
	RPC     rpcStats
	Prober  healthProber

	// Mode names the ingest path for the health report: "live" when the
	// WebSocket ingestor runs, "poll" when only reconciliation does.
	Mode string

	// QPSBudget is the per-minute RPC call budget (MaxQPS * 60); healthz
	// warns when sustained usage exceeds it. Zero disables the check.
	QPSBudget int
}

// Server is the HTTP front.
type Server struct {
	deps   Deps
	cfg    config.ServerConfig
	logger *slog.Logger
	srv    *http.Server

	health healthCache
}

// New builds the server; call Start to bind the port.
func New(deps Deps, cfg config.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "api"),
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		// no WriteTimeout: /live and /ws hold their connections open
	}
	return s
}

// Handler returns the routed handler; exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/markets/{key}/summary", s.handleSummary)
	mux.HandleFunc("GET /api/markets/{key}/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/markets/{key}/candles", s.handleCandles)
	mux.HandleFunc("GET /api/markets/{key}/trades", s.handleTrades)
	mux.HandleFunc("GET /api/markets/{key}/spot-series", s.handleSpotSeries)
	mux.HandleFunc("GET /api/markets/{key}/live", s.handleLive)
	mux.HandleFunc("GET /api/markets/{key}/ws", s.handleWS)

	mux.HandleFunc("POST /api/tx-notify", s.requireToken(s.handleTxNotify))
	mux.HandleFunc("PATCH /api/markets/{key}/sweep", s.requireToken(s.handleSweep))

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

// Start binds the listener and serves in the background. A port conflict
// surfaces here rather than inside the serve goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests, then closes stragglers (open streams).
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete, closing", "error", err)
		s.srv.Close()
	}
	s.logger.Info("http server stopped")
}

// requireToken guards the webhook endpoints. With no token configured the
// endpoints are open (local and staging deployments).
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.TxNotifyToken != "" {
			want := "Bearer " + s.cfg.TxNotifyToken
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
				return
			}
		}
		next(w, r)
	}
}
