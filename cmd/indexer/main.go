// Market Index — a market-state indexer and live-data pipeline for binary
// prediction markets on an EVM chain.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	chain/gateway.go     — rate-limited RPC gateway: one token bucket for every chain read
//	chain/health.go      — raw JSON-RPC probes behind /healthz
//	amm/decode.go        — topic-keyed decoder for pool and factory logs
//	amm/apply.go         — constant-product state machine: trades, liquidity, candles, spot
//	store/               — SQLite persistence: markets, trades, candles, sync cursors, jobs
//	queue/               — tx-hint and sweep queues (memory or store-backed) with sweep locks
//	indexer/             — worker loops: receipt chase, log decode/apply, catch-up sweeps
//	recon/recon.go       — periodic reconciliation: scans every market up to the safe head
//	ingest/ingest.go     — WebSocket log subscriptions that feed the tx queue in real time
//	summary/summary.go   — concurrent read-path assembler with degrade-over-fail semantics
//	api/                 — HTTP surface: reads, SSE/WS streams, webhooks, health report
//
// How data flows:
//
//	A webhook or WebSocket log names a transaction. The tx worker fetches
//	its block, decodes every pool log in it, applies the AMM math, and
//	persists rows idempotently. The reconciliation sweeper walks every
//	market's cursor toward the chain head so anything the live path missed
//	is picked up within one cycle. Readers see one summary document per
//	market, assembled from the store with on-chain probes as fallback.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"marketindex/internal/api"
	"marketindex/internal/bus"
	"marketindex/internal/chain"
	"marketindex/internal/config"
	"marketindex/internal/indexer"
	"marketindex/internal/ingest"
	"marketindex/internal/queue"
	"marketindex/internal/recon"
	"marketindex/internal/store"
	"marketindex/internal/summary"
)

// headCacheTTL bounds eth_blockNumber traffic from the read path; lag
// figures may be up to a minute behind the real head.
const headCacheTTL = 60 * time.Second

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("INDEXER_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("indexer failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var q queue.Queue
	if cfg.Store.QueueBackend == "memory" {
		q = queue.NewMemory(cfg.Recon.SweepDedupeTTL())
	} else {
		q = queue.NewSQL(st.DB(), cfg.Recon.SweepDedupeTTL())
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	client, err := chain.Dial(dialCtx, cfg.RPC.URL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()

	gw := chain.NewGateway(cfg.RPC, client, logger)
	head := chain.NewHeadCache(gw, headCacheTTL)
	b := bus.New(logger)

	idx := indexer.New(st, q, gw, head, b, cfg.Recon, logger)
	rec := recon.New(st, gw, idx, cfg.Recon, logger)

	// live ingest only runs when a WebSocket endpoint is configured; the
	// reconciliation loop alone keeps markets current otherwise
	mode := "poll"
	var ing *ingest.Ingestor
	if cfg.RPC.WSURL != "" {
		wsClient, err := chain.Dial(dialCtx, cfg.RPC.WSURL)
		if err != nil {
			return fmt.Errorf("dial ws rpc: %w", err)
		}
		defer wsClient.Close()
		ing = ingest.New(st, q, wsClient, common.HexToAddress(cfg.Contracts.FactoryAddress), logger)
		mode = "live"
	}

	asm := summary.New(st, gw, head, idx.MaybeEnqueueSweep, cfg.Summary, logger)
	prober := chain.NewHealthProber(cfg.RPC, cfg.Contracts, logger)

	srv := api.New(api.Deps{
		Store:     st,
		Queue:     q,
		Summary:   asm,
		Bus:       b,
		Head:      head,
		Indexer:   idx,
		Recon:     rec,
		RPC:       gw,
		Prober:    prober,
		Mode:      mode,
		QPSBudget: int(cfg.RPC.MaxQPS * 60),
	}, cfg.Server, logger)

	ctx := context.Background()
	idx.Start(ctx)
	rec.Start(ctx)
	if ing != nil {
		ing.Start(ctx)
	}
	if err := srv.Start(); err != nil {
		idx.Stop()
		rec.Stop()
		if ing != nil {
			ing.Stop()
		}
		return err
	}

	logger.Info("market indexer started",
		"mode", mode,
		"port", cfg.Server.Port,
		"queue_backend", cfg.Store.QueueBackend,
		"max_qps", cfg.RPC.MaxQPS,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// stop the front door first, then the pipelines feeding it
	srv.Stop()
	if ing != nil {
		ing.Stop()
	}
	rec.Stop()
	idx.Stop()
	return nil
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
