// Command s402 runs one of three subcommands: "settle" submits one payment
// authorization read from stdin and exits, "serve" runs the settlement
// HTTP API until interrupted, and "index" runs the event-sourced indexer
// loop until interrupted. All three share one Config loaded once at
// startup (Design Note: explicit constructed context, not a process-wide
// singleton).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/s402-core/settlement/chain"
	"github.com/s402-core/settlement/config"
	"github.com/s402-core/settlement/httpapi"
	"github.com/s402-core/settlement/indexer"
	"github.com/s402-core/settlement/noncecache"
	"github.com/s402-core/settlement/settlement"
	"github.com/s402-core/settlement/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: s402 <settle|serve|index>")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "settle":
		runSettle(ctx, cfg)
	case "serve":
		runServe(ctx, cfg)
	case "index":
		runIndex(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q, want settle, serve, or index\n", os.Args[1])
		os.Exit(1)
	}
}

func newSettlementService(ctx context.Context, cfg *config.Config) (*settlement.Service, error) {
	client, err := chain.NewClient(ctx, cfg.RPCURL, cfg.FacilitatorAddress, cfg.FacilitatorSigner, big.NewInt(cfg.ChainID), time.Duration(cfg.RPCTimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("chain client init failed: %w", err)
	}

	cache := noncecache.New(time.Duration(cfg.NonceCacheTTLSecs)*time.Second, time.Now)
	return settlement.NewService(ctx, client, cache, clock.New(), cfg.RPCMaxRetries)
}

// runSettle reads exactly one payment authorization from stdin, submits
// it, and prints the resulting tx hash: a one-shot CLI invocation, never
// a long-running server.
func runSettle(ctx context.Context, cfg *config.Config) {
	svc, err := newSettlementService(ctx, cfg)
	if err != nil {
		slog.Error("settlement service init failed", "error", err)
		os.Exit(1)
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		slog.Error("could not read authorization from stdin", "error", err)
		os.Exit(1)
	}

	auth, err := settlement.ParseAuthorization(raw)
	if err != nil {
		slog.Error("invalid authorization", "error", err)
		os.Exit(1)
	}

	txHash, err := svc.Settle(ctx, auth)
	if err != nil {
		slog.Error("settle failed", "error", err)
		os.Exit(1)
	}

	_ = json.NewEncoder(os.Stdout).Encode(map[string]string{"txHash": txHash})
}

// runServe starts the settlement HTTP API and blocks until interrupted.
func runServe(ctx context.Context, cfg *config.Config) {
	svc, err := newSettlementService(ctx, cfg)
	if err != nil {
		slog.Error("settlement service init failed", "error", err)
		os.Exit(1)
	}

	server := httpapi.NewServer(svc)
	httpServer := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: server.Handler()}
	go func() {
		slog.Info("http server listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server stopped", "error", err)
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func runIndex(ctx context.Context, cfg *config.Config) {
	client, err := chain.NewClient(ctx, cfg.RPCURL, cfg.FacilitatorAddress, cfg.FacilitatorSigner, big.NewInt(cfg.ChainID), time.Duration(cfg.RPCTimeoutMs)*time.Millisecond)
	if err != nil {
		slog.Error("chain client init failed", "error", err)
		os.Exit(1)
	}

	pgStore, err := store.NewPostgres(ctx, store.PostgresConfig{
		DatabaseURL: cfg.DatabaseURL,
		PoolMax:     cfg.StorePoolMax,
	})
	if err != nil {
		slog.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()

	idx, err := indexer.New(client, pgStore, indexer.Config{
		GenesisBlock:  cfg.GenesisBlock,
		BatchSize:     cfg.BatchSize,
		Confirmations: cfg.Confirmations,
		PollInterval:  time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		TokenDecimals: cfg.TokenDecimals,
	})
	if err != nil {
		slog.Error("indexer init failed", "error", err)
		os.Exit(1)
	}

	if err := idx.Start(ctx); err != nil && ctx.Err() == nil {
		slog.Error("indexer stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("indexer shut down")
}
