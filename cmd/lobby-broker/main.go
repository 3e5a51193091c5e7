package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/rossunger/lobby-broker/internal/broker"
	"github.com/rossunger/lobby-broker/internal/config"
	"github.com/rossunger/lobby-broker/internal/lobbycode"
	"github.com/rossunger/lobby-broker/internal/logging"
	"github.com/rossunger/lobby-broker/internal/metrics"
	"github.com/rossunger/lobby-broker/internal/snapshot"
	"github.com/rossunger/lobby-broker/internal/store"
	"github.com/rossunger/lobby-broker/internal/store/migrations"
	"github.com/rossunger/lobby-broker/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof)); err != nil {
		logger.Warn("automaxprocs set failed", zap.Error(err))
	}

	metricsRegistry := metrics.NewRegistry()
	stopCollector := make(chan struct{})
	metricsRegistry.StartProcessCollector(stopCollector)
	defer close(stopCollector)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeClient := bootstrapStore(ctx, cfg.Store, logger, metricsRegistry)

	// Interfaces are assigned explicitly rather than passed as a
	// possibly-nil *store.Client: a nil pointer boxed into an
	// interface is not itself a nil interface, and downstream nil
	// checks would stop catching the unavailable-store case.
	var counterStore lobbycode.CounterStore
	var cacheStore snapshot.Store
	var brokerStore broker.Store
	if storeClient != nil {
		defer storeClient.Close()
		counterStore = storeClient
		cacheStore = storeClient
		brokerStore = storeClient
	}

	codeGen := lobbycode.New(logger, lobbycode.WithSeed(cfg.LobbyCode.Seed), lobbycode.WithCounterStore(counterStore))
	if err := codeGen.Load(ctx); err != nil {
		logger.Warn("lobby code counter restore failed, starting from zero", zap.Error(err))
	}

	cache := snapshot.New(cfg.Limits.MaxSaveGames, cacheStore, logger, metricsRegistry)

	b := broker.New(cfg, logger, metricsRegistry, codeGen, cache, brokerStore)
	b.StartBackgroundTasks(ctx)

	transportServer := transport.New(cfg.Server, logger, b, metricsRegistry)
	if err := transportServer.Start(ctx); err != nil {
		logger.Fatal("transport start failed", zap.Error(err))
	}

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHTTPServer(ctx, cfg, b, metricsRegistry, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	transportServer.Stop()
	logger.Info("transport stopped")
}

// bootstrapStore connects the persistent store client and runs schema
// migrations. Store unavailability is non-fatal: the broker still runs
// with an in-memory-only snapshot cache and a code generator whose
// counter starts from zero, per the durability non-goal carried from
// the ambient spec.
func bootstrapStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger, reg *metrics.Registry) *store.Client {
	dsn := cfg.BuildDSN()

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Warn("store unavailable, running without persistence", zap.Error(err))
		return nil
	}
	if err := migrations.Run(sqlDB); err != nil {
		logger.Warn("schema migration failed, running without persistence", zap.Error(err))
		_ = sqlDB.Close()
		return nil
	}
	_ = sqlDB.Close()

	client, err := store.New(ctx, cfg, logger, reg)
	if err != nil {
		logger.Warn("store connection failed, running without persistence", zap.Error(err))
		return nil
	}
	return client
}

func runHTTPServer(ctx context.Context, cfg config.Config, b *broker.Broker, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		peers, lobbies := b.Stats()
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"peers":     peers,
			"lobbies":   lobbies,
		})
	})

	mux.Handle(cfg.Metrics.Endpoint, metricsRegistry.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
