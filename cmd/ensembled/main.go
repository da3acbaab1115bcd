package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"hazard-ensemble/internal/cfg"
	"hazard-ensemble/internal/dashboard"
	"hazard-ensemble/internal/features"
	"hazard-ensemble/internal/metrics"
	"hazard-ensemble/internal/ml"
	"hazard-ensemble/internal/storage"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Config load failed")
	}
	setupLogging(c.LogLevel)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", c.DataPath).Msg("Storage initialization failed")
	}
	defer store.Close()

	provider, closeSource, err := storage.OpenSource(&c, c.HistorySource, store)
	if err != nil {
		log.Fatal().Err(err).Str("source", c.HistorySource).Msg("History source initialization failed")
	}
	defer closeSource()

	hub := dashboard.NewHub(mw.FeedClients())
	mlc := ml.ConfigFromSettings(&c)
	ens := ml.New(mlc, features.NewBuilder(mlc.Grid),
		ml.WithProvider(provider),
		ml.WithStore(store),
		ml.WithMetrics(mw),
		ml.WithNotifier(hub.Publish),
	)
	restoreEnsemble(ctx, ens, c)

	srv := dashboard.New(ens, hub, mw, dashboard.DefaultConfig(c.HTTPPort))
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Ensemble server failed to start")
	}

	var wg sync.WaitGroup
	startMetricsServer(ctx, &wg, c.MetricsPort)
	startCatchUpLoop(ctx, &wg, ens, c.CatchUpInterval)

	log.Info().
		Str("source", c.HistorySource).
		Int("http_port", c.HTTPPort).
		Int("metrics_port", c.MetricsPort).
		Bool("trained", ens.IsTrained()).
		Msg("Hazard ensemble running")

	waitForShutdown(ctx, cancel, &wg, srv)
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
}

// restoreEnsemble loads persisted state, catches up with the history source
// and, when configured, trains an ensemble that is still untrained.
func restoreEnsemble(ctx context.Context, ens *ml.Ensemble, c cfg.Settings) {
	if err := ens.Load(); err != nil {
		if errors.Is(err, ml.ErrColdStart) {
			log.Warn().Msg("No persisted ensemble state, starting untrained")
		} else {
			log.Warn().Err(err).Msg("Failed to restore ensemble state, starting untrained")
		}
	}

	if res, err := ens.CatchUp(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial catch-up failed")
	} else if res.Registered > 0 {
		log.Info().Int("registered", res.Registered).Msg("Registered rounds from history source")
	}

	if !c.TrainOnStart || ens.IsTrained() {
		return
	}
	report, err := ens.TrainAll(ctx, ml.TriggerStartup)
	switch {
	case err == nil:
		log.Info().
			Str("run_id", report.RunID).
			Int("rounds", report.Rounds).
			Msg("Initial training finished")
	case errors.Is(err, ml.ErrInsufficientData):
		log.Warn().Err(err).Msg("Not enough history to train, serving untrained")
	default:
		log.Error().Err(err).Msg("Initial training failed")
	}
}

// startCatchUpLoop periodically registers rounds the history source gained.
func startCatchUpLoop(ctx context.Context, wg *sync.WaitGroup, ens *ml.Ensemble, interval time.Duration) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := ens.CatchUp(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Msg("Catch-up failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// startMetricsServer starts the Prometheus metrics HTTP server
func startMetricsServer(ctx context.Context, wg *sync.WaitGroup, port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown metrics server")
		}
	}()

	go func() {
		log.Info().Str("address", server.Addr).Msg("Starting metrics server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// waitForShutdown waits for shutdown signals and handles graceful shutdown
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, srv *dashboard.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("Context canceled")
	}

	log.Info().Msg("Shutting down gracefully...")
	cancel()

	stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Ensemble server did not stop cleanly")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("All goroutines stopped")
	case <-stopCtx.Done():
		log.Warn().Msg("Shutdown timeout, forcing exit")
	}
}
