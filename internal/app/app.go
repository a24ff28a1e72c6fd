// Package app wires configuration, infrastructure, and the deployment
// subsystem together and dispatches to the selected run mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/chalorch/internal/api"
	"github.com/wisbric/chalorch/internal/config"
	"github.com/wisbric/chalorch/internal/httpserver"
	"github.com/wisbric/chalorch/internal/platform"
	"github.com/wisbric/chalorch/internal/telemetry"
	"github.com/wisbric/chalorch/pkg/catalog"
	"github.com/wisbric/chalorch/pkg/deployment"
	"github.com/wisbric/chalorch/pkg/engine"
	"github.com/wisbric/chalorch/pkg/keychain"
	"github.com/wisbric/chalorch/pkg/reaper"
	"github.com/wisbric/chalorch/pkg/tasktracker"
)

// Run connects to the infrastructure named in cfg and starts the mode named
// by cfg.Mode ("api" or "reaper").
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting chalorch", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	keychains, err := keychain.Load(cfg.HostKeychains)
	if err != nil {
		return fmt.Errorf("loading host keychains: %w", err)
	}

	cat := catalog.NewCache(cfg.ChallengesDir, logger)
	if _, err := os.Stat(cfg.ChallengesDir); err == nil {
		if err := cat.ReloadFromDir(cfg.ChallengesDir); err != nil {
			return fmt.Errorf("loading catalog from %s: %w", cfg.ChallengesDir, err)
		}
	}
	logger.Info("catalog loaded", "challenge_count", cat.Snapshot().Len())

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	store := deployment.NewStore(db)
	tracker := tasktracker.New(logger)

	var schedulerHolder struct{ r *reaper.Reaper }
	eng := engine.New(cat, keychains, store, schedulerForHolder(&schedulerHolder), cfg.DefaultInstanceLifetime, logger)
	r := reaper.New(store, eng.Teardown, tracker, logger)
	schedulerHolder.r = r

	switch cfg.Mode {
	case "api":
		if err := r.StartupSweep(ctx); err != nil {
			return fmt.Errorf("running reaper startup sweep: %w", err)
		}
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, cat, store, eng, tracker)
	case "reaper":
		return runReaper(ctx, logger, r, tracker)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// schedulerForHolder returns an engine.Scheduler that forwards to whatever
// *reaper.Reaper is later stored in holder.r. This breaks the construction
// cycle between the engine (needs a scheduler) and the reaper (needs the
// engine's Teardown as its callback): both are built from the same Store,
// and the reaper is assigned into the holder immediately after.
func schedulerForHolder(holder *struct{ r *reaper.Reaper }) engine.Scheduler {
	return schedulerFunc(func(rowID int64, at time.Time) {
		if holder.r != nil {
			holder.r.Schedule(rowID, at)
		}
	})
}

type schedulerFunc func(rowID int64, at time.Time)

func (f schedulerFunc) Schedule(rowID int64, at time.Time) { f(rowID, at) }

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	cat *catalog.Cache,
	store *deployment.Store,
	eng *engine.Engine,
	tracker *tasktracker.Tracker,
) error {
	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	handler := api.NewHandler(cat, store, eng, tracker, logger, cfg.ChallengesDir)
	handler.Mount(srv.Router)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		tracker.Wait()
		return nil
	case err := <-errCh:
		return err
	}
}

// runReaper runs a standalone reaper process: it performs no HTTP serving
// of its own and simply waits for the scheduled timers to fire (or for
// shutdown), draining the task tracker when the context is cancelled.
func runReaper(ctx context.Context, logger *slog.Logger, r *reaper.Reaper, tracker *tasktracker.Tracker) error {
	if err := r.StartupSweep(ctx); err != nil {
		return fmt.Errorf("running reaper startup sweep: %w", err)
	}
	logger.Info("reaper running")

	<-ctx.Done()
	logger.Info("shutting down reaper")
	tracker.Wait()
	return nil
}
