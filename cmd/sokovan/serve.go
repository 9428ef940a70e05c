package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sokovan-io/sokovan/pkg/agent"
	"github.com/sokovan-io/sokovan/pkg/config"
	"github.com/sokovan-io/sokovan/pkg/events"
	"github.com/sokovan-io/sokovan/pkg/lock"
	"github.com/sokovan-io/sokovan/pkg/log"
	"github.com/sokovan-io/sokovan/pkg/metrics"
	"github.com/sokovan-io/sokovan/pkg/reconciler"
	"github.com/sokovan-io/sokovan/pkg/registry"
	"github.com/sokovan-io/sokovan/pkg/scheduler"
	"github.com/sokovan-io/sokovan/pkg/storageproxy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the manager: scheduler, reconciler, and metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "/etc/sokovan/manager.yaml", "Path to the manager configuration file")
}

func serve(parent context.Context, cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}

	counters := registry.NewRedisConcurrency(rdb)
	reg, err := registry.NewPG(cfg.DB.DSN, counters, nil)
	if err != nil {
		return err
	}
	defer reg.Close()
	reg.Configure(cfg.DB.MaxOpenConns, cfg.DB.MaxIdleConns, cfg.DB.ConnMaxLifetime)
	reg.SetMetricSource(registry.NewLastStatMetrics(reg.DB()))

	locks, err := newLockManager(cfg, reg)
	if err != nil {
		return err
	}

	bus := events.NewRedisBus(rdb)
	defer bus.Close()

	agents := agent.NewGRPCClient(0)
	defer agents.Close()

	// Mounts are skipped entirely when no storage proxy is configured.
	var vfolders reconciler.VFolderClient
	if cfg.StorageProxy.BaseURL != "" {
		vfolders = storageproxy.New(cfg.StorageProxy)
	}

	sched := scheduler.New(reg, locks, bus, cfg.Scheduler, cfg.Lock.Lifetime)
	disp := scheduler.NewDispatcher(sched, bus, cfg.Scheduler.TickInterval, cfg.Scheduler.TickTimeout)
	recon := reconciler.New(reg, agents, bus, vfolders, cfg.Reconciler)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(ctx) })
	g.Go(func() error { return recon.Run(ctx) })
	g.Go(func() error {
		err := metricsSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	logger.Info().
		Str("metrics_addr", cfg.Metrics.Addr).
		Str("lock_backend", cfg.Lock.Backend).
		Msg("manager running")

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("manager stopped")
		return nil
	}
	return err
}

func newLockManager(cfg *config.Config, reg *registry.PG) (lock.Manager, error) {
	switch cfg.Lock.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return lock.NewRedisLock(rdb), nil
	case "advisory-pg":
		return lock.NewAdvisoryLock(reg.DB()), nil
	case "filelock":
		return lock.NewFileLock(cfg.Lock.Path)
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}
