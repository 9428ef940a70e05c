package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sokovan-io/sokovan/pkg/agent"
	"github.com/sokovan-io/sokovan/pkg/config"
	"github.com/sokovan-io/sokovan/pkg/events"
	"github.com/sokovan-io/sokovan/pkg/log"
	"github.com/sokovan-io/sokovan/pkg/metrics"
	"github.com/sokovan-io/sokovan/pkg/registry"
	"github.com/sokovan-io/sokovan/pkg/types"
)

// VFolderClient attaches and detaches vfolders through the storage
// proxy. A nil client disables mounts for deployments without one.
type VFolderClient interface {
	Mount(ctx context.Context, sessionID uuid.UUID, m types.Mount) error
	Unmount(ctx context.Context, sessionID uuid.UUID, m types.Mount) error
}

// Reconciler drives every session and endpoint lifecycle stage past
// SCHEDULED. It owns all agent RPC traffic; the scheduler itself never
// talks to agents.
type Reconciler struct {
	reg      registry.Registry
	agents   agent.Client
	bus      events.Bus
	vfolders VFolderClient
	cfg      config.Reconciler
	logger   zerolog.Logger
}

// New assembles a reconciler.
func New(reg registry.Registry, agents agent.Client, bus events.Bus, vfolders VFolderClient, cfg config.Reconciler) *Reconciler {
	return &Reconciler{
		reg:      reg,
		agents:   agents,
		bus:      bus,
		vfolders: vfolders,
		cfg:      cfg,
		logger:   log.WithComponent("reconciler"),
	}
}

// Run blocks until the context is cancelled, firing one full pass per
// interval and consuming route provisioning events in parallel.
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.runTimer(ctx) })
	g.Go(func() error {
		return r.bus.ConsumeAnycast(ctx, "reconciler", "route-provisioner", r.onEvent)
	})
	return g.Wait()
}

func (r *Reconciler) runTimer(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Pass(ctx)
		}
	}
}

// Pass runs every loop once, in stage order. Loop failures are logged
// and never stop the remaining loops.
func (r *Reconciler) Pass(ctx context.Context) {
	r.runLoop(ctx, "check_precond", r.checkPrecond)
	r.runLoop(ctx, "start", r.startSessions)
	r.runLoop(ctx, "terminal_sweep", r.terminalSweep)
	r.runLoop(ctx, "force_terminate", r.forceTerminateStuck)
	r.runLoop(ctx, "route_health", r.routeHealth)
	r.runLoop(ctx, "autoscale", r.autoscale)
	r.runLoop(ctx, "zombie_sweep", r.zombieSweep)
	r.runLoop(ctx, "agent_sweep", r.markLostAgents)
	r.runLoop(ctx, "counter_drift", r.rescanDriftedCounters)
	if r.cfg.PeriodicSyncStats {
		r.runLoop(ctx, "sync_stats", r.syncStats)
	}
}

func (r *Reconciler) runLoop(ctx context.Context, name string, fn func(context.Context) error) {
	timer := metrics.NewTimer()
	err := fn(ctx)
	timer.ObserveDuration(metrics.ReconcilerLoopDuration.WithLabelValues(name))
	metrics.ReconcilerLoopsTotal.WithLabelValues(name).Inc()
	if err != nil {
		r.logger.Error().Err(err).Str("loop", name).Msg("reconciler loop failed")
	}
}

// decrConcurrency refunds one occupying session from its keypair bucket.
// An underflow means the counter drifted from the sessions table; it is
// repaired by a full rescan instead of propagating.
func (r *Reconciler) decrConcurrency(ctx context.Context, sess types.Session) {
	err := r.reg.DecrConcurrency(ctx, sess.AccessKey, sess.IsPrivate)
	if err == nil {
		return
	}
	var drift *types.ConsistencyError
	if errors.As(err, &drift) {
		r.logger.Warn().Str("access_key", sess.AccessKey).Msg(drift.Detail)
		metrics.ConcurrencyRescans.Inc()
		if err := r.reg.RescanConcurrency(ctx, sess.AccessKey); err != nil {
			r.logger.Error().Err(err).Str("access_key", sess.AccessKey).Msg("concurrency rescan failed")
		}
		return
	}
	r.logger.Error().Err(err).Str("access_key", sess.AccessKey).Msg("failed to decrement concurrency counter")
}

// rescanDriftedCounters repairs fast counters that disagree with the
// sessions table. The decrement clamp only catches underflow; a finalize
// rolled back after its increment leaves the counter inflated until this
// sweep rescans it.
func (r *Reconciler) rescanDriftedCounters(ctx context.Context) error {
	drifted, err := r.reg.DetectConcurrencyDrift(ctx)
	if err != nil {
		return err
	}
	for _, accessKey := range drifted {
		r.logger.Warn().Str("access_key", accessKey).Msg("concurrency counter drifted from sessions table")
		metrics.ConcurrencyRescans.Inc()
		if err := r.reg.RescanConcurrency(ctx, accessKey); err != nil {
			r.logger.Error().Err(err).Str("access_key", accessKey).Msg("concurrency rescan failed")
		}
	}
	return nil
}

func (r *Reconciler) broadcast(ctx context.Context, ev *events.Event) {
	if err := r.bus.Broadcast(ctx, ev); err != nil {
		r.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to broadcast event")
	}
}
