package reconciler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sokovan-io/sokovan/pkg/agent"
	"github.com/sokovan-io/sokovan/pkg/events"
	"github.com/sokovan-io/sokovan/pkg/metrics"
	"github.com/sokovan-io/sokovan/pkg/registry"
	"github.com/sokovan-io/sokovan/pkg/types"
)

// checkPrecond advances SCHEDULED sessions into PREPARING and PREPARING
// sessions into PREPARED once every agent confirms the image is present.
func (r *Reconciler) checkPrecond(ctx context.Context) error {
	scheduled, err := r.reg.ListSessionsByStatus(ctx, types.SessionScheduled)
	if err != nil {
		return err
	}
	preparing, err := r.reg.ListSessionsByStatus(ctx, types.SessionPreparing)
	if err != nil {
		return err
	}

	for _, view := range scheduled {
		if err := r.beginPreparing(ctx, view); err != nil {
			r.logger.Error().Err(err).
				Stringer("session_id", view.Session.ID).
				Msg("failed to begin image preparation")
			continue
		}
		preparing = append(preparing, view)
	}
	for _, view := range preparing {
		if err := r.probeImages(ctx, view); err != nil {
			r.logger.Error().Err(err).
				Stringer("session_id", view.Session.ID).
				Msg("image probe failed")
		}
	}
	return nil
}

func (r *Reconciler) beginPreparing(ctx context.Context, view *registry.SessionView) error {
	err := r.reg.InTransaction(ctx, func(tx registry.Registry) error {
		for i := range view.Kernels {
			if err := tx.MarkKernelStatus(ctx, view.Kernels[i].ID, types.KernelPreparing, "pulling image"); err != nil {
				return err
			}
		}
		return tx.MarkSessionStatus(ctx, view.Session.ID, types.SessionPreparing, "pulling images")
	})
	if err != nil {
		return err
	}
	ev := events.New(events.EventSessionPreparing)
	ev.SessionID = view.Session.ID
	r.broadcast(ctx, ev)
	return nil
}

// probeImages asks every hosting agent whether the kernel image is
// present, kicking off a pull when it is not. The session stays
// PREPARING while any agent is still pulling.
func (r *Reconciler) probeImages(ctx context.Context, view *registry.SessionView) error {
	pulling := false
	for i := range view.Kernels {
		k := &view.Kernels[i]
		res, err := r.agents.CheckAndPullImage(ctx, k.AgentAddr, k.Image)
		if err != nil {
			return r.pullFailure(ctx, view, err.Error())
		}
		if res.Error != "" {
			return r.pullFailure(ctx, view, res.Error)
		}
		if !res.Present {
			pulling = true
		}
	}
	if pulling {
		return nil
	}

	err := r.reg.InTransaction(ctx, func(tx registry.Registry) error {
		for i := range view.Kernels {
			if err := tx.MarkKernelStatus(ctx, view.Kernels[i].ID, types.KernelPrepared, "image present"); err != nil {
				return err
			}
		}
		return tx.MarkSessionStatus(ctx, view.Session.ID, types.SessionPrepared, "images present")
	})
	if err != nil {
		return err
	}
	ev := events.New(events.EventSessionPrepared)
	ev.SessionID = view.Session.ID
	r.broadcast(ctx, ev)
	return nil
}

func (r *Reconciler) pullFailure(ctx context.Context, view *registry.SessionView, msg string) error {
	reason := "image pull failed: " + msg
	if view.Session.Retries >= r.cfg.ImagePullMaxRetries {
		return r.cancelSession(ctx, view, reason)
	}
	return r.reg.UpdateSessionSchedulingFailure(ctx, view.Session.ID, reason)
}

// startSessions issues create_kernels for every PREPARED session.
func (r *Reconciler) startSessions(ctx context.Context) error {
	views, err := r.reg.ListSessionsByStatus(ctx, types.SessionPrepared)
	if err != nil {
		return err
	}
	for _, view := range views {
		if err := r.startSession(ctx, view); err != nil {
			r.logger.Error().Err(err).
				Stringer("session_id", view.Session.ID).
				Msg("failed to start session")
		}
	}
	return nil
}

func (r *Reconciler) startSession(ctx context.Context, view *registry.SessionView) error {
	sess := view.Session
	err := r.reg.InTransaction(ctx, func(tx registry.Registry) error {
		for i := range view.Kernels {
			if err := tx.MarkKernelStatus(ctx, view.Kernels[i].ID, types.KernelCreating, "creating container"); err != nil {
				return err
			}
		}
		return tx.MarkSessionStatus(ctx, sess.ID, types.SessionCreating, "creating kernels")
	})
	if err != nil {
		return err
	}

	// VFolders must be attached before any container exists. A mount
	// failure is session-fatal: the storage backend refused the session,
	// so there is nothing a start retry can fix.
	if err := r.mountVFolders(ctx, view); err != nil {
		return r.cancelSession(ctx, view, "vfolder mount failed: "+err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.SessionCreationTimeout)
	defer cancel()

	byAddr := make(map[string][]agent.KernelSpec)
	for i := range view.Kernels {
		k := &view.Kernels[i]
		byAddr[k.AgentAddr] = append(byAddr[k.AgentAddr], agent.KernelSpec{
			KernelID:     k.ID,
			SessionID:    sess.ID,
			Image:        k.Image.Canonical,
			Architecture: k.Architecture,
			Slots:        k.RequestedSlots,
			Mounts:       sess.Mounts,
			Env:          sess.Env,
			PreopenPorts: sess.PreopenPorts,
			ClusterRole:  string(k.Role),
			ClusterIdx:   k.Index,
			ClusterSize:  sess.ClusterSize,
		})
	}

	var mu sync.Mutex
	results := make(map[uuid.UUID]agent.KernelCreationResult, len(view.Kernels))
	g, gctx := errgroup.WithContext(callCtx)
	for addr, specs := range byAddr {
		g.Go(func() error {
			rs, err := r.agents.CreateKernels(gctx, addr, specs)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, res := range rs {
				results[res.KernelID] = res
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return r.startFailure(ctx, view, err.Error())
	}
	for i := range view.Kernels {
		res, ok := results[view.Kernels[i].ID]
		if !ok {
			return r.startFailure(ctx, view, fmt.Sprintf("kernel %s missing from agent reply", view.Kernels[i].ID))
		}
		if !res.Ok {
			return r.startFailure(ctx, view, res.Error)
		}
	}

	err = r.reg.InTransaction(ctx, func(tx registry.Registry) error {
		for i := range view.Kernels {
			if err := tx.MarkKernelStatus(ctx, view.Kernels[i].ID, types.KernelRunning, "container up"); err != nil {
				return err
			}
		}
		return tx.MarkSessionStatus(ctx, sess.ID, types.SessionRunning, "started")
	})
	if err != nil {
		return err
	}
	ev := events.New(events.EventSessionStarted)
	ev.SessionID = sess.ID
	r.broadcast(ctx, ev)
	r.logger.Info().Stringer("session_id", sess.ID).Msg("session started")
	return nil
}

// startFailure applies the configured start failure policy: requeue back
// to SCHEDULED while the retry budget lasts, cancel otherwise.
func (r *Reconciler) startFailure(ctx context.Context, view *registry.SessionView, msg string) error {
	reason := "session start failed: " + msg
	if r.cfg.StartFailurePolicy == "requeue" && view.Session.Retries < r.cfg.StartMaxRetries {
		r.destroyKernels(ctx, view, reason)
		if err := r.reg.UpdateSessionSchedulingFailure(ctx, view.Session.ID, reason); err != nil {
			return err
		}
		return r.reg.InTransaction(ctx, func(tx registry.Registry) error {
			for i := range view.Kernels {
				if err := tx.MarkKernelStatus(ctx, view.Kernels[i].ID, types.KernelScheduled, "requeued"); err != nil {
					return err
				}
			}
			return tx.MarkSessionStatus(ctx, view.Session.ID, types.SessionScheduled, "requeued after start failure")
		})
	}
	return r.cancelSession(ctx, view, reason)
}

// cancelSession rolls a post-schedule session back: partially created
// containers are destroyed best-effort, reservations are released, and
// the concurrency charge is refunded.
func (r *Reconciler) cancelSession(ctx context.Context, view *registry.SessionView, reason string) error {
	sess := view.Session
	r.destroyKernels(ctx, view, reason)
	r.unmountVFolders(ctx, view)

	err := r.reg.InTransaction(ctx, func(tx registry.Registry) error {
		for i := range view.Kernels {
			if err := tx.MarkKernelStatus(ctx, view.Kernels[i].ID, types.KernelCancelled, reason); err != nil {
				return err
			}
		}
		if err := tx.ReleaseSessionResources(ctx, sess.ID); err != nil {
			return err
		}
		return tx.MarkSessionStatus(ctx, sess.ID, types.SessionCancelled, reason)
	})
	if err != nil {
		return err
	}
	if sess.Status.IsOccupying() {
		r.decrConcurrency(ctx, sess)
	}
	metrics.SessionsCancelled.Inc()
	ev := events.New(events.EventSessionCancelled)
	ev.SessionID = sess.ID
	ev.Reason = reason
	r.broadcast(ctx, ev)
	r.logger.Warn().Stringer("session_id", sess.ID).Str("reason", reason).Msg("session cancelled")
	return nil
}

// mountVFolders attaches the session's vfolders through the storage
// proxy, stopping at the first refusal.
func (r *Reconciler) mountVFolders(ctx context.Context, view *registry.SessionView) error {
	if r.vfolders == nil {
		return nil
	}
	for _, m := range view.Session.Mounts {
		if err := r.vfolders.Mount(ctx, view.Session.ID, m); err != nil {
			return err
		}
	}
	return nil
}

// unmountVFolders detaches every vfolder best-effort; the storage proxy
// reaps leftover mounts of sessions it no longer sees.
func (r *Reconciler) unmountVFolders(ctx context.Context, view *registry.SessionView) {
	if r.vfolders == nil {
		return
	}
	for _, m := range view.Session.Mounts {
		if err := r.vfolders.Unmount(ctx, view.Session.ID, m); err != nil {
			r.logger.Warn().Err(err).
				Stringer("session_id", view.Session.ID).
				Stringer("vfolder_id", m.VFolderID).
				Msg("best-effort vfolder unmount failed")
		}
	}
}

func (r *Reconciler) destroyKernels(ctx context.Context, view *registry.SessionView, reason string) {
	for i := range view.Kernels {
		k := &view.Kernels[i]
		if k.AgentAddr == "" {
			continue
		}
		if err := r.agents.DestroyKernel(ctx, k.AgentAddr, k.ID, reason); err != nil {
			r.logger.Warn().Err(err).
				Stringer("kernel_id", k.ID).
				Str("agent_addr", k.AgentAddr).
				Msg("best-effort kernel destroy failed")
		}
	}
}

func kernelFinal(st types.KernelStatus) bool {
	return st == types.KernelTerminated || st == types.KernelCancelled
}

// terminalSweep destroys the remaining containers of TERMINATING
// sessions and finalizes the ones whose kernels have all gone.
func (r *Reconciler) terminalSweep(ctx context.Context) error {
	views, err := r.reg.ListSessionsByStatus(ctx, types.SessionTerminating)
	if err != nil {
		return err
	}
	for _, view := range views {
		statuses := make([]types.KernelStatus, 0, len(view.Kernels))
		for i := range view.Kernels {
			k := &view.Kernels[i]
			if kernelFinal(k.Status) {
				statuses = append(statuses, k.Status)
				continue
			}
			if k.AgentAddr != "" {
				if err := r.agents.DestroyKernel(ctx, k.AgentAddr, k.ID, "session terminating"); err != nil {
					r.logger.Warn().Err(err).
						Stringer("kernel_id", k.ID).
						Msg("kernel destroy failed, retrying next pass")
					statuses = append(statuses, k.Status)
					continue
				}
			}
			if err := r.reg.MarkKernelStatus(ctx, k.ID, types.KernelTerminated, "destroyed"); err != nil {
				r.logger.Error().Err(err).Stringer("kernel_id", k.ID).Msg("failed to mark kernel terminated")
				statuses = append(statuses, k.Status)
				continue
			}
			statuses = append(statuses, types.KernelTerminated)
		}
		if types.JoinKernelStatuses(statuses).IsTerminal() {
			if err := r.finalizeTermination(ctx, view, "terminated"); err != nil {
				r.logger.Error().Err(err).
					Stringer("session_id", view.Session.ID).
					Msg("failed to finalize termination")
			}
		}
	}
	return nil
}

func (r *Reconciler) finalizeTermination(ctx context.Context, view *registry.SessionView, reason string) error {
	sess := view.Session
	r.unmountVFolders(ctx, view)
	err := r.reg.InTransaction(ctx, func(tx registry.Registry) error {
		if err := tx.ReleaseSessionResources(ctx, sess.ID); err != nil {
			return err
		}
		return tx.MarkSessionStatus(ctx, sess.ID, types.SessionTerminated, reason)
	})
	if err != nil {
		return err
	}
	r.decrConcurrency(ctx, sess)
	metrics.SessionsTerminated.Inc()
	ev := events.New(events.EventSessionTerminated)
	ev.SessionID = sess.ID
	ev.Reason = reason
	r.broadcast(ctx, ev)
	r.logger.Info().Stringer("session_id", sess.ID).Msg("session terminated")
	return nil
}

// forceTerminateStuck reaps sessions sitting in PREPARING or TERMINATING
// past the hang tolerance. Their containers are destroyed best-effort and
// the bookkeeping is closed out regardless of agent responses.
func (r *Reconciler) forceTerminateStuck(ctx context.Context) error {
	views, err := r.reg.ListStuckSessions(ctx,
		[]types.SessionStatus{types.SessionPreparing, types.SessionTerminating},
		r.cfg.HangTolerance)
	if err != nil {
		return err
	}
	for _, view := range views {
		r.logger.Warn().
			Stringer("session_id", view.Session.ID).
			Str("status", string(view.Session.Status)).
			Msg("force-terminating stuck session")
		r.destroyKernels(ctx, view, "force-terminated")
		for i := range view.Kernels {
			if kernelFinal(view.Kernels[i].Status) {
				continue
			}
			if err := r.reg.MarkKernelStatus(ctx, view.Kernels[i].ID, types.KernelTerminated, "force-terminated"); err != nil {
				r.logger.Error().Err(err).Stringer("kernel_id", view.Kernels[i].ID).Msg("failed to mark kernel terminated")
			}
		}
		if err := r.finalizeTermination(ctx, view, "force-terminated after hang tolerance"); err != nil {
			r.logger.Error().Err(err).
				Stringer("session_id", view.Session.ID).
				Msg("failed to force-terminate session")
		}
	}
	return nil
}
