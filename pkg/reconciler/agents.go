package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sokovan-io/sokovan/pkg/events"
	"github.com/sokovan-io/sokovan/pkg/types"
)

// markLostAgents flips ALIVE agents to LOST after heartbeat silence
// beyond the configured timeout. Kernels on a lost agent are handled by
// session-level sweeps; the agent's reservations stay booked until each
// session releases them.
func (r *Reconciler) markLostAgents(ctx context.Context) error {
	agents, err := r.reg.ListAgents(ctx, "")
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-r.cfg.AgentHeartbeatTimeout)
	for _, a := range agents {
		if a.Status != types.AgentAlive || a.LastHeartbeat.After(cutoff) {
			continue
		}
		r.logger.Warn().
			Str("agent_id", a.ID).
			Time("last_heartbeat", a.LastHeartbeat).
			Msg("agent heartbeat lost")
		if err := r.reg.MarkAgentStatus(ctx, a.ID, types.AgentLost); err != nil {
			r.logger.Error().Err(err).Str("agent_id", a.ID).Msg("failed to mark agent lost")
			continue
		}
		ev := events.New(events.EventAgentLost)
		ev.AgentID = a.ID
		r.broadcast(ctx, ev)
	}
	return nil
}

// syncStats pulls the latest container statistics for RUNNING sessions
// and persists them per kernel.
func (r *Reconciler) syncStats(ctx context.Context) error {
	views, err := r.reg.ListSessionsByStatus(ctx, types.SessionRunning)
	if err != nil {
		return err
	}
	byAddr := make(map[string][]uuid.UUID)
	for _, view := range views {
		for i := range view.Kernels {
			k := &view.Kernels[i]
			if k.AgentAddr != "" {
				byAddr[k.AgentAddr] = append(byAddr[k.AgentAddr], k.ID)
			}
		}
	}
	for addr, ids := range byAddr {
		stats, err := r.agents.GatherStats(ctx, addr, ids)
		if err != nil {
			r.logger.Warn().Err(err).Str("agent_addr", addr).Msg("failed to gather kernel stats")
			continue
		}
		for _, st := range stats {
			if len(st.LastStat) == 0 {
				continue
			}
			if err := r.reg.UpdateKernelLastStat(ctx, st.KernelID, st.LastStat); err != nil {
				r.logger.Error().Err(err).Stringer("kernel_id", st.KernelID).Msg("failed to store kernel stats")
			}
		}
	}
	return nil
}
