package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sokovan-io/sokovan/pkg/resources"
	"github.com/sokovan-io/sokovan/pkg/types"
)

// LoadCandidateAgents returns ALIVE, schedulable agents of the scaling
// group with non-zero free capacity, optionally filtered by architecture.
func (p *PG) LoadCandidateAgents(ctx context.Context, scalingGroup, architecture string) ([]*types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents
		WHERE scaling_group = $1 AND status = $2 AND schedulable`
	args := []any{scalingGroup, types.AgentAlive}
	if architecture != "" {
		query += ` AND architecture = $3`
		args = append(args, architecture)
	}
	query += ` ORDER BY id`

	var rows []agentRow
	err := p.withReadRetry(ctx, func() error {
		rows = rows[:0]
		return sqlx.SelectContext(ctx, p.db, &rows, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate agents: %w", err)
	}

	agents := make([]*types.Agent, 0, len(rows))
	for i := range rows {
		a := rows[i].toAgent()
		if a.FreeSlots().IsZero() {
			continue
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// ListAgents returns every agent of a scaling group, or all agents when
// the group is empty.
func (p *PG) ListAgents(ctx context.Context, scalingGroup string) ([]*types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if scalingGroup != "" {
		query += ` WHERE scaling_group = $1`
		args = append(args, scalingGroup)
	}
	query += ` ORDER BY id`

	var rows []agentRow
	err := p.withReadRetry(ctx, func() error {
		rows = rows[:0]
		return sqlx.SelectContext(ctx, p.db, &rows, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	agents := make([]*types.Agent, 0, len(rows))
	for i := range rows {
		agents = append(agents, rows[i].toAgent())
	}
	return agents, nil
}

// ReserveAgent atomically credits occupied_slots under a row lock. It
// fails with InsufficientResourceError when the request does not fit and
// AgentLostError when the agent is not ALIVE.
func (p *PG) ReserveAgent(ctx context.Context, scalingGroup, agentID string, slots resources.Slots) (AgentAllocCtx, error) {
	var alloc AgentAllocCtx
	err := p.InTransaction(ctx, func(tx Registry) error {
		txp := tx.(*PG)
		var row agentRow
		err := sqlx.GetContext(ctx, txp.db, &row,
			`SELECT `+agentColumns+` FROM agents
			 WHERE id = $1 AND scaling_group = $2 FOR UPDATE`,
			agentID, scalingGroup)
		if errors.Is(err, sql.ErrNoRows) {
			return &types.AgentLostError{AgentID: agentID}
		}
		if err != nil {
			return fmt.Errorf("failed to lock agent: %w", err)
		}
		agent := row.toAgent()
		if agent.Status != types.AgentAlive {
			return &types.AgentLostError{AgentID: agentID}
		}
		if _, err := agent.FreeSlots().Sub(slots); err != nil {
			return err
		}
		occupied := agent.OccupiedSlots.Add(slots)
		if _, err := txp.db.ExecContext(ctx,
			`UPDATE agents SET occupied_slots = $2 WHERE id = $1`,
			agentID, occupied); err != nil {
			return fmt.Errorf("failed to update agent occupancy: %w", err)
		}
		alloc = AgentAllocCtx{AgentID: agent.ID, AgentAddr: agent.Addr, Allocated: slots.Clone()}
		return nil
	})
	return alloc, err
}

// ReleaseAgent symmetrically returns slots to an agent. Releasing below
// zero is clamped and reported as a consistency error in the log; it must
// never block a termination path.
func (p *PG) ReleaseAgent(ctx context.Context, agentID string, slots resources.Slots) error {
	return p.InTransaction(ctx, func(tx Registry) error {
		txp := tx.(*PG)
		var row agentRow
		err := sqlx.GetContext(ctx, txp.db, &row,
			`SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, agentID)
		if errors.Is(err, sql.ErrNoRows) {
			// Agent deregistered while holding our reservation; the
			// occupancy died with the row.
			txp.logger.Warn().Str("agent_id", agentID).Msg("releasing slots on a deregistered agent")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock agent: %w", err)
		}
		occupied, err := row.OccupiedSlots.Sub(slots)
		if err != nil {
			cerr := &types.ConsistencyError{
				Detail: fmt.Sprintf("agent %s occupancy underflow releasing %s from %s",
					agentID, slots, row.OccupiedSlots),
			}
			txp.logger.Error().Err(cerr).Msg("clamping agent occupancy at zero")
			occupied = resources.Slots{}
			for k, v := range row.OccupiedSlots {
				rel := slots.Get(k)
				if v.GreaterThan(rel) {
					occupied[k] = v.Sub(rel)
				}
			}
		}
		if _, err := txp.db.ExecContext(ctx,
			`UPDATE agents SET occupied_slots = $2 WHERE id = $1`,
			agentID, occupied); err != nil {
			return fmt.Errorf("failed to update agent occupancy: %w", err)
		}
		return nil
	})
}

// MarkAgentStatus transitions an agent's liveness state.
func (p *PG) MarkAgentStatus(ctx context.Context, agentID string, status types.AgentStatus) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE agents SET status = $2 WHERE id = $1`, agentID, status)
	if err != nil {
		return fmt.Errorf("failed to mark agent status: %w", err)
	}
	return nil
}

// SyncAgentHeartbeat refreshes liveness, capacity and container count from
// an agent heartbeat. Occupied slots are owned by the reservation path and
// deliberately untouched here.
func (p *PG) SyncAgentHeartbeat(ctx context.Context, agentID string, availableSlots resources.Slots, containerCount int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE agents
		SET available_slots = $2, container_count = $3, last_heartbeat = now(),
		    status = CASE WHEN status = 'LOST' THEN 'ALIVE' ELSE status END
		WHERE id = $1`,
		agentID, availableSlots, containerCount)
	if err != nil {
		return fmt.Errorf("failed to sync agent heartbeat: %w", err)
	}
	return nil
}

// OccupancyByAccessKey aggregates occupied slots per access key within a
// scaling group, the DRF snapshot taken at tick start.
func (p *PG) OccupancyByAccessKey(ctx context.Context, scalingGroup string) (map[string]resources.Slots, error) {
	type occRow struct {
		AccessKey string          `db:"access_key"`
		Slots     resources.Slots `db:"slots"`
	}
	var rows []occRow
	query, args, err := sqlx.In(`
		SELECT s.access_key AS access_key, k.requested_slots AS slots
		FROM sessions s JOIN kernels k ON k.session_id = s.id
		WHERE s.scaling_group = ? AND s.status IN (?) AND NOT k.resources_released AND k.agent_id IS NOT NULL`,
		scalingGroup, types.OccupyingStatuses)
	if err != nil {
		return nil, err
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)
	err = p.withReadRetry(ctx, func() error {
		rows = rows[:0]
		return sqlx.SelectContext(ctx, p.db, &rows, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot occupancy: %w", err)
	}
	out := make(map[string]resources.Slots)
	for i := range rows {
		out[rows[i].AccessKey] = out[rows[i].AccessKey].Add(rows[i].Slots)
	}
	return out, nil
}

// GetScalingGroup loads one scaling group's scheduler configuration.
func (p *PG) GetScalingGroup(ctx context.Context, name string) (*types.ScalingGroup, error) {
	type sgRow struct {
		Name      string `db:"name"`
		Scheduler string `db:"scheduler"`
		Opts      []byte `db:"scheduler_opts"`
	}
	var row sgRow
	err := p.withReadRetry(ctx, func() error {
		return sqlx.GetContext(ctx, p.db, &row,
			`SELECT name, scheduler, scheduler_opts FROM scaling_groups WHERE name = $1`, name)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scaling group not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scaling group: %w", err)
	}
	sg := &types.ScalingGroup{Name: row.Name, Scheduler: types.SchedulerStrategy(row.Scheduler)}
	if len(row.Opts) > 0 {
		if err := json.Unmarshal(row.Opts, &sg.Opts); err != nil {
			return nil, fmt.Errorf("scaling group %s: bad scheduler_opts: %w", name, err)
		}
	}
	return sg, nil
}

// ListScalingGroups returns every scaling group.
func (p *PG) ListScalingGroups(ctx context.Context) ([]types.ScalingGroup, error) {
	type sgRow struct {
		Name      string `db:"name"`
		Scheduler string `db:"scheduler"`
		Opts      []byte `db:"scheduler_opts"`
	}
	var rows []sgRow
	err := p.withReadRetry(ctx, func() error {
		rows = rows[:0]
		return sqlx.SelectContext(ctx, p.db, &rows,
			`SELECT name, scheduler, scheduler_opts FROM scaling_groups ORDER BY name`)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list scaling groups: %w", err)
	}
	out := make([]types.ScalingGroup, 0, len(rows))
	for _, row := range rows {
		sg := types.ScalingGroup{Name: row.Name, Scheduler: types.SchedulerStrategy(row.Scheduler)}
		if len(row.Opts) > 0 {
			if err := json.Unmarshal(row.Opts, &sg.Opts); err != nil {
				return nil, fmt.Errorf("scaling group %s: bad scheduler_opts: %w", row.Name, err)
			}
		}
		out = append(out, sg)
	}
	return out, nil
}
