package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sokovan-io/sokovan/pkg/types"
)

// DequeuePending returns pending sessions of one scaling group in queue
// order. DRF fetches in submission order; the sequencer reorders it
// in-memory from the occupancy snapshot.
func (p *PG) DequeuePending(ctx context.Context, scalingGroup string, strategy types.SchedulerStrategy, limit int) ([]*SessionView, error) {
	order := "priority DESC, created_at ASC"
	if strategy == types.StrategyLIFO {
		order = "priority DESC, created_at DESC"
	}
	query := fmt.Sprintf(
		`SELECT %s FROM sessions WHERE scaling_group = $1 AND status = $2 ORDER BY %s LIMIT $3`,
		sessionColumns, order,
	)

	var rows []sessionRow
	err := p.withReadRetry(ctx, func() error {
		rows = rows[:0]
		return sqlx.SelectContext(ctx, p.db, &rows, query, scalingGroup, types.SessionPending, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue pending sessions: %w", err)
	}
	return p.viewsFromRows(ctx, rows)
}

// CreateSession inserts a PENDING session with its kernels. Used by the
// endpoint scale-up consumer; interactive sessions arrive through the API
// layer instead.
func (p *PG) CreateSession(ctx context.Context, view *SessionView) error {
	sess := view.Session
	mounts, err := json.Marshal(sess.Mounts)
	if err != nil {
		return fmt.Errorf("failed to encode mounts: %w", err)
	}
	env, err := json.Marshal(sess.Env)
	if err != nil {
		return fmt.Errorf("failed to encode env: %w", err)
	}
	ports, err := json.Marshal(sess.PreopenPorts)
	if err != nil {
		return fmt.Errorf("failed to encode preopen_ports: %w", err)
	}
	return p.InTransaction(ctx, func(tx Registry) error {
		txp := tx.(*PG)
		if _, err := txp.db.ExecContext(ctx, `
			INSERT INTO sessions (id, name, type, cluster_mode, cluster_size, priority,
			                      requested_slots, user_uuid, access_key, domain, group_id,
			                      scaling_group, status, starts_at, preopen_ports, mounts,
			                      env, image, architecture, is_private)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			        $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
			sess.ID, sess.Name, sess.Type, sess.ClusterMode, sess.ClusterSize, sess.Priority,
			sess.RequestedSlots, sess.UserUUID, sess.AccessKey, sess.Domain, sess.GroupID,
			sess.ScalingGroup, types.SessionPending, sess.StartsAt, ports, mounts,
			env, sess.Image.Canonical, sess.Image.Architecture, sess.IsPrivate); err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		for i := range view.Kernels {
			k := view.Kernels[i]
			if _, err := txp.db.ExecContext(ctx, `
				INSERT INTO kernels (id, session_id, role, idx, architecture, image, requested_slots)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				k.ID, sess.ID, k.Role, k.Index, k.Architecture, k.Image.Canonical, k.RequestedSlots); err != nil {
				return fmt.Errorf("failed to insert kernel %s: %w", k.ID, err)
			}
		}
		return nil
	})
}

// GetSession loads one session with its kernels.
func (p *PG) GetSession(ctx context.Context, sessionID uuid.UUID) (*SessionView, error) {
	var row sessionRow
	err := p.withReadRetry(ctx, func() error {
		return sqlx.GetContext(ctx, p.db, &row,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	views, err := p.viewsFromRows(ctx, []sessionRow{row})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

// ListSessionsByStatus returns every session currently in the given state.
func (p *PG) ListSessionsByStatus(ctx context.Context, status types.SessionStatus) ([]*SessionView, error) {
	var rows []sessionRow
	err := p.withReadRetry(ctx, func() error {
		rows = rows[:0]
		return sqlx.SelectContext(ctx, p.db, &rows,
			`SELECT `+sessionColumns+` FROM sessions WHERE status = $1 ORDER BY created_at`, status)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions by status: %w", err)
	}
	return p.viewsFromRows(ctx, rows)
}

// ListStuckSessions returns sessions sitting in one of the given states
// longer than the hang tolerance, measured from their last transition.
func (p *PG) ListStuckSessions(ctx context.Context, statuses []types.SessionStatus, olderThan time.Duration) ([]*SessionView, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN (?)
		  AND coalesce((status_history -> -1 ->> 'at')::timestamptz, created_at) < ?
		ORDER BY created_at`,
		statuses, time.Now().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)

	var rows []sessionRow
	if err := sqlx.SelectContext(ctx, p.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list stuck sessions: %w", err)
	}
	return p.viewsFromRows(ctx, rows)
}

// markStatusQuery appends to status_history and updates the live columns
// in one statement.
const markSessionStatusQuery = `
	UPDATE sessions
	SET status = $2,
	    status_reason = $3,
	    status_history = status_history || jsonb_build_array(
	        jsonb_build_object('status', $2::text, 'at', now(), 'reason', $3::text)),
	    terminated_at = CASE WHEN $2 IN ('TERMINATED', 'CANCELLED') THEN now() ELSE terminated_at END
	WHERE id = $1`

// MarkSessionStatus records a session transition with history.
func (p *PG) MarkSessionStatus(ctx context.Context, sessionID uuid.UUID, status types.SessionStatus, reason string) error {
	res, err := p.db.ExecContext(ctx, markSessionStatusQuery, sessionID, status, reason)
	if err != nil {
		return fmt.Errorf("failed to mark session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrSessionNotFound
	}
	return nil
}

// MarkKernelStatus records a kernel transition.
func (p *PG) MarkKernelStatus(ctx context.Context, kernelID uuid.UUID, status types.KernelStatus, reason string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE kernels SET status = $2, status_reason = $3 WHERE id = $1`,
		kernelID, status, reason)
	if err != nil {
		return fmt.Errorf("failed to mark kernel status: %w", err)
	}
	return nil
}

// UpdateSessionSchedulingFailure records a soft scheduling failure and
// burns one retry. The session stays PENDING.
func (p *PG) UpdateSessionSchedulingFailure(ctx context.Context, sessionID uuid.UUID, msg string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE sessions
		SET retries = retries + 1,
		    status_reason = $2,
		    status_history = status_history || jsonb_build_array(
		        jsonb_build_object('status', status, 'at', now(), 'reason', $2::text))
		WHERE id = $1`,
		sessionID, msg)
	if err != nil {
		return fmt.Errorf("failed to record scheduling failure: %w", err)
	}
	return nil
}

// UpdateKernelSchedulingFailure records a per-kernel placement failure on
// a multi-node session and burns one session retry.
func (p *PG) UpdateKernelSchedulingFailure(ctx context.Context, sessionID, kernelID uuid.UUID, msg string) error {
	return p.InTransaction(ctx, func(tx Registry) error {
		txp := tx.(*PG)
		if _, err := txp.db.ExecContext(ctx,
			`UPDATE kernels SET status_reason = $2 WHERE id = $1`, kernelID, msg); err != nil {
			return fmt.Errorf("failed to record kernel scheduling failure: %w", err)
		}
		return txp.UpdateSessionSchedulingFailure(ctx, sessionID, msg)
	})
}

// UpdateKernelLastStat persists the latest runtime statistics snapshot.
func (p *PG) UpdateKernelLastStat(ctx context.Context, kernelID uuid.UUID, stat []byte) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE kernels SET last_stat = $2 WHERE id = $1`, kernelID, stat)
	if err != nil {
		return fmt.Errorf("failed to update kernel last_stat: %w", err)
	}
	return nil
}

// finalizeGuard locks the session row and reports whether it still awaits
// finalization. A session already past PENDING makes re-finalization a
// no-op.
type finalizeGuard struct {
	Status    string `db:"status"`
	AccessKey string `db:"access_key"`
	IsPrivate bool   `db:"is_private"`
}

func (p *PG) lockForFinalize(ctx context.Context, sessionID uuid.UUID) (*finalizeGuard, error) {
	var guard finalizeGuard
	err := sqlx.GetContext(ctx, p.db, &guard,
		`SELECT status, access_key, is_private FROM sessions WHERE id = $1 FOR UPDATE`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}
	return &guard, nil
}

// FinalizeSingleNodeSession writes the single reservation to every kernel,
// transitions the session to SCHEDULED, and charges the keypair's
// concurrency bucket. Re-applying after a successful commit is a no-op.
func (p *PG) FinalizeSingleNodeSession(ctx context.Context, sessionID uuid.UUID, alloc AgentAllocCtx) error {
	return p.InTransaction(ctx, func(tx Registry) error {
		txp := tx.(*PG)
		guard, err := txp.lockForFinalize(ctx, sessionID)
		if err != nil {
			return err
		}
		if types.SessionStatus(guard.Status) != types.SessionPending {
			// Already finalized by a previous commit.
			return nil
		}
		if _, err := txp.db.ExecContext(ctx, `
			UPDATE kernels SET agent_id = $2, agent_addr = $3, status = $4
			WHERE session_id = $1`,
			sessionID, alloc.AgentID, alloc.AgentAddr, types.KernelScheduled); err != nil {
			return fmt.Errorf("failed to assign kernels: %w", err)
		}
		if err := txp.MarkSessionStatus(ctx, sessionID, types.SessionScheduled, "scheduled"); err != nil {
			return err
		}
		return txp.IncrConcurrency(ctx, guard.AccessKey, guard.IsPrivate)
	})
}

// FinalizeMultiNodeSession writes per-kernel reservations and transitions
// the session to SCHEDULED. Idempotent like the single-node variant.
func (p *PG) FinalizeMultiNodeSession(ctx context.Context, sessionID uuid.UUID, bindings []KernelBinding) error {
	return p.InTransaction(ctx, func(tx Registry) error {
		txp := tx.(*PG)
		guard, err := txp.lockForFinalize(ctx, sessionID)
		if err != nil {
			return err
		}
		if types.SessionStatus(guard.Status) != types.SessionPending {
			return nil
		}
		for _, b := range bindings {
			if _, err := txp.db.ExecContext(ctx, `
				UPDATE kernels SET agent_id = $2, agent_addr = $3, status = $4
				WHERE id = $1`,
				b.KernelID, b.Alloc.AgentID, b.Alloc.AgentAddr, types.KernelScheduled); err != nil {
				return fmt.Errorf("failed to assign kernel %s: %w", b.KernelID, err)
			}
		}
		if err := txp.MarkSessionStatus(ctx, sessionID, types.SessionScheduled, "scheduled"); err != nil {
			return err
		}
		return txp.IncrConcurrency(ctx, guard.AccessKey, guard.IsPrivate)
	})
}

// ReleaseSessionResources returns every kernel's reservation to its agent.
// A per-kernel released flag keeps the operation idempotent under repeated
// sweeps.
func (p *PG) ReleaseSessionResources(ctx context.Context, sessionID uuid.UUID) error {
	return p.InTransaction(ctx, func(tx Registry) error {
		txp := tx.(*PG)
		var rows []kernelRow
		if err := sqlx.SelectContext(ctx, txp.db, &rows, `
			SELECT `+kernelColumns+` FROM kernels
			WHERE session_id = $1 AND agent_id IS NOT NULL AND NOT resources_released
			FOR UPDATE`, sessionID); err != nil {
			return fmt.Errorf("failed to load kernels for release: %w", err)
		}
		for i := range rows {
			k := rows[i]
			if err := txp.ReleaseAgent(ctx, k.AgentID.String, k.RequestedSlots); err != nil {
				return err
			}
			if _, err := txp.db.ExecContext(ctx,
				`UPDATE kernels SET resources_released = TRUE WHERE id = $1`, k.ID); err != nil {
				return fmt.Errorf("failed to flag kernel release: %w", err)
			}
		}
		return nil
	})
}
