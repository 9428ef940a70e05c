package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sokovan-io/sokovan/pkg/resources"
	"github.com/sokovan-io/sokovan/pkg/types"
)

type policyRow struct {
	Name                     string          `db:"name"`
	TotalResourceSlots       resources.Slots `db:"total_resource_slots"`
	DefaultForUnspecified    string          `db:"default_for_unspecified"`
	MaxConcurrentSessions    int             `db:"max_concurrent_sessions"`
	MaxConcurrentSFTP        int             `db:"max_concurrent_sftp_sessions"`
	MaxPendingSessionCount   sql.NullInt64   `db:"max_pending_session_count"`
	MaxPendingResourceSlots  []byte          `db:"max_pending_session_resource_slots"`
}

// occupiedSlotsFor sums requested slots of occupying sessions selected by
// an ownership column.
func (p *PG) occupiedSlotsFor(ctx context.Context, column string, value any) (resources.Slots, error) {
	query, args, err := sqlx.In(
		`SELECT requested_slots FROM sessions WHERE `+column+` = ? AND status IN (?)`,
		value, types.OccupyingStatuses)
	if err != nil {
		return nil, err
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)

	var slots []resources.Slots
	if err := sqlx.SelectContext(ctx, p.db, &slots, query, args...); err != nil {
		return nil, fmt.Errorf("failed to sum occupancy by %s: %w", column, err)
	}
	total := resources.Slots{}
	for _, s := range slots {
		total = total.Add(s)
	}
	return total, nil
}

// PrepareValidatorContext materializes every fact the admission predicates
// consult, so that predicate evaluation itself performs no I/O.
func (p *PG) PrepareValidatorContext(ctx context.Context, view *SessionView) (*ValidatorContext, error) {
	sess := view.Session
	vctx := &ValidatorContext{
		Now:     time.Now(),
		Session: view,
	}

	// Keypair policy via the keypair row.
	var kp policyRow
	err := sqlx.GetContext(ctx, p.db, &kp, `
		SELECT p.name, p.total_resource_slots, p.default_for_unspecified,
		       p.max_concurrent_sessions, p.max_concurrent_sftp_sessions,
		       p.max_pending_session_count, p.max_pending_session_resource_slots
		FROM keypairs k JOIN keypair_resource_policies p ON p.name = k.resource_policy
		WHERE k.access_key = $1`, sess.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair policy: %w", err)
	}
	vctx.KeypairPolicy = types.KeypairResourcePolicy{
		Name: kp.Name,
		Limit: types.PolicyLimit{
			Total:                 kp.TotalResourceSlots,
			DefaultForUnspecified: types.Limitedness(kp.DefaultForUnspecified),
		},
		MaxConcurrentSessions:     kp.MaxConcurrentSessions,
		MaxConcurrentSFTPSessions: kp.MaxConcurrentSFTP,
	}
	if kp.MaxPendingSessionCount.Valid {
		n := int(kp.MaxPendingSessionCount.Int64)
		vctx.KeypairPolicy.MaxPendingSessionCount = &n
	}
	if len(kp.MaxPendingResourceSlots) > 0 && string(kp.MaxPendingResourceSlots) != "null" {
		var s resources.Slots
		if err := s.Scan(kp.MaxPendingResourceSlots); err != nil {
			return nil, fmt.Errorf("bad max_pending_session_resource_slots: %w", err)
		}
		vctx.KeypairPolicy.MaxPendingSessionResourceSlots = s
	}

	// User policy applies at the user's main keypair; absent rows mean no
	// user-level cap.
	var up struct {
		Total   resources.Slots `db:"total_resource_slots"`
		Default string          `db:"default_for_unspecified"`
	}
	err = sqlx.GetContext(ctx, p.db, &up, `
		SELECT total_resource_slots, default_for_unspecified
		FROM user_resource_policies WHERE user_uuid = $1`, sess.UserUUID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load user policy: %w", err)
	default:
		vctx.UserLimit = &types.PolicyLimit{
			Total:                 up.Total,
			DefaultForUnspecified: types.Limitedness(up.Default),
		}
	}

	// Group and domain caps; NULL totals mean unlimited.
	var gp struct {
		Total   []byte `db:"total_resource_slots"`
		Default string `db:"default_for_unspecified"`
	}
	err = sqlx.GetContext(ctx, p.db, &gp, `
		SELECT total_resource_slots, default_for_unspecified
		FROM group_resource_policies WHERE group_id = $1`, sess.GroupID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load group policy: %w", err)
	default:
		if limit, err := limitFromNullable(gp.Total, gp.Default); err != nil {
			return nil, fmt.Errorf("bad group policy: %w", err)
		} else if limit != nil {
			vctx.GroupLimit = limit
		}
	}

	var dp struct {
		Total   []byte `db:"total_resource_slots"`
		Default string `db:"default_for_unspecified"`
	}
	err = sqlx.GetContext(ctx, p.db, &dp, `
		SELECT total_resource_slots, default_for_unspecified
		FROM domain_resource_policies WHERE domain = $1`, sess.Domain)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load domain policy: %w", err)
	default:
		if limit, err := limitFromNullable(dp.Total, dp.Default); err != nil {
			return nil, fmt.Errorf("bad domain policy: %w", err)
		} else if limit != nil {
			vctx.DomainLimit = limit
		}
	}

	// Occupancy snapshots per scope.
	if vctx.KeypairOccupied, err = p.occupiedSlotsFor(ctx, "access_key", sess.AccessKey); err != nil {
		return nil, err
	}
	if vctx.UserLimit != nil {
		if vctx.UserOccupied, err = p.occupiedSlotsFor(ctx, "user_uuid", sess.UserUUID); err != nil {
			return nil, err
		}
	}
	if vctx.GroupLimit != nil {
		if vctx.GroupOccupied, err = p.occupiedSlotsFor(ctx, "group_id", sess.GroupID); err != nil {
			return nil, err
		}
	}
	if vctx.DomainLimit != nil {
		if vctx.DomainOccupied, err = p.occupiedSlotsFor(ctx, "domain", sess.Domain); err != nil {
			return nil, err
		}
	}

	// Concurrency bucket from the fast counter.
	limit, used, err := p.CheckKeypairConcurrency(ctx, sess.AccessKey, sess.IsPrivate)
	if err != nil {
		return nil, err
	}
	vctx.ConcurrencyLimit = limit
	vctx.ConcurrencyUsed = used

	// Pending-queue pressure, excluding this session.
	var pending []struct {
		Slots resources.Slots `db:"requested_slots"`
	}
	if err := sqlx.SelectContext(ctx, p.db, &pending, `
		SELECT requested_slots FROM sessions
		WHERE access_key = $1 AND status = $2 AND id <> $3`,
		sess.AccessKey, types.SessionPending, sess.ID); err != nil {
		return nil, fmt.Errorf("failed to load pending sessions: %w", err)
	}
	vctx.PendingCount = len(pending)
	vctx.PendingSlots = resources.Slots{}
	for _, row := range pending {
		vctx.PendingSlots = vctx.PendingSlots.Add(row.Slots)
	}

	// Dependency states.
	var deps []struct {
		ID     uuid.UUID `db:"id"`
		Name   string    `db:"name"`
		Status string    `db:"status"`
	}
	if err := sqlx.SelectContext(ctx, p.db, &deps, `
		SELECT s.id, s.name, s.status
		FROM session_dependencies d JOIN sessions s ON s.id = d.depends_on
		WHERE d.session_id = $1`, sess.ID); err != nil {
		return nil, fmt.Errorf("failed to load dependencies: %w", err)
	}
	for _, d := range deps {
		vctx.Dependencies = append(vctx.Dependencies, DependencyState{
			SessionID: d.ID,
			Name:      d.Name,
			Status:    types.SessionStatus(d.Status),
		})
	}

	return vctx, nil
}

func limitFromNullable(total []byte, dflt string) (*types.PolicyLimit, error) {
	if len(total) == 0 || string(total) == "null" {
		return nil, nil
	}
	var s resources.Slots
	if err := s.Scan(total); err != nil {
		return nil, err
	}
	return &types.PolicyLimit{
		Total:                 s,
		DefaultForUnspecified: types.Limitedness(dflt),
	}, nil
}
