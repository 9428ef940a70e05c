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

type endpointRow struct {
	ID             uuid.UUID       `db:"id"`
	Name           string          `db:"name"`
	Model          string          `db:"model"`
	Replicas       int             `db:"replicas"`
	Lifecycle      string          `db:"lifecycle"`
	Retries        int             `db:"retries"`
	Image          string          `db:"image"`
	Architecture   string          `db:"architecture"`
	RequestedSlots resources.Slots `db:"requested_slots"`
	ScalingGroup   string          `db:"scaling_group"`
	AccessKey      string          `db:"access_key"`
	Domain         string          `db:"domain"`
	GroupID        uuid.UUID       `db:"group_id"`
	UserUUID       uuid.UUID       `db:"user_uuid"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r *endpointRow) toEndpoint() types.Endpoint {
	return types.Endpoint{
		ID:             r.ID,
		Name:           r.Name,
		Model:          r.Model,
		Replicas:       r.Replicas,
		Lifecycle:      types.EndpointLifecycle(r.Lifecycle),
		Retries:        r.Retries,
		Image:          types.ImageRef{Canonical: r.Image, Architecture: r.Architecture},
		RequestedSlots: r.RequestedSlots,
		ScalingGroup:   r.ScalingGroup,
		AccessKey:      r.AccessKey,
		Domain:         r.Domain,
		GroupID:        r.GroupID,
		UserUUID:       r.UserUUID,
		CreatedAt:      r.CreatedAt,
	}
}

type routingRow struct {
	ID         uuid.UUID     `db:"id"`
	EndpointID uuid.UUID     `db:"endpoint_id"`
	SessionID  uuid.NullUUID `db:"session_id"`
	Status     string        `db:"status"`
	CreatedAt  time.Time     `db:"created_at"`
}

func (r *routingRow) toRouting() types.Routing {
	return types.Routing{
		ID:         r.ID,
		EndpointID: r.EndpointID,
		SessionID:  r.SessionID.UUID,
		Status:     types.RouteStatus(r.Status),
		CreatedAt:  r.CreatedAt,
	}
}

type autoscalingRuleRow struct {
	ID            uuid.UUID  `db:"id"`
	EndpointID    uuid.UUID  `db:"endpoint_id"`
	Metric        string     `db:"metric"`
	Threshold     float64    `db:"threshold"`
	Comparator    string     `db:"comparator"`
	StepSize      int        `db:"step_size"`
	MinReplicas   int        `db:"min_replicas"`
	MaxReplicas   int        `db:"max_replicas"`
	CooldownSec   int        `db:"cooldown_seconds"`
	LastTriggered *time.Time `db:"last_triggered"`
}

func (r *autoscalingRuleRow) toRule() types.AutoscalingRule {
	return types.AutoscalingRule{
		ID:            r.ID,
		EndpointID:    r.EndpointID,
		Metric:        r.Metric,
		Threshold:     r.Threshold,
		Comparator:    types.AutoscalingComparator(r.Comparator),
		StepSize:      r.StepSize,
		MinReplicas:   r.MinReplicas,
		MaxReplicas:   r.MaxReplicas,
		Cooldown:      time.Duration(r.CooldownSec) * time.Second,
		LastTriggered: r.LastTriggered,
	}
}

const endpointColumns = `id, name, model, replicas, lifecycle, retries,
	image, architecture, requested_slots, scaling_group,
	access_key, domain, group_id, user_uuid, created_at`

// GetEndpoint loads one endpoint with its routings.
func (p *PG) GetEndpoint(ctx context.Context, endpointID uuid.UUID) (*EndpointView, error) {
	var row endpointRow
	err := p.withReadRetry(ctx, func() error {
		return sqlx.GetContext(ctx, p.db, &row,
			`SELECT `+endpointColumns+` FROM endpoints WHERE id = $1`, endpointID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Entity: "endpoint", ID: endpointID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoint: %w", err)
	}
	var routes []routingRow
	if err := sqlx.SelectContext(ctx, p.db, &routes, `
		SELECT id, endpoint_id, session_id, status, created_at
		FROM routings WHERE endpoint_id = $1 ORDER BY created_at`, endpointID); err != nil {
		return nil, fmt.Errorf("failed to load routings: %w", err)
	}
	view := &EndpointView{Endpoint: row.toEndpoint()}
	for i := range routes {
		view.Routings = append(view.Routings, routes[i].toRouting())
	}
	return view, nil
}

// ListEndpointsByLifecycle returns endpoints in the given stage with
// their routings attached.
func (p *PG) ListEndpointsByLifecycle(ctx context.Context, stage types.EndpointLifecycle) ([]*EndpointView, error) {
	var eps []endpointRow
	err := p.withReadRetry(ctx, func() error {
		eps = eps[:0]
		return sqlx.SelectContext(ctx, p.db, &eps,
			`SELECT `+endpointColumns+` FROM endpoints WHERE lifecycle = $1 ORDER BY created_at`, stage)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	if len(eps) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(eps))
	for i := range eps {
		ids = append(ids, eps[i].ID)
	}
	query, args, err := sqlx.In(`
		SELECT id, endpoint_id, session_id, status, created_at
		FROM routings WHERE endpoint_id IN (?) ORDER BY created_at`, ids)
	if err != nil {
		return nil, err
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)
	var routes []routingRow
	if err := sqlx.SelectContext(ctx, p.db, &routes, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load routings: %w", err)
	}
	byEndpoint := make(map[uuid.UUID][]types.Routing, len(eps))
	for i := range routes {
		r := routes[i].toRouting()
		byEndpoint[r.EndpointID] = append(byEndpoint[r.EndpointID], r)
	}

	views := make([]*EndpointView, 0, len(eps))
	for i := range eps {
		ep := eps[i].toEndpoint()
		views = append(views, &EndpointView{Endpoint: ep, Routings: byEndpoint[ep.ID]})
	}
	return views, nil
}

// CreateRouting inserts a PROVISIONING routing for the endpoint. The
// session is attached later, when the replica session reaches RUNNING.
func (p *PG) CreateRouting(ctx context.Context, endpointID uuid.UUID) (*types.Routing, error) {
	route := types.Routing{
		ID:         uuid.New(),
		EndpointID: endpointID,
		Status:     types.RouteProvisioning,
		CreatedAt:  time.Now(),
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO routings (id, endpoint_id, status, created_at)
		VALUES ($1, $2, $3, $4)`,
		route.ID, route.EndpointID, route.Status, route.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create routing: %w", err)
	}
	return &route, nil
}

// BindRoutingSession attaches the replica session backing a routing.
func (p *PG) BindRoutingSession(ctx context.Context, routeID, sessionID uuid.UUID) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE routings SET session_id = $2 WHERE id = $1`, routeID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to bind routing session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &types.NotFoundError{Entity: "routing", ID: routeID}
	}
	return nil
}

// UpdateRouteStatus transitions one routing's health state.
func (p *PG) UpdateRouteStatus(ctx context.Context, routeID uuid.UUID, status types.RouteStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE routings SET status = $2 WHERE id = $1`, routeID, status)
	if err != nil {
		return fmt.Errorf("failed to update route status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &types.NotFoundError{Entity: "routing", ID: routeID}
	}
	return nil
}

// IncrementEndpointRetries burns one endpoint provisioning retry.
func (p *PG) IncrementEndpointRetries(ctx context.Context, endpointID uuid.UUID) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE endpoints SET retries = retries + 1 WHERE id = $1`, endpointID)
	if err != nil {
		return fmt.Errorf("failed to increment endpoint retries: %w", err)
	}
	return nil
}

// AutoscaleEndpoints evaluates every autoscaling rule of live endpoints
// against the metric source and adjusts replicas, honoring min/max bounds
// and per-rule cooldowns. It returns the number of replica adjustments.
func (p *PG) AutoscaleEndpoints(ctx context.Context, now time.Time) (int, error) {
	if p.metrics == nil {
		return 0, nil
	}
	var rules []autoscalingRuleRow
	err := p.withReadRetry(ctx, func() error {
		rules = rules[:0]
		return sqlx.SelectContext(ctx, p.db, &rules, `
			SELECT r.id, r.endpoint_id, r.metric, r.threshold, r.comparator,
			       r.step_size, r.min_replicas, r.max_replicas,
			       r.cooldown_seconds, r.last_triggered
			FROM endpoint_autoscaling_rules r
			JOIN endpoints e ON e.id = r.endpoint_id
			WHERE e.lifecycle = $1
			ORDER BY r.endpoint_id, r.id`, types.EndpointCreated)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load autoscaling rules: %w", err)
	}

	adjusted := 0
	for i := range rules {
		rule := rules[i].toRule()
		if rule.LastTriggered != nil && now.Sub(*rule.LastTriggered) < rule.Cooldown {
			continue
		}
		value, ok, err := p.metrics.EndpointMetric(ctx, rule.EndpointID, rule.Metric)
		if err != nil {
			p.logger.Warn().Err(err).
				Stringer("endpoint_id", rule.EndpointID).
				Str("metric", rule.Metric).
				Msg("metric lookup failed, skipping rule")
			continue
		}
		if !ok {
			continue
		}
		fired := false
		switch rule.Comparator {
		case types.CompareGreaterThan:
			fired = value > rule.Threshold
		case types.CompareLessThan:
			fired = value < rule.Threshold
		}
		if !fired {
			continue
		}

		err = p.InTransaction(ctx, func(tx Registry) error {
			txp := tx.(*PG)
			var replicas int
			if err := sqlx.GetContext(ctx, txp.db, &replicas,
				`SELECT replicas FROM endpoints WHERE id = $1 FOR UPDATE`, rule.EndpointID); err != nil {
				return fmt.Errorf("failed to lock endpoint: %w", err)
			}
			target := replicas + rule.StepSize
			if target < rule.MinReplicas {
				target = rule.MinReplicas
			}
			if target > rule.MaxReplicas {
				target = rule.MaxReplicas
			}
			if target == replicas {
				return nil
			}
			if _, err := txp.db.ExecContext(ctx,
				`UPDATE endpoints SET replicas = $2 WHERE id = $1`, rule.EndpointID, target); err != nil {
				return fmt.Errorf("failed to update endpoint replicas: %w", err)
			}
			if _, err := txp.db.ExecContext(ctx,
				`UPDATE endpoint_autoscaling_rules SET last_triggered = $2 WHERE id = $1`, rule.ID, now); err != nil {
				return fmt.Errorf("failed to stamp autoscaling rule: %w", err)
			}
			p.logger.Info().
				Stringer("endpoint_id", rule.EndpointID).
				Str("metric", rule.Metric).
				Float64("value", value).
				Int("replicas", target).
				Msg("autoscaled endpoint")
			adjusted++
			return nil
		})
		if err != nil {
			return adjusted, err
		}
	}
	return adjusted, nil
}

// CleanZombieRoutes deletes routings whose endpoint or session no longer
// exists, plus sessionless routings that are TERMINATING or stuck in
// PROVISIONING for over an hour, and returns the number removed. The
// stale-PROVISIONING case backstops the event bus: if the provisioning
// event was lost despite pending reclaim, the autoscale loop recreates
// the routing once this one is gone. Routings deliberately carry no
// foreign keys so replicas can outlive either side briefly.
func (p *PG) CleanZombieRoutes(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM routings r
		WHERE NOT EXISTS (SELECT 1 FROM endpoints e WHERE e.id = r.endpoint_id)
		   OR (r.session_id IS NOT NULL
		       AND NOT EXISTS (SELECT 1 FROM sessions s WHERE s.id = r.session_id))
		   OR (r.session_id IS NULL AND r.status = 'TERMINATING')
		   OR (r.session_id IS NULL AND r.status = 'PROVISIONING'
		       AND r.created_at < now() - interval '1 hour')`)
	if err != nil {
		return 0, fmt.Errorf("failed to clean zombie routes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DestroyTerminatedEndpointsAndRoutes finishes the DESTROYING stage:
// endpoints whose replicas are gone become DESTROYED and routings pointing
// at already-terminated sessions are removed.
func (p *PG) DestroyTerminatedEndpointsAndRoutes(ctx context.Context, endpointIDs []uuid.UUID, goneSessionIDs []uuid.UUID) error {
	return p.InTransaction(ctx, func(tx Registry) error {
		txp := tx.(*PG)
		if len(goneSessionIDs) > 0 {
			query, args, err := sqlx.In(
				`DELETE FROM routings WHERE session_id IN (?)`, goneSessionIDs)
			if err != nil {
				return err
			}
			query = sqlx.Rebind(sqlx.DOLLAR, query)
			if _, err := txp.db.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to delete dead routings: %w", err)
			}
		}
		if len(endpointIDs) > 0 {
			query, args, err := sqlx.In(
				`UPDATE endpoints SET lifecycle = ? WHERE id IN (?)`,
				types.EndpointDestroyed, endpointIDs)
			if err != nil {
				return err
			}
			query = sqlx.Rebind(sqlx.DOLLAR, query)
			if _, err := txp.db.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to destroy endpoints: %w", err)
			}
		}
		return nil
	})
}
