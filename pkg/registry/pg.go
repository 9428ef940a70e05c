package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/sokovan-io/sokovan/pkg/log"
	"github.com/sokovan-io/sokovan/pkg/resources"
	"github.com/sokovan-io/sokovan/pkg/types"
)

// MetricSource supplies the latest observed value of an endpoint metric,
// fed by the telemetry pipeline outside this package.
type MetricSource interface {
	EndpointMetric(ctx context.Context, endpointID uuid.UUID, metric string) (value float64, ok bool, err error)
}

// ConcurrencyStore is the fast-counter backend for keypair concurrency.
type ConcurrencyStore interface {
	Get(ctx context.Context, accessKey string, isPrivate bool) (int, error)
	Incr(ctx context.Context, accessKey string, isPrivate bool) error
	Decr(ctx context.Context, accessKey string, isPrivate bool) error
	Set(ctx context.Context, accessKey string, regular, private int) error
	Snapshot(ctx context.Context) (map[string]CounterPair, error)
}

// PG implements Registry over PostgreSQL, with the concurrency counters
// delegated to a fast key-value store.
type PG struct {
	db       sqlx.ExtContext
	root     *sqlx.DB // nil when scoped to a transaction
	counters ConcurrencyStore
	metrics  MetricSource
	logger   zerolog.Logger
}

// NewPG opens the relational store and wires the counter and metric
// backends.
func NewPG(dsn string, counters ConcurrencyStore, metrics MetricSource) (*PG, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &PG{
		db:       db,
		root:     db,
		counters: counters,
		metrics:  metrics,
		logger:   log.WithComponent("registry"),
	}, nil
}

// NewPGFromDB wraps an existing connection, used by tests.
func NewPGFromDB(db *sqlx.DB, counters ConcurrencyStore, metrics MetricSource) *PG {
	return &PG{
		db:       db,
		root:     db,
		counters: counters,
		metrics:  metrics,
		logger:   log.WithComponent("registry"),
	}
}

// SetMetricSource wires the autoscaler's metric backend after
// construction, once the connection it reads from exists.
func (p *PG) SetMetricSource(metrics MetricSource) {
	p.metrics = metrics
}

// Configure applies pool limits from the manager configuration.
func (p *PG) Configure(maxOpen, maxIdle int, maxLifetime time.Duration) {
	if p.root == nil {
		return
	}
	p.root.SetMaxOpenConns(maxOpen)
	p.root.SetMaxIdleConns(maxIdle)
	p.root.SetConnMaxLifetime(maxLifetime)
}

// DB exposes the root connection for components sharing the pool, such
// as the advisory lock backend.
func (p *PG) DB() *sqlx.DB {
	return p.root
}

// Close releases the connection pool.
func (p *PG) Close() error {
	if p.root == nil {
		return nil
	}
	return p.root.Close()
}

// InTransaction runs fn against a transaction-scoped registry. Nested
// calls reuse the enclosing transaction.
func (p *PG) InTransaction(ctx context.Context, fn func(tx Registry) error) error {
	if p.root == nil {
		return fn(p)
	}
	tx, err := p.root.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	scoped := &PG{db: tx, counters: p.counters, metrics: p.metrics, logger: p.logger}
	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			p.logger.Error().Err(rbErr).Msg("transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// withReadRetry retries transient read failures with bounded backoff and
// jitter. Writes are never retried here; their idempotence is handled at
// the statement level.
func (p *PG) withReadRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.MaxJitter(25*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil
		}),
	)
}

// --- row types ---

type sessionRow struct {
	ID             uuid.UUID       `db:"id"`
	Name           string          `db:"name"`
	Type           string          `db:"type"`
	ClusterMode    string          `db:"cluster_mode"`
	ClusterSize    int             `db:"cluster_size"`
	Priority       int             `db:"priority"`
	RequestedSlots resources.Slots `db:"requested_slots"`
	UserUUID       uuid.UUID       `db:"user_uuid"`
	AccessKey      string          `db:"access_key"`
	Domain         string          `db:"domain"`
	GroupID        uuid.UUID       `db:"group_id"`
	ScalingGroup   string          `db:"scaling_group"`
	Status         string          `db:"status"`
	StatusReason   string          `db:"status_reason"`
	StatusHistory  []byte          `db:"status_history"`
	StartsAt       *time.Time      `db:"starts_at"`
	PreopenPorts   []byte          `db:"preopen_ports"`
	Mounts         []byte          `db:"mounts"`
	Env            []byte          `db:"env"`
	Image          string          `db:"image"`
	Architecture   string          `db:"architecture"`
	Retries        int             `db:"retries"`
	IsPrivate      bool            `db:"is_private"`
	CreatedAt      time.Time       `db:"created_at"`
	TerminatedAt   *time.Time      `db:"terminated_at"`
}

func (r *sessionRow) toSession() (types.Session, error) {
	s := types.Session{
		ID:             r.ID,
		Name:           r.Name,
		Type:           types.SessionType(r.Type),
		ClusterMode:    types.ClusterMode(r.ClusterMode),
		ClusterSize:    r.ClusterSize,
		Priority:       r.Priority,
		RequestedSlots: r.RequestedSlots,
		UserUUID:       r.UserUUID,
		AccessKey:      r.AccessKey,
		Domain:         r.Domain,
		GroupID:        r.GroupID,
		ScalingGroup:   r.ScalingGroup,
		Status:         types.SessionStatus(r.Status),
		StatusReason:   r.StatusReason,
		StartsAt:       r.StartsAt,
		Image:          types.ImageRef{Canonical: r.Image, Architecture: r.Architecture},
		Retries:        r.Retries,
		IsPrivate:      r.IsPrivate,
		CreatedAt:      r.CreatedAt,
		TerminatedAt:   r.TerminatedAt,
	}
	if len(r.StatusHistory) > 0 {
		if err := json.Unmarshal(r.StatusHistory, &s.StatusHistory); err != nil {
			return s, fmt.Errorf("session %s: bad status_history: %w", r.ID, err)
		}
	}
	if len(r.PreopenPorts) > 0 {
		if err := json.Unmarshal(r.PreopenPorts, &s.PreopenPorts); err != nil {
			return s, fmt.Errorf("session %s: bad preopen_ports: %w", r.ID, err)
		}
	}
	if len(r.Mounts) > 0 {
		if err := json.Unmarshal(r.Mounts, &s.Mounts); err != nil {
			return s, fmt.Errorf("session %s: bad mounts: %w", r.ID, err)
		}
	}
	if len(r.Env) > 0 {
		if err := json.Unmarshal(r.Env, &s.Env); err != nil {
			return s, fmt.Errorf("session %s: bad env: %w", r.ID, err)
		}
	}
	return s, nil
}

type kernelRow struct {
	ID             uuid.UUID       `db:"id"`
	SessionID      uuid.UUID       `db:"session_id"`
	Role           string          `db:"role"`
	Index          int             `db:"idx"`
	Architecture   string          `db:"architecture"`
	Image          string          `db:"image"`
	RequestedSlots resources.Slots `db:"requested_slots"`
	AgentID        sql.NullString  `db:"agent_id"`
	AgentAddr      string          `db:"agent_addr"`
	Status         string          `db:"status"`
	StatusReason   string          `db:"status_reason"`
	LastStat       []byte          `db:"last_stat"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r *kernelRow) toKernel() types.Kernel {
	return types.Kernel{
		ID:             r.ID,
		SessionID:      r.SessionID,
		Role:           types.KernelRole(r.Role),
		Index:          r.Index,
		Architecture:   r.Architecture,
		Image:          types.ImageRef{Canonical: r.Image, Architecture: r.Architecture},
		RequestedSlots: r.RequestedSlots,
		AgentID:        r.AgentID.String,
		AgentAddr:      r.AgentAddr,
		Status:         types.KernelStatus(r.Status),
		StatusReason:   r.StatusReason,
		LastStat:       r.LastStat,
		CreatedAt:      r.CreatedAt,
	}
}

type agentRow struct {
	ID             string          `db:"id"`
	Addr           string          `db:"addr"`
	ScalingGroup   string          `db:"scaling_group"`
	Architecture   string          `db:"architecture"`
	AvailableSlots resources.Slots `db:"available_slots"`
	OccupiedSlots  resources.Slots `db:"occupied_slots"`
	ContainerCount int             `db:"container_count"`
	Schedulable    bool            `db:"schedulable"`
	Status         string          `db:"status"`
	LastHeartbeat  time.Time       `db:"last_heartbeat"`
}

func (r *agentRow) toAgent() *types.Agent {
	return &types.Agent{
		ID:             r.ID,
		Addr:           r.Addr,
		ScalingGroup:   r.ScalingGroup,
		Architecture:   r.Architecture,
		AvailableSlots: r.AvailableSlots,
		OccupiedSlots:  r.OccupiedSlots,
		ContainerCount: r.ContainerCount,
		Schedulable:    r.Schedulable,
		Status:         types.AgentStatus(r.Status),
		LastHeartbeat:  r.LastHeartbeat,
	}
}

const sessionColumns = `id, name, type, cluster_mode, cluster_size, priority, requested_slots,
	user_uuid, access_key, domain, group_id, scaling_group, status, status_reason,
	status_history, starts_at, preopen_ports, mounts, env, image, architecture,
	retries, is_private, created_at, terminated_at`

const kernelColumns = `id, session_id, role, idx, architecture, image, requested_slots,
	agent_id, agent_addr, status, status_reason, last_stat, created_at`

const agentColumns = `id, addr, scaling_group, architecture, available_slots, occupied_slots,
	container_count, schedulable, status, last_heartbeat`

// loadKernels attaches kernels to session rows, ordered by kernel index.
func (p *PG) loadKernels(ctx context.Context, sessionIDs []uuid.UUID) (map[uuid.UUID][]types.Kernel, error) {
	if len(sessionIDs) == 0 {
		return map[uuid.UUID][]types.Kernel{}, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+kernelColumns+` FROM kernels WHERE session_id IN (?) ORDER BY session_id, idx`,
		sessionIDs,
	)
	if err != nil {
		return nil, err
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)

	var rows []kernelRow
	if err := sqlx.SelectContext(ctx, p.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load kernels: %w", err)
	}
	out := make(map[uuid.UUID][]types.Kernel, len(sessionIDs))
	for i := range rows {
		k := rows[i].toKernel()
		out[k.SessionID] = append(out[k.SessionID], k)
	}
	return out, nil
}

func (p *PG) viewsFromRows(ctx context.Context, rows []sessionRow) ([]*SessionView, error) {
	ids := make([]uuid.UUID, 0, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].ID)
	}
	kernels, err := p.loadKernels(ctx, ids)
	if err != nil {
		return nil, err
	}
	views := make([]*SessionView, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		views = append(views, &SessionView{Session: sess, Kernels: kernels[sess.ID]})
	}
	return views, nil
}
