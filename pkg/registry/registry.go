package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sokovan-io/sokovan/pkg/resources"
	"github.com/sokovan-io/sokovan/pkg/types"
)

// SessionView is a session materialized together with its kernels, the
// shape every scheduler and reconciler stage works on.
type SessionView struct {
	Session types.Session
	Kernels []types.Kernel
}

// MainKernel returns the session's main kernel, or nil when the view is
// incomplete.
func (v *SessionView) MainKernel() *types.Kernel {
	for i := range v.Kernels {
		if v.Kernels[i].Role == types.KernelRoleMain {
			return &v.Kernels[i]
		}
	}
	return nil
}

// AgentAllocCtx records one successful reservation against an agent.
type AgentAllocCtx struct {
	AgentID   string
	AgentAddr string
	Allocated resources.Slots
}

// KernelBinding pairs a kernel with the reservation that will host it.
type KernelBinding struct {
	KernelID uuid.UUID
	Alloc    AgentAllocCtx
}

// EndpointView is an endpoint materialized with its routings.
type EndpointView struct {
	Endpoint types.Endpoint
	Routings []types.Routing
}

// ActiveRouteCount counts routings in PROVISIONING or HEALTHY state.
func (v *EndpointView) ActiveRouteCount() int {
	n := 0
	for _, r := range v.Routings {
		if r.Status == types.RouteProvisioning || r.Status == types.RouteHealthy {
			n++
		}
	}
	return n
}

// DependencyState is the observed status of one depended-on session.
type DependencyState struct {
	SessionID uuid.UUID
	Name      string
	Status    types.SessionStatus
}

// ValidatorContext carries everything the admission predicates need,
// pre-materialized so that predicates themselves never touch storage.
type ValidatorContext struct {
	Now     time.Time
	Session *SessionView

	KeypairPolicy types.KeypairResourcePolicy
	UserLimit     *types.PolicyLimit
	GroupLimit    *types.PolicyLimit
	DomainLimit   *types.PolicyLimit

	KeypairOccupied resources.Slots
	UserOccupied    resources.Slots
	GroupOccupied   resources.Slots
	DomainOccupied  resources.Slots

	// Concurrency of the (access_key, is_private) bucket from the fast
	// counter.
	ConcurrencyUsed  int
	ConcurrencyLimit int

	// Pending-queue pressure for the access key, excluding this session.
	PendingCount int
	PendingSlots resources.Slots

	Dependencies []DependencyState
}

// Registry is the single persistence boundary. The scheduler and
// reconciler never touch storage directly; every read and write goes
// through this interface. All mutations are transactional on the
// relational store.
type Registry interface {
	// InTransaction runs fn against a registry scoped to one relational
	// transaction. Reservations performed inside roll back together.
	InTransaction(ctx context.Context, fn func(tx Registry) error) error

	// Scheduling reads.
	DequeuePending(ctx context.Context, scalingGroup string, strategy types.SchedulerStrategy, limit int) ([]*SessionView, error)
	LoadCandidateAgents(ctx context.Context, scalingGroup, architecture string) ([]*types.Agent, error)
	PrepareValidatorContext(ctx context.Context, view *SessionView) (*ValidatorContext, error)
	GetScalingGroup(ctx context.Context, name string) (*types.ScalingGroup, error)
	ListScalingGroups(ctx context.Context) ([]types.ScalingGroup, error)
	// OccupancyByAccessKey snapshots occupied slots per access key within
	// one scaling group, used by the DRF sequencer at tick start.
	OccupancyByAccessKey(ctx context.Context, scalingGroup string) (map[string]resources.Slots, error)

	// Reservation bookkeeping.
	ReserveAgent(ctx context.Context, scalingGroup, agentID string, slots resources.Slots) (AgentAllocCtx, error)
	ReleaseAgent(ctx context.Context, agentID string, slots resources.Slots) error
	FinalizeSingleNodeSession(ctx context.Context, sessionID uuid.UUID, alloc AgentAllocCtx) error
	FinalizeMultiNodeSession(ctx context.Context, sessionID uuid.UUID, bindings []KernelBinding) error
	ReleaseSessionResources(ctx context.Context, sessionID uuid.UUID) error

	// Status transitions.
	MarkSessionStatus(ctx context.Context, sessionID uuid.UUID, status types.SessionStatus, reason string) error
	MarkKernelStatus(ctx context.Context, kernelID uuid.UUID, status types.KernelStatus, reason string) error
	UpdateSessionSchedulingFailure(ctx context.Context, sessionID uuid.UUID, msg string) error
	UpdateKernelSchedulingFailure(ctx context.Context, sessionID, kernelID uuid.UUID, msg string) error
	UpdateKernelLastStat(ctx context.Context, kernelID uuid.UUID, stat []byte) error

	// Lifecycle reads and writes.
	CreateSession(ctx context.Context, view *SessionView) error
	GetSession(ctx context.Context, sessionID uuid.UUID) (*SessionView, error)
	ListSessionsByStatus(ctx context.Context, status types.SessionStatus) ([]*SessionView, error)
	ListStuckSessions(ctx context.Context, statuses []types.SessionStatus, olderThan time.Duration) ([]*SessionView, error)

	// Agents.
	ListAgents(ctx context.Context, scalingGroup string) ([]*types.Agent, error)
	MarkAgentStatus(ctx context.Context, agentID string, status types.AgentStatus) error
	SyncAgentHeartbeat(ctx context.Context, agentID string, availableSlots resources.Slots, containerCount int) error

	// Inference endpoints.
	AutoscaleEndpoints(ctx context.Context, now time.Time) (int, error)
	GetEndpoint(ctx context.Context, endpointID uuid.UUID) (*EndpointView, error)
	ListEndpointsByLifecycle(ctx context.Context, stage types.EndpointLifecycle) ([]*EndpointView, error)
	CreateRouting(ctx context.Context, endpointID uuid.UUID) (*types.Routing, error)
	BindRoutingSession(ctx context.Context, routeID, sessionID uuid.UUID) error
	UpdateRouteStatus(ctx context.Context, routeID uuid.UUID, status types.RouteStatus) error
	IncrementEndpointRetries(ctx context.Context, endpointID uuid.UUID) error
	CleanZombieRoutes(ctx context.Context) (int, error)
	DestroyTerminatedEndpointsAndRoutes(ctx context.Context, endpointIDs []uuid.UUID, goneSessionIDs []uuid.UUID) error

	// Fast concurrency counters.
	CheckKeypairConcurrency(ctx context.Context, accessKey string, isPrivate bool) (limit, used int, err error)
	IncrConcurrency(ctx context.Context, accessKey string, isPrivate bool) error
	DecrConcurrency(ctx context.Context, accessKey string, isPrivate bool) error
	RescanConcurrency(ctx context.Context, accessKey string) error
	// DetectConcurrencyDrift reports access keys whose fast counters
	// disagree with the occupying-session counts in the sessions table.
	DetectConcurrencyDrift(ctx context.Context) ([]string, error)
}
