package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sokovan-io/sokovan/pkg/resources"
)

// SessionType classifies user workloads.
type SessionType string

const (
	SessionInteractive SessionType = "interactive"
	SessionBatch       SessionType = "batch"
	SessionInference   SessionType = "inference"
)

// ClusterMode selects single- or multi-container topology for a session.
type ClusterMode string

const (
	ClusterSingleNode ClusterMode = "single-node"
	ClusterMultiNode  ClusterMode = "multi-node"
)

// KernelRole distinguishes the main kernel from its cluster sub-kernels.
type KernelRole string

const (
	KernelRoleMain KernelRole = "main"
	KernelRoleSub  KernelRole = "sub"
)

// StatusEntry is one timestamped transition in a session's history.
type StatusEntry struct {
	Status SessionStatus `json:"status"`
	At     time.Time     `json:"at"`
	Reason string        `json:"reason,omitempty"`
}

// Mount references a virtual folder mounted into every kernel of a
// session, with an optional in-container alias.
type Mount struct {
	VFolderID uuid.UUID `json:"vfolder_id"`
	Name      string    `json:"name"`
	Alias     string    `json:"alias,omitempty"`
	Perm      string    `json:"perm"`
}

// ImageRef names a container image together with its target architecture.
type ImageRef struct {
	Canonical    string `json:"canonical"`
	Architecture string `json:"architecture"`
}

// Session is the user-visible unit of compute work, composed of one or
// more kernels.
type Session struct {
	ID             uuid.UUID
	Name           string
	Type           SessionType
	ClusterMode    ClusterMode
	ClusterSize    int
	Priority       int
	RequestedSlots resources.Slots

	// Ownership scope.
	UserUUID      uuid.UUID
	AccessKey     string
	Domain        string
	GroupID       uuid.UUID
	ScalingGroup  string

	Status        SessionStatus
	StatusReason  string
	StatusHistory []StatusEntry

	StartsAt     *time.Time // batch sessions only
	Dependencies []uuid.UUID
	PreopenPorts []int
	Mounts       []Mount
	Env          map[string]string
	Image        ImageRef
	Retries      int

	// IsPrivate marks system (SFTP) sessions that are billed against the
	// separate sftp concurrency limit.
	IsPrivate bool

	CreatedAt    time.Time
	TerminatedAt *time.Time
}

// Kernel is one container within a session.
type Kernel struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	Role           KernelRole
	Index          int
	Architecture   string
	Image          ImageRef
	RequestedSlots resources.Slots
	AgentID        string // empty until scheduled
	AgentAddr      string
	Status         KernelStatus
	StatusReason   string
	LastStat       json.RawMessage
	CreatedAt      time.Time
}

// AgentStatus is the liveness state of a compute node.
type AgentStatus string

const (
	AgentAlive      AgentStatus = "ALIVE"
	AgentLost       AgentStatus = "LOST"
	AgentTerminated AgentStatus = "TERMINATED"
)

// Agent is a compute node capable of hosting kernels.
type Agent struct {
	ID             string
	Addr           string
	ScalingGroup   string
	Architecture   string
	AvailableSlots resources.Slots
	OccupiedSlots  resources.Slots
	ContainerCount int
	Schedulable    bool
	Status         AgentStatus
	LastHeartbeat  time.Time
}

// FreeSlots returns the remaining capacity of the agent. Occupancy beyond
// capacity (bookkeeping drift) clamps to zero per dimension.
func (a *Agent) FreeSlots() resources.Slots {
	free, err := a.AvailableSlots.Sub(a.OccupiedSlots)
	if err != nil {
		free = resources.Slots{}
		for k, v := range a.AvailableSlots {
			occ := a.OccupiedSlots.Get(k)
			if v.GreaterThan(occ) {
				free[k] = v.Sub(occ)
			}
		}
	}
	return free
}

// Limitedness decides what a missing slot in a policy's total means.
type Limitedness string

const (
	// Limited treats unspecified slots as zero quota.
	Limited Limitedness = "LIMITED"
	// Unlimited treats unspecified slots as infinite quota.
	Unlimited Limitedness = "UNLIMITED"
)

// PolicyLimit is a discriminated union over a slot total and its
// interpretation of unspecified dimensions. It replaces attribute probing
// on loosely shaped policy rows.
type PolicyLimit struct {
	Total                 resources.Slots
	DefaultForUnspecified Limitedness
}

// Allows reports whether occupancy+requested fits under this limit.
// Under Unlimited, only dimensions present in Total are checked.
func (p PolicyLimit) Allows(occupied, requested resources.Slots) bool {
	projected := occupied.Add(requested)
	if p.DefaultForUnspecified == Unlimited {
		for k, v := range projected {
			limit, ok := p.Total[k]
			if !ok {
				continue
			}
			if v.GreaterThan(limit) {
				return false
			}
		}
		return true
	}
	return projected.LessOrEqual(p.Total)
}

// KeypairResourcePolicy bounds a single access key.
type KeypairResourcePolicy struct {
	Name                           string
	Limit                          PolicyLimit
	MaxConcurrentSessions          int
	MaxConcurrentSFTPSessions      int
	MaxPendingSessionCount         *int
	MaxPendingSessionResourceSlots resources.Slots // nil means unbounded
}

// UserResourcePolicy bounds all keypairs of one user.
type UserResourcePolicy struct {
	Name  string
	Limit PolicyLimit
}

// GroupResourcePolicy bounds a project/group. A nil Total means unlimited.
type GroupResourcePolicy struct {
	GroupID uuid.UUID
	Limit   *PolicyLimit
}

// DomainResourcePolicy bounds a domain. A nil Total means unlimited.
type DomainResourcePolicy struct {
	Domain string
	Limit  *PolicyLimit
}

// SchedulerStrategy orders the pending queue.
type SchedulerStrategy string

const (
	StrategyFIFO SchedulerStrategy = "fifo"
	StrategyLIFO SchedulerStrategy = "lifo"
	StrategyDRF  SchedulerStrategy = "drf"
)

// SelectorStrategy picks an agent among candidates.
type SelectorStrategy string

const (
	SelectorRoundRobin   SelectorStrategy = "round-robin"
	SelectorConcentrated SelectorStrategy = "concentrated"
	SelectorDispersed    SelectorStrategy = "dispersed"
	SelectorLegacy       SelectorStrategy = "legacy"
)

// ScalingGroupOpts tunes scheduling behavior per scaling group.
type ScalingGroupOpts struct {
	NumRetriesToSkip int              `json:"num_retries_to_skip"`
	AgentSelection   SelectorStrategy `json:"agent_selection_strategy"`
	// ContainerLimit caps containers per agent; zero disables the filter.
	ContainerLimit int `json:"container_limit"`
}

// ScalingGroup is a pool of agents sharing scheduler configuration.
type ScalingGroup struct {
	Name      string
	Scheduler SchedulerStrategy
	Opts      ScalingGroupOpts
}

// EndpointLifecycle is the inference endpoint stage.
type EndpointLifecycle string

const (
	EndpointCreated    EndpointLifecycle = "CREATED"
	EndpointDestroying EndpointLifecycle = "DESTROYING"
	EndpointDestroyed  EndpointLifecycle = "DESTROYED"
)

// Endpoint is an autoscaled inference service layered over sessions.
// The template fields describe the replica session spawned for each
// routing.
type Endpoint struct {
	ID        uuid.UUID
	Name      string
	Model     string
	Replicas  int
	Lifecycle EndpointLifecycle
	Retries   int

	Image          ImageRef
	RequestedSlots resources.Slots
	ScalingGroup   string
	AccessKey      string
	Domain         string
	GroupID        uuid.UUID
	UserUUID       uuid.UUID

	CreatedAt time.Time
}

// AutoscalingComparator compares a metric against its threshold.
type AutoscalingComparator string

const (
	CompareGreaterThan AutoscalingComparator = "gt"
	CompareLessThan    AutoscalingComparator = "lt"
)

// AutoscalingRule adjusts endpoint replicas when a metric crosses its
// threshold, at most once per cooldown window.
type AutoscalingRule struct {
	ID            uuid.UUID
	EndpointID    uuid.UUID
	Metric        string
	Threshold     float64
	Comparator    AutoscalingComparator
	StepSize      int // positive scales up, negative scales down
	MinReplicas   int
	MaxReplicas   int
	Cooldown      time.Duration
	LastTriggered *time.Time
}

// RouteStatus is the health state of one endpoint replica.
type RouteStatus string

const (
	RouteProvisioning RouteStatus = "PROVISIONING"
	RouteHealthy      RouteStatus = "HEALTHY"
	RouteUnhealthy    RouteStatus = "UNHEALTHY"
	RouteTerminating  RouteStatus = "TERMINATING"
)

// RouteActiveStatuses are the routing states counted against the
// endpoint's desired replicas.
var RouteActiveStatuses = []RouteStatus{RouteProvisioning, RouteHealthy}

// Routing pairs an endpoint with the session serving one replica.
type Routing struct {
	ID         uuid.UUID
	EndpointID uuid.UUID
	SessionID  uuid.UUID
	Status     RouteStatus
	CreatedAt  time.Time
}

// SessionDependency orders batch sessions after their prerequisites.
type SessionDependency struct {
	SessionID uuid.UUID
	DependsOn uuid.UUID
}
