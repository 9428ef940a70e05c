package types

// SessionStatus is the lifecycle state of a session. Transitions are
// monotonic except the explicit rollback to CANCELLED.
type SessionStatus string

const (
	SessionPending     SessionStatus = "PENDING"
	SessionScheduled   SessionStatus = "SCHEDULED"
	SessionPreparing   SessionStatus = "PREPARING"
	SessionPrepared    SessionStatus = "PREPARED"
	SessionCreating    SessionStatus = "CREATING"
	SessionRunning     SessionStatus = "RUNNING"
	SessionTerminating SessionStatus = "TERMINATING"
	SessionTerminated  SessionStatus = "TERMINATED"
	SessionCancelled   SessionStatus = "CANCELLED"
)

// KernelStatus mirrors SessionStatus at container granularity.
type KernelStatus string

const (
	KernelPending     KernelStatus = "PENDING"
	KernelScheduled   KernelStatus = "SCHEDULED"
	KernelPreparing   KernelStatus = "PREPARING"
	KernelPrepared    KernelStatus = "PREPARED"
	KernelCreating    KernelStatus = "CREATING"
	KernelRunning     KernelStatus = "RUNNING"
	KernelTerminating KernelStatus = "TERMINATING"
	KernelTerminated  KernelStatus = "TERMINATED"
	KernelCancelled   KernelStatus = "CANCELLED"
)

// OccupyingStatuses are the session states that hold agent reservations
// and count against an access key's concurrency limit.
var OccupyingStatuses = []SessionStatus{
	SessionScheduled,
	SessionPreparing,
	SessionPrepared,
	SessionCreating,
	SessionRunning,
	SessionTerminating,
}

// IsOccupying reports whether the status holds reservations.
func (s SessionStatus) IsOccupying() bool {
	for _, st := range OccupyingStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionTerminated || s == SessionCancelled
}

// kernelStatusRank orders kernel states for the join computation. Higher
// rank means further along the lifecycle.
var kernelStatusRank = map[KernelStatus]int{
	KernelPending:     0,
	KernelScheduled:   1,
	KernelPreparing:   2,
	KernelPrepared:    3,
	KernelCreating:    4,
	KernelRunning:     5,
	KernelTerminating: 6,
	KernelTerminated:  7,
	KernelCancelled:   8,
}

// JoinKernelStatuses derives a session status from its kernel statuses.
//
// Rules: PENDING if any kernel is PENDING; RUNNING iff all are RUNNING;
// TERMINATED iff all are TERMINATED; CANCELLED iff all are CANCELLED or
// TERMINATED with at least one CANCELLED. Otherwise TERMINATING wins over
// any other mixture, and for forward mixtures the least-advanced kernel
// dictates the session stage.
func JoinKernelStatuses(statuses []KernelStatus) SessionStatus {
	if len(statuses) == 0 {
		return SessionPending
	}

	var (
		anyPending     bool
		anyTerminating bool
		allTerminated  = true
		allRunning     = true
		anyCancelled   bool
		allFinal       = true
	)
	minRank := kernelStatusRank[KernelCancelled]
	for _, st := range statuses {
		switch st {
		case KernelPending:
			anyPending = true
		case KernelTerminating:
			anyTerminating = true
		case KernelCancelled:
			anyCancelled = true
		}
		if st != KernelTerminated {
			allTerminated = false
		}
		if st != KernelRunning {
			allRunning = false
		}
		if st != KernelTerminated && st != KernelCancelled {
			allFinal = false
		}
		if r := kernelStatusRank[st]; r < minRank {
			minRank = r
		}
	}

	switch {
	case anyPending:
		return SessionPending
	case allFinal && anyCancelled:
		return SessionCancelled
	case allTerminated:
		return SessionTerminated
	case allRunning:
		return SessionRunning
	case anyTerminating:
		return SessionTerminating
	}

	// Forward mixture: the slowest kernel decides.
	switch minRank {
	case kernelStatusRank[KernelScheduled]:
		return SessionScheduled
	case kernelStatusRank[KernelPreparing]:
		return SessionPreparing
	case kernelStatusRank[KernelPrepared]:
		return SessionPrepared
	case kernelStatusRank[KernelCreating]:
		return SessionCreating
	default:
		return SessionRunning
	}
}
