package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ValidationKind identifies which admission predicate refused a session.
type ValidationKind string

const (
	ValidationReservedBatch       ValidationKind = "reserved-batch-session"
	ValidationConcurrency         ValidationKind = "concurrency"
	ValidationDependencies        ValidationKind = "dependencies"
	ValidationKeypairResourceLimit ValidationKind = "keypair-resource-limit"
	ValidationUserResourceLimit   ValidationKind = "user-resource-limit"
	ValidationGroupResourceLimit  ValidationKind = "group-resource-limit"
	ValidationDomainResourceLimit ValidationKind = "domain-resource-limit"
	ValidationPendingCountLimit   ValidationKind = "pending-session-count-limit"
	ValidationPendingSlotLimit    ValidationKind = "pending-session-resource-limit"
	ValidationCluster             ValidationKind = "cluster-config"
	ValidationHook                ValidationKind = "hook"
)

// ValidationError is the umbrella for every predicate failure; Kind
// carries the specific sub-kind.
type ValidationError struct {
	Kind ValidationKind
	Msg  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("scheduling validation failed (%s): %s", e.Kind, e.Msg)
}

// AgentLostError is returned when an agent is gone or unreachable while a
// reservation or RPC targets it.
type AgentLostError struct {
	AgentID string
}

func (e *AgentLostError) Error() string {
	return fmt.Sprintf("agent lost: %s", e.AgentID)
}

// LockError reports a failed fail-fast acquisition of a distributed lock;
// the tick is skipped, never retried in place.
type LockError struct {
	Name string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("could not acquire distributed lock: %s", e.Name)
}

// ConsistencyError flags a violated bookkeeping invariant, e.g. a
// concurrency counter that disagrees with the session table. It triggers a
// rescan but never crashes a tick.
type ConsistencyError struct {
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation: %s", e.Detail)
}

// StorageBackendError relays a storage-proxy failure; fatal for the mount
// that requested it.
type StorageBackendError struct {
	Op     string
	Status int
	Detail string
}

func (e *StorageBackendError) Error() string {
	return fmt.Sprintf("storage backend error during %s (status %d): %s", e.Op, e.Status, e.Detail)
}

// ErrSessionNotFound is returned by registry lookups on a missing row.
var ErrSessionNotFound = errors.New("session not found")

// ErrEndpointNotFound is returned by registry lookups on a missing row.
var ErrEndpointNotFound = errors.New("endpoint not found")

// NotFoundError wraps a missing entity with its id for log context.
type NotFoundError struct {
	Entity string
	ID     uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}
