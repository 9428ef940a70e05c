// Package predicates holds the admission checks run before placement.
// Every predicate works on a pre-materialized ValidatorContext and never
// performs I/O; all of them run even after the first failure so the
// session's diagnosis lists everything that blocks it.
package predicates

import (
	"fmt"
	"strings"

	"github.com/sokovan-io/sokovan/pkg/registry"
	"github.com/sokovan-io/sokovan/pkg/types"
)

// Predicate decides whether a pending session is admissible right now.
// A failed check returns *types.ValidationError; any other error kind is
// a predicate bug.
type Predicate interface {
	Name() string
	Check(vctx *registry.ValidatorContext) error
}

// Engine runs the built-in predicate set plus any registered hooks.
type Engine struct {
	predicates []Predicate
}

// NewEngine assembles the default predicate set.
func NewEngine() *Engine {
	return &Engine{
		predicates: []Predicate{
			&ReservedBatchSession{},
			&Concurrency{},
			&Dependencies{},
			&KeypairResourceLimit{},
			&UserResourceLimit{},
			&GroupResourceLimit{},
			&DomainResourceLimit{},
			&PendingSessionCountLimit{},
			&PendingSessionResourceLimit{},
		},
	}
}

// RegisterHook appends an external admissibility check. Hook failures
// flow through the same ValidationError taxonomy as the built-ins.
func (e *Engine) RegisterHook(p Predicate) {
	e.predicates = append(e.predicates, p)
}

// Run evaluates every predicate and returns all failures.
func (e *Engine) Run(vctx *registry.ValidatorContext) []*types.ValidationError {
	var failures []*types.ValidationError
	for _, p := range e.predicates {
		err := p.Check(vctx)
		if err == nil {
			continue
		}
		if verr, ok := err.(*types.ValidationError); ok {
			failures = append(failures, verr)
			continue
		}
		failures = append(failures, &types.ValidationError{
			Kind: types.ValidationHook,
			Msg:  fmt.Sprintf("%s: %v", p.Name(), err),
		})
	}
	return failures
}

// Diagnosis flattens predicate failures into the message recorded on the
// session.
func Diagnosis(failures []*types.ValidationError) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, f.Msg)
	}
	return strings.Join(parts, "; ")
}

// ReservedBatchSession defers batch sessions whose start time has not
// arrived yet.
type ReservedBatchSession struct{}

func (p *ReservedBatchSession) Name() string { return "reserved-batch-session" }

func (p *ReservedBatchSession) Check(vctx *registry.ValidatorContext) error {
	s := vctx.Session.Session
	if s.Type != types.SessionBatch || s.StartsAt == nil {
		return nil
	}
	if vctx.Now.Before(*s.StartsAt) {
		return &types.ValidationError{
			Kind: types.ValidationReservedBatch,
			Msg:  fmt.Sprintf("batch session is reserved to start at %s", s.StartsAt.Format("2006-01-02T15:04:05Z07:00")),
		}
	}
	return nil
}

// Concurrency enforces the keypair's session-count limit. Private
// sessions are billed against the separate SFTP bucket, whose limit the
// registry already resolved into the context.
type Concurrency struct{}

func (p *Concurrency) Name() string { return "concurrency" }

func (p *Concurrency) Check(vctx *registry.ValidatorContext) error {
	if vctx.ConcurrencyUsed >= vctx.ConcurrencyLimit {
		bucket := "sessions"
		if vctx.Session.Session.IsPrivate {
			bucket = "sftp sessions"
		}
		return &types.ValidationError{
			Kind: types.ValidationConcurrency,
			Msg: fmt.Sprintf("you cannot run more than %d concurrent %s (used %d)",
				vctx.ConcurrencyLimit, bucket, vctx.ConcurrencyUsed),
		}
	}
	return nil
}

// Dependencies holds a session until everything it depends on finished
// successfully. A cancelled dependency fails the check permanently.
type Dependencies struct{}

func (p *Dependencies) Name() string { return "dependencies" }

func (p *Dependencies) Check(vctx *registry.ValidatorContext) error {
	var pending, failed []string
	for _, dep := range vctx.Dependencies {
		switch {
		case dep.Status == types.SessionTerminated:
		case dep.Status.IsTerminal():
			failed = append(failed, dep.Name)
		default:
			pending = append(pending, dep.Name)
		}
	}
	if len(failed) > 0 {
		return &types.ValidationError{
			Kind: types.ValidationDependencies,
			Msg:  fmt.Sprintf("dependency failed: %s", strings.Join(failed, ", ")),
		}
	}
	if len(pending) > 0 {
		return &types.ValidationError{
			Kind: types.ValidationDependencies,
			Msg:  fmt.Sprintf("waiting for dependencies: %s", strings.Join(pending, ", ")),
		}
	}
	return nil
}

// KeypairResourceLimit caps the access key's total occupancy.
type KeypairResourceLimit struct{}

func (p *KeypairResourceLimit) Name() string { return "keypair-resource-limit" }

func (p *KeypairResourceLimit) Check(vctx *registry.ValidatorContext) error {
	requested := vctx.Session.Session.RequestedSlots
	if !vctx.KeypairPolicy.Limit.Allows(vctx.KeypairOccupied, requested) {
		return &types.ValidationError{
			Kind: types.ValidationKeypairResourceLimit,
			Msg: fmt.Sprintf("keypair resource quota exceeded (occupied %s, requested %s)",
				vctx.KeypairOccupied, requested),
		}
	}
	return nil
}

// UserResourceLimit caps the user's total occupancy; absent policy means
// no user-level cap.
type UserResourceLimit struct{}

func (p *UserResourceLimit) Name() string { return "user-resource-limit" }

func (p *UserResourceLimit) Check(vctx *registry.ValidatorContext) error {
	if vctx.UserLimit == nil {
		return nil
	}
	requested := vctx.Session.Session.RequestedSlots
	if !vctx.UserLimit.Allows(vctx.UserOccupied, requested) {
		return &types.ValidationError{
			Kind: types.ValidationUserResourceLimit,
			Msg: fmt.Sprintf("user resource quota exceeded (occupied %s, requested %s)",
				vctx.UserOccupied, requested),
		}
	}
	return nil
}

// GroupResourceLimit caps the project group's total occupancy.
type GroupResourceLimit struct{}

func (p *GroupResourceLimit) Name() string { return "group-resource-limit" }

func (p *GroupResourceLimit) Check(vctx *registry.ValidatorContext) error {
	if vctx.GroupLimit == nil {
		return nil
	}
	requested := vctx.Session.Session.RequestedSlots
	if !vctx.GroupLimit.Allows(vctx.GroupOccupied, requested) {
		return &types.ValidationError{
			Kind: types.ValidationGroupResourceLimit,
			Msg: fmt.Sprintf("group resource quota exceeded (occupied %s, requested %s)",
				vctx.GroupOccupied, requested),
		}
	}
	return nil
}

// DomainResourceLimit caps the domain's total occupancy.
type DomainResourceLimit struct{}

func (p *DomainResourceLimit) Name() string { return "domain-resource-limit" }

func (p *DomainResourceLimit) Check(vctx *registry.ValidatorContext) error {
	if vctx.DomainLimit == nil {
		return nil
	}
	requested := vctx.Session.Session.RequestedSlots
	if !vctx.DomainLimit.Allows(vctx.DomainOccupied, requested) {
		return &types.ValidationError{
			Kind: types.ValidationDomainResourceLimit,
			Msg: fmt.Sprintf("domain resource quota exceeded (occupied %s, requested %s)",
				vctx.DomainOccupied, requested),
		}
	}
	return nil
}

// PendingSessionCountLimit bounds how many sessions one access key may
// keep queued.
type PendingSessionCountLimit struct{}

func (p *PendingSessionCountLimit) Name() string { return "pending-session-count-limit" }

func (p *PendingSessionCountLimit) Check(vctx *registry.ValidatorContext) error {
	max := vctx.KeypairPolicy.MaxPendingSessionCount
	if max == nil {
		return nil
	}
	// PendingCount excludes this session, so it counts itself back in.
	if vctx.PendingCount+1 > *max {
		return &types.ValidationError{
			Kind: types.ValidationPendingCountLimit,
			Msg:  fmt.Sprintf("too many pending sessions (%d, limit %d)", vctx.PendingCount+1, *max),
		}
	}
	return nil
}

// PendingSessionResourceLimit bounds the total slots one access key may
// keep queued.
type PendingSessionResourceLimit struct{}

func (p *PendingSessionResourceLimit) Name() string { return "pending-session-resource-limit" }

func (p *PendingSessionResourceLimit) Check(vctx *registry.ValidatorContext) error {
	limit := vctx.KeypairPolicy.MaxPendingSessionResourceSlots
	if limit == nil {
		return nil
	}
	total := vctx.PendingSlots.Add(vctx.Session.Session.RequestedSlots)
	if !total.LessOrEqual(limit) {
		return &types.ValidationError{
			Kind: types.ValidationPendingSlotLimit,
			Msg: fmt.Sprintf("pending sessions would hold %s, exceeding the limit %s",
				total, limit),
		}
	}
	return nil
}
