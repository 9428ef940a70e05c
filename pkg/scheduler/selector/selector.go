// Package selector picks the agent that will host a kernel. Selectors
// are pure functions over an already-filtered candidate list; the hard
// filters (architecture, schedulability, free capacity, container limit)
// run in FilterCandidates before any strategy sees the agents.
package selector

import (
	"bytes"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sokovan-io/sokovan/pkg/resources"
	"github.com/sokovan-io/sokovan/pkg/types"
)

// Selector chooses one agent from candidates for the requested slots.
// It returns nil when no candidate fits.
type Selector interface {
	Name() string
	Select(candidates []*types.Agent, requested resources.Slots) *types.Agent
}

// New returns the selector for a strategy name.
func New(strategy types.SelectorStrategy) Selector {
	switch strategy {
	case types.SelectorConcentrated:
		return &Concentrated{}
	case types.SelectorDispersed:
		return &Dispersed{}
	case types.SelectorLegacy:
		return &Legacy{}
	default:
		return NewRoundRobin()
	}
}

// FilterCandidates applies the hard placement filters: architecture
// equality, schedulable flag, free capacity, and the per-agent container
// limit (filtered before selection, zero disables it).
func FilterCandidates(agents []*types.Agent, architecture string, requested resources.Slots, containerLimit int) []*types.Agent {
	out := make([]*types.Agent, 0, len(agents))
	for _, a := range agents {
		if !a.Schedulable || a.Status != types.AgentAlive {
			continue
		}
		if architecture != "" && a.Architecture != architecture {
			continue
		}
		if containerLimit > 0 && a.ContainerCount >= containerLimit {
			continue
		}
		if !requested.LessOrEqual(a.FreeSlots()) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// fitScore sums the free fractions of the dimensions the request uses,
// giving a comparable measure of how much room an agent has for it.
func fitScore(a *types.Agent, requested resources.Slots) decimal.Decimal {
	free := a.FreeSlots()
	score := decimal.Zero
	for name := range requested {
		total := a.AvailableSlots.Get(name)
		if total.IsZero() {
			continue
		}
		score = score.Add(free.Get(name).Div(total))
	}
	return score
}

// RoundRobin cycles through candidates ordered by agent id, one step per
// selection.
type RoundRobin struct {
	mu   sync.Mutex
	next uint64
}

// NewRoundRobin creates a round-robin selector with its own cursor.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Name() string { return "round-robin" }

func (r *RoundRobin) Select(candidates []*types.Agent, _ resources.Slots) *types.Agent {
	if len(candidates) == 0 {
		return nil
	}
	sorted := sortByID(candidates)
	r.mu.Lock()
	idx := r.next % uint64(len(sorted))
	r.next++
	r.mu.Unlock()
	return sorted[idx]
}

// Concentrated bin-packs: it prefers the agent with the least remaining
// room that still fits, keeping large agents free for large requests.
type Concentrated struct{}

func (c *Concentrated) Name() string { return "concentrated" }

func (c *Concentrated) Select(candidates []*types.Agent, requested resources.Slots) *types.Agent {
	var best *types.Agent
	var bestScore decimal.Decimal
	for _, a := range candidates {
		score := fitScore(a, requested)
		if best == nil || score.LessThan(bestScore) ||
			(score.Equal(bestScore) && a.ID < best.ID) {
			best, bestScore = a, score
		}
	}
	return best
}

// Dispersed spreads load: it prefers the agent with the most remaining
// room.
type Dispersed struct{}

func (d *Dispersed) Name() string { return "dispersed" }

func (d *Dispersed) Select(candidates []*types.Agent, requested resources.Slots) *types.Agent {
	var best *types.Agent
	var bestScore decimal.Decimal
	for _, a := range candidates {
		score := fitScore(a, requested)
		if best == nil || score.GreaterThan(bestScore) ||
			(score.Equal(bestScore) && a.ID < best.ID) {
			best, bestScore = a, score
		}
	}
	return best
}

// Legacy reproduces the historical selection order: most unused slot
// dimensions first, ties broken by raw byte comparison of agent ids.
type Legacy struct{}

func (l *Legacy) Name() string { return "legacy" }

func (l *Legacy) Select(candidates []*types.Agent, _ resources.Slots) *types.Agent {
	var best *types.Agent
	bestUnused := -1
	for _, a := range candidates {
		unused := unusedDimensions(a)
		switch {
		case best == nil || unused > bestUnused:
			best, bestUnused = a, unused
		case unused == bestUnused && bytes.Compare([]byte(a.ID), []byte(best.ID)) < 0:
			best = a
		}
	}
	return best
}

func unusedDimensions(a *types.Agent) int {
	n := 0
	for name := range a.AvailableSlots {
		if a.OccupiedSlots.Get(name).IsZero() {
			n++
		}
	}
	return n
}

func sortByID(agents []*types.Agent) []*types.Agent {
	out := make([]*types.Agent, len(agents))
	copy(out, agents)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
