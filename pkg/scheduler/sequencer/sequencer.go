// Package sequencer orders the pending queue of one scaling group before
// the scheduler walks it. Sequencers are pure: they reorder in memory
// from snapshots taken at tick start and never touch storage.
package sequencer

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sokovan-io/sokovan/pkg/registry"
	"github.com/sokovan-io/sokovan/pkg/resources"
	"github.com/sokovan-io/sokovan/pkg/types"
)

// Snapshot carries the tick-start facts a sequencer may consult.
type Snapshot struct {
	// OccupancyByAccessKey maps access keys to their currently occupied
	// slots within the scaling group.
	OccupancyByAccessKey map[string]resources.Slots
	// Capacity is the summed available slots of the group's agents.
	Capacity resources.Slots
}

// Sequencer reorders a dequeued pending batch.
type Sequencer interface {
	Name() string
	Order(views []*registry.SessionView, snap Snapshot) []*registry.SessionView
}

// New returns the sequencer for a scheduler strategy.
func New(strategy types.SchedulerStrategy, numRetriesToSkip int) Sequencer {
	switch strategy {
	case types.StrategyLIFO:
		return &LIFO{}
	case types.StrategyDRF:
		return &DRF{}
	default:
		return &FIFO{NumRetriesToSkip: numRetriesToSkip}
	}
}

// FIFO keeps submission order. With NumRetriesToSkip > 0, sessions that
// already failed that many times are pushed behind the rest so one
// poisoned session cannot starve the queue head.
type FIFO struct {
	NumRetriesToSkip int
}

func (f *FIFO) Name() string { return "fifo" }

func (f *FIFO) Order(views []*registry.SessionView, _ Snapshot) []*registry.SessionView {
	if f.NumRetriesToSkip <= 0 {
		return views
	}
	fresh := make([]*registry.SessionView, 0, len(views))
	skipped := make([]*registry.SessionView, 0)
	for _, v := range views {
		if v.Session.Retries >= f.NumRetriesToSkip {
			skipped = append(skipped, v)
		} else {
			fresh = append(fresh, v)
		}
	}
	return append(fresh, skipped...)
}

// LIFO trusts the registry's reversed dequeue order.
type LIFO struct{}

func (l *LIFO) Name() string { return "lifo" }

func (l *LIFO) Order(views []*registry.SessionView, _ Snapshot) []*registry.SessionView {
	return views
}

// DRF implements dominant-resource fairness: among sessions of equal
// priority, the access key with the smallest dominant share goes first.
// The dominant share is the largest fraction any one slot dimension of
// the key's occupancy takes of the group capacity. Priority always
// orders ahead of fairness; share ties fall back to earlier submission.
type DRF struct{}

func (d *DRF) Name() string { return "drf" }

func (d *DRF) Order(views []*registry.SessionView, snap Snapshot) []*registry.SessionView {
	shares := make(map[string]decimal.Decimal, len(snap.OccupancyByAccessKey))
	dominantShare := func(accessKey string) decimal.Decimal {
		if s, ok := shares[accessKey]; ok {
			return s
		}
		share := decimal.Zero
		occ := snap.OccupancyByAccessKey[accessKey]
		for name, used := range occ {
			total := snap.Capacity.Get(name)
			if total.IsZero() {
				continue
			}
			if frac := used.Div(total); frac.GreaterThan(share) {
				share = frac
			}
		}
		shares[accessKey] = share
		return share
	}

	out := make([]*registry.SessionView, len(views))
	copy(out, views)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Session.Priority != out[j].Session.Priority {
			return out[i].Session.Priority > out[j].Session.Priority
		}
		si := dominantShare(out[i].Session.AccessKey)
		sj := dominantShare(out[j].Session.AccessKey)
		if !si.Equal(sj) {
			return si.LessThan(sj)
		}
		return out[i].Session.CreatedAt.Before(out[j].Session.CreatedAt)
	})
	return out
}
