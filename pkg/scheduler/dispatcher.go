package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sokovan-io/sokovan/pkg/events"
)

// Dispatcher fires scheduler ticks: periodically for every scaling
// group, and immediately when a do.schedule event arrives (emitted by
// the API layer right after enqueueing a session).
type Dispatcher struct {
	sched    *Scheduler
	bus      events.Bus
	interval time.Duration
	timeout  time.Duration
}

// NewDispatcher wires the scheduler to its timer and event triggers.
func NewDispatcher(sched *Scheduler, bus events.Bus, interval, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		sched:    sched,
		bus:      bus,
		interval: interval,
		timeout:  timeout,
	}
}

// Run blocks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.runTimer(ctx) })
	g.Go(func() error {
		return d.bus.ConsumeAnycast(ctx, "scheduler", "dispatcher", d.onEvent)
	})
	return g.Wait()
}

func (d *Dispatcher) runTimer(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tickAll(ctx)
		}
	}
}

// tickAll runs one tick for every scaling group concurrently. Per-group
// errors are logged inside Tick's caller; a failed group never blocks
// the others.
func (d *Dispatcher) tickAll(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	groups, err := d.sched.reg.ListScalingGroups(tickCtx)
	if err != nil {
		d.sched.logger.Error().Err(err).Msg("failed to list scaling groups")
		return
	}
	var g errgroup.Group
	for _, sg := range groups {
		g.Go(func() error {
			if err := d.sched.Tick(tickCtx, sg.Name); err != nil {
				d.sched.logger.Error().Err(err).Str("scaling_group", sg.Name).Msg("tick failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// onEvent reacts to do.schedule by ticking the named group right away,
// or all groups when the event names none.
func (d *Dispatcher) onEvent(ctx context.Context, ev *events.Event) error {
	if ev.Type != events.EventDoSchedule {
		return nil
	}
	tickCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if ev.Reason != "" {
		// Reason carries the scaling group name for targeted wakeups.
		if err := d.sched.Tick(tickCtx, ev.Reason); err != nil {
			d.sched.logger.Error().Err(err).Str("scaling_group", ev.Reason).Msg("event-driven tick failed")
		}
		return nil
	}
	d.tickAll(ctx)
	return nil
}
