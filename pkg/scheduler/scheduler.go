package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sokovan-io/sokovan/pkg/config"
	"github.com/sokovan-io/sokovan/pkg/events"
	"github.com/sokovan-io/sokovan/pkg/lock"
	"github.com/sokovan-io/sokovan/pkg/log"
	"github.com/sokovan-io/sokovan/pkg/metrics"
	"github.com/sokovan-io/sokovan/pkg/registry"
	"github.com/sokovan-io/sokovan/pkg/resources"
	"github.com/sokovan-io/sokovan/pkg/scheduler/predicates"
	"github.com/sokovan-io/sokovan/pkg/scheduler/selector"
	"github.com/sokovan-io/sokovan/pkg/scheduler/sequencer"
	"github.com/sokovan-io/sokovan/pkg/types"
)

// Scheduler drives the PENDING to SCHEDULED transition for every scaling
// group. One tick handles one group and runs under a distributed lock, so
// manager replicas compete per group instead of per session.
type Scheduler struct {
	reg    registry.Registry
	locks  lock.Manager
	bus    events.Producer
	engine *predicates.Engine
	cfg    config.Scheduler
	lease  time.Duration
	logger zerolog.Logger

	mu        sync.Mutex
	selectors map[string]selector.Selector
}

// New assembles a scheduler. The lease is the lock lifetime of one tick.
func New(reg registry.Registry, locks lock.Manager, bus events.Producer, cfg config.Scheduler, lease time.Duration) *Scheduler {
	return &Scheduler{
		reg:       reg,
		locks:     locks,
		bus:       bus,
		engine:    predicates.NewEngine(),
		cfg:       cfg,
		lease:     lease,
		logger:    log.WithComponent("scheduler"),
		selectors: make(map[string]selector.Selector),
	}
}

// RegisterHook adds an external admission predicate.
func (s *Scheduler) RegisterHook(p predicates.Predicate) {
	s.engine.RegisterHook(p)
}

// selectorFor keeps one selector per scaling group so the round-robin
// cursor survives across ticks.
func (s *Scheduler) selectorFor(sg *types.ScalingGroup) selector.Selector {
	strategy := sg.Opts.AgentSelection
	if strategy == "" {
		strategy = types.SelectorStrategy(s.cfg.AgentSelection)
	}
	key := sg.Name + "/" + string(strategy)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sel, ok := s.selectors[key]; ok {
		return sel
	}
	sel := selector.New(strategy)
	s.selectors[key] = sel
	return sel
}

// Tick schedules one scaling group. A held lock means another replica is
// driving this group; the tick is skipped, not an error.
func (s *Scheduler) Tick(ctx context.Context, scalingGroup string) error {
	handle, err := s.locks.TryAcquire(ctx, "scheduler."+scalingGroup, s.lease)
	if err != nil {
		var lockErr *types.LockError
		if errors.As(err, &lockErr) {
			metrics.LockContention.WithLabelValues(scalingGroup).Inc()
			s.logger.Debug().Str("scaling_group", scalingGroup).Msg("tick skipped, lock held elsewhere")
			return nil
		}
		return err
	}
	defer func() {
		if rerr := handle.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn().Err(rerr).Str("scaling_group", scalingGroup).Msg("failed to release tick lock")
		}
	}()

	start := time.Now()
	result := "ok"
	tickErr := s.tick(ctx, scalingGroup)
	if tickErr != nil {
		result = "error"
	}
	metrics.SchedulerTicksTotal.WithLabelValues(scalingGroup, result).Inc()
	metrics.SchedulerTickDuration.WithLabelValues(scalingGroup).Observe(time.Since(start).Seconds())
	return tickErr
}

func (s *Scheduler) tick(ctx context.Context, scalingGroup string) error {
	sg, err := s.reg.GetScalingGroup(ctx, scalingGroup)
	if err != nil {
		return err
	}
	strategy := sg.Scheduler
	if strategy == "" {
		strategy = types.SchedulerStrategy(s.cfg.Type)
	}

	views, err := s.reg.DequeuePending(ctx, sg.Name, strategy, s.cfg.DequeueBatchSize)
	if err != nil {
		return err
	}
	if len(views) == 0 {
		return nil
	}

	snap, err := s.snapshot(ctx, sg, strategy)
	if err != nil {
		return err
	}
	retriesToSkip := sg.Opts.NumRetriesToSkip
	if retriesToSkip == 0 {
		retriesToSkip = s.cfg.NumRetriesToSkip
	}
	ordered := sequencer.New(strategy, retriesToSkip).Order(views, snap)

	// Per-architecture candidate cache for this tick. Reservations are
	// serialized within the tick and applyReservation keeps the cached
	// free-capacity view coherent for later sessions.
	candidates := make(map[string][]*types.Agent)
	loadCandidates := func(arch string) ([]*types.Agent, error) {
		if agents, ok := candidates[arch]; ok {
			return agents, nil
		}
		agents, err := s.reg.LoadCandidateAgents(ctx, sg.Name, arch)
		if err != nil {
			return nil, err
		}
		candidates[arch] = agents
		return agents, nil
	}

	for _, view := range ordered {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.scheduleOne(ctx, sg, view, loadCandidates); err != nil {
			s.logger.Error().Err(err).
				Stringer("session_id", view.Session.ID).
				Str("scaling_group", sg.Name).
				Msg("failed to schedule session")
		}
	}
	return nil
}

// snapshot gathers the tick-start facts the sequencer needs. Only DRF
// consults them, so the queries run only for DRF groups.
func (s *Scheduler) snapshot(ctx context.Context, sg *types.ScalingGroup, strategy types.SchedulerStrategy) (sequencer.Snapshot, error) {
	if strategy != types.StrategyDRF {
		return sequencer.Snapshot{}, nil
	}
	occupancy, err := s.reg.OccupancyByAccessKey(ctx, sg.Name)
	if err != nil {
		return sequencer.Snapshot{}, err
	}
	agents, err := s.reg.ListAgents(ctx, sg.Name)
	if err != nil {
		return sequencer.Snapshot{}, err
	}
	capacity := resources.Slots{}
	for _, a := range agents {
		if a.Status == types.AgentAlive {
			capacity = capacity.Add(a.AvailableSlots)
		}
	}
	return sequencer.Snapshot{OccupancyByAccessKey: occupancy, Capacity: capacity}, nil
}

type candidateLoader func(architecture string) ([]*types.Agent, error)

// scheduleOne advances one session through predicates, placement, and
// reservation. Errors inside one session never abort the batch; the
// caller logs and moves on.
func (s *Scheduler) scheduleOne(ctx context.Context, sg *types.ScalingGroup, view *registry.SessionView, load candidateLoader) error {
	sess := view.Session
	slog := s.logger.With().Stringer("session_id", sess.ID).Logger()

	vctx, err := s.reg.PrepareValidatorContext(ctx, view)
	if err != nil {
		return fmt.Errorf("failed to prepare validator context: %w", err)
	}
	if failures := s.engine.Run(vctx); len(failures) > 0 {
		for _, f := range failures {
			metrics.PredicateFailures.WithLabelValues(string(f.Kind)).Inc()
		}
		diag := predicates.Diagnosis(failures)
		slog.Info().Str("reason", diag).Msg("session not admissible yet")
		return s.reg.UpdateSessionSchedulingFailure(ctx, sess.ID, diag)
	}

	var scheduled bool
	switch sess.ClusterMode {
	case types.ClusterMultiNode:
		scheduled, err = s.placeMultiNode(ctx, sg, view, load)
	default:
		scheduled, err = s.placeSingleNode(ctx, sg, view, load)
	}
	if err != nil {
		return err
	}
	if !scheduled {
		// Capacity miss. The session stays PENDING with no failure
		// recorded; an agent may free up by the next tick.
		slog.Debug().Msg("no agent fits the session right now")
		return nil
	}

	metrics.SessionsScheduled.Inc()
	ev := events.New(events.EventSessionScheduled)
	ev.SessionID = sess.ID
	if err := s.bus.Anycast(ctx, ev); err != nil {
		slog.Warn().Err(err).Msg("failed to emit anycast scheduled event")
	}
	if err := s.bus.Broadcast(ctx, ev); err != nil {
		slog.Warn().Err(err).Msg("failed to emit broadcast scheduled event")
	}
	slog.Info().Str("scaling_group", sg.Name).Msg("session scheduled")
	return nil
}

// placeSingleNode reserves one agent for the whole session. All kernels
// must share the session's architecture.
func (s *Scheduler) placeSingleNode(ctx context.Context, sg *types.ScalingGroup, view *registry.SessionView, load candidateLoader) (bool, error) {
	sess := view.Session
	for i := range view.Kernels {
		if view.Kernels[i].Architecture != sess.Image.Architecture {
			diag := fmt.Sprintf("single-node session mixes architectures (%s vs %s)",
				sess.Image.Architecture, view.Kernels[i].Architecture)
			return false, s.reg.UpdateSessionSchedulingFailure(ctx, sess.ID, diag)
		}
	}

	agents, err := load(sess.Image.Architecture)
	if err != nil {
		return false, err
	}
	cands := selector.FilterCandidates(agents, sess.Image.Architecture, sess.RequestedSlots, sg.Opts.ContainerLimit)
	chosen := s.selectorFor(sg).Select(cands, sess.RequestedSlots)
	if chosen == nil {
		return false, nil
	}

	err = s.reg.InTransaction(ctx, func(tx registry.Registry) error {
		alloc, err := tx.ReserveAgent(ctx, sg.Name, chosen.ID, sess.RequestedSlots)
		if err != nil {
			return err
		}
		return tx.FinalizeSingleNodeSession(ctx, sess.ID, alloc)
	})
	if err != nil {
		return false, s.reservationError(ctx, sess.ID, err)
	}
	applyReservation(chosen, sess.RequestedSlots)
	return true, nil
}

// placeMultiNode reserves one agent per kernel inside a single
// transaction; a failed binding rolls every reservation of the session
// back.
func (s *Scheduler) placeMultiNode(ctx context.Context, sg *types.ScalingGroup, view *registry.SessionView, load candidateLoader) (bool, error) {
	sess := view.Session
	sel := s.selectorFor(sg)

	type pick struct {
		kernel *types.Kernel
		agent  *types.Agent
	}
	picks := make([]pick, 0, len(view.Kernels))
	held := make(map[string]resources.Slots)
	for i := range view.Kernels {
		k := &view.Kernels[i]
		agents, err := load(k.Architecture)
		if err != nil {
			return false, err
		}
		cands := selector.FilterCandidates(agents, k.Architecture, k.RequestedSlots, sg.Opts.ContainerLimit)
		cands = excludeOverdrawn(cands, held, k.RequestedSlots)
		chosen := sel.Select(cands, k.RequestedSlots)
		if chosen == nil {
			return false, nil
		}
		picks = append(picks, pick{kernel: k, agent: chosen})
		held[chosen.ID] = held[chosen.ID].Add(k.RequestedSlots)
	}

	err := s.reg.InTransaction(ctx, func(tx registry.Registry) error {
		bindings := make([]registry.KernelBinding, 0, len(picks))
		for _, p := range picks {
			alloc, err := tx.ReserveAgent(ctx, sg.Name, p.agent.ID, p.kernel.RequestedSlots)
			if err != nil {
				return fmt.Errorf("kernel %s: %w", p.kernel.ID, err)
			}
			bindings = append(bindings, registry.KernelBinding{KernelID: p.kernel.ID, Alloc: alloc})
		}
		return tx.FinalizeMultiNodeSession(ctx, sess.ID, bindings)
	})
	if err != nil {
		return false, s.reservationError(ctx, sess.ID, err)
	}
	for _, p := range picks {
		applyReservation(p.agent, p.kernel.RequestedSlots)
	}
	return true, nil
}

// reservationError sorts a failed reservation into soft (stay PENDING,
// no record) and recorded (burn a retry) outcomes.
func (s *Scheduler) reservationError(ctx context.Context, sessionID uuid.UUID, err error) error {
	var insufficient *resources.InsufficientResourceError
	if errors.As(err, &insufficient) {
		// Lost a race for the agent's remaining capacity; the session
		// stays PENDING silently like any other capacity miss.
		metrics.ReservationFailures.Inc()
		s.logger.Debug().Err(err).Stringer("session_id", sessionID).Msg("reservation lost capacity race")
		return nil
	}
	var lost *types.AgentLostError
	if errors.As(err, &lost) {
		metrics.ReservationFailures.Inc()
		return s.reg.UpdateSessionSchedulingFailure(ctx, sessionID,
			fmt.Sprintf("agent %s lost during reservation", lost.AgentID))
	}
	return err
}

// applyReservation updates the tick-local candidate view so later
// sessions in the same tick see the reduced capacity.
func applyReservation(a *types.Agent, slots resources.Slots) {
	a.OccupiedSlots = a.OccupiedSlots.Add(slots)
}

// excludeOverdrawn drops candidates whose remaining capacity, minus what
// earlier kernels of the same session already hold on them, no longer
// fits the request.
func excludeOverdrawn(cands []*types.Agent, held map[string]resources.Slots, requested resources.Slots) []*types.Agent {
	if len(held) == 0 {
		return cands
	}
	out := make([]*types.Agent, 0, len(cands))
	for _, a := range cands {
		free := a.FreeSlots()
		if pending := held[a.ID]; pending != nil {
			var err error
			free, err = free.Sub(pending)
			if err != nil {
				continue
			}
		}
		if requested.LessOrEqual(free) {
			out = append(out, a)
		}
	}
	return out
}
