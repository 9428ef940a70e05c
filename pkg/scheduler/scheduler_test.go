package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovan-io/sokovan/pkg/config"
	"github.com/sokovan-io/sokovan/pkg/events"
	"github.com/sokovan-io/sokovan/pkg/lock"
	"github.com/sokovan-io/sokovan/pkg/registry"
	"github.com/sokovan-io/sokovan/pkg/resources"
	"github.com/sokovan-io/sokovan/pkg/types"
)

func slots(m map[resources.SlotName]int64) resources.Slots {
	return resources.NewSlots(m)
}

// fakeRegistry implements the subset of registry.Registry the scheduler
// exercises, over in-memory state.
type fakeRegistry struct {
	registry.Registry

	group    types.ScalingGroup
	agents   map[string]*types.Agent
	pending  []*registry.SessionView
	vctx     map[uuid.UUID]*registry.ValidatorContext
	finished map[uuid.UUID][]registry.KernelBinding
	failures map[uuid.UUID]string
}

func newFakeRegistry(group types.ScalingGroup) *fakeRegistry {
	return &fakeRegistry{
		group:    group,
		agents:   make(map[string]*types.Agent),
		vctx:     make(map[uuid.UUID]*registry.ValidatorContext),
		finished: make(map[uuid.UUID][]registry.KernelBinding),
		failures: make(map[uuid.UUID]string),
	}
}

func (f *fakeRegistry) addAgent(a *types.Agent) {
	a.ScalingGroup = f.group.Name
	f.agents[a.ID] = a
}

func (f *fakeRegistry) addPending(view *registry.SessionView) {
	view.Session.Status = types.SessionPending
	f.pending = append(f.pending, view)
	f.vctx[view.Session.ID] = &registry.ValidatorContext{
		Now:     time.Now(),
		Session: view,
		KeypairPolicy: types.KeypairResourcePolicy{
			Limit: types.PolicyLimit{DefaultForUnspecified: types.Unlimited},
		},
		ConcurrencyLimit: 100,
	}
}

func (f *fakeRegistry) GetScalingGroup(_ context.Context, name string) (*types.ScalingGroup, error) {
	sg := f.group
	return &sg, nil
}

func (f *fakeRegistry) ListScalingGroups(context.Context) ([]types.ScalingGroup, error) {
	return []types.ScalingGroup{f.group}, nil
}

func (f *fakeRegistry) DequeuePending(_ context.Context, _ string, _ types.SchedulerStrategy, limit int) ([]*registry.SessionView, error) {
	out := make([]*registry.SessionView, 0, len(f.pending))
	for _, v := range f.pending {
		if v.Session.Status == types.SessionPending {
			out = append(out, v)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRegistry) PrepareValidatorContext(_ context.Context, view *registry.SessionView) (*registry.ValidatorContext, error) {
	return f.vctx[view.Session.ID], nil
}

func (f *fakeRegistry) LoadCandidateAgents(_ context.Context, _, architecture string) ([]*types.Agent, error) {
	out := make([]*types.Agent, 0, len(f.agents))
	for _, a := range f.agents {
		if a.Status != types.AgentAlive || !a.Schedulable {
			continue
		}
		if architecture != "" && a.Architecture != architecture {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeRegistry) ListAgents(_ context.Context, _ string) ([]*types.Agent, error) {
	out := make([]*types.Agent, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeRegistry) OccupancyByAccessKey(context.Context, string) (map[string]resources.Slots, error) {
	return map[string]resources.Slots{}, nil
}

func (f *fakeRegistry) InTransaction(_ context.Context, fn func(tx registry.Registry) error) error {
	return fn(f)
}

func (f *fakeRegistry) ReserveAgent(_ context.Context, _, agentID string, req resources.Slots) (registry.AgentAllocCtx, error) {
	a, ok := f.agents[agentID]
	if !ok || a.Status != types.AgentAlive {
		return registry.AgentAllocCtx{}, &types.AgentLostError{AgentID: agentID}
	}
	if _, err := a.FreeSlots().Sub(req); err != nil {
		return registry.AgentAllocCtx{}, err
	}
	a.OccupiedSlots = a.OccupiedSlots.Add(req)
	return registry.AgentAllocCtx{AgentID: a.ID, AgentAddr: a.Addr, Allocated: req.Clone()}, nil
}

func (f *fakeRegistry) FinalizeSingleNodeSession(_ context.Context, sessionID uuid.UUID, alloc registry.AgentAllocCtx) error {
	f.finished[sessionID] = []registry.KernelBinding{{Alloc: alloc}}
	f.markScheduled(sessionID)
	return nil
}

func (f *fakeRegistry) FinalizeMultiNodeSession(_ context.Context, sessionID uuid.UUID, bindings []registry.KernelBinding) error {
	f.finished[sessionID] = bindings
	f.markScheduled(sessionID)
	return nil
}

func (f *fakeRegistry) markScheduled(sessionID uuid.UUID) {
	for _, v := range f.pending {
		if v.Session.ID == sessionID {
			v.Session.Status = types.SessionScheduled
		}
	}
}

func (f *fakeRegistry) UpdateSessionSchedulingFailure(_ context.Context, sessionID uuid.UUID, msg string) error {
	f.failures[sessionID] = msg
	return nil
}

// fakeLock always grants; heldLock always refuses.
type fakeLock struct{}

func (fakeLock) TryAcquire(context.Context, string, time.Duration) (lock.Handle, error) {
	return noopHandle{}, nil
}
func (fakeLock) Close() error { return nil }

type noopHandle struct{}

func (noopHandle) Release(context.Context) error { return nil }

type heldLock struct{}

func (heldLock) TryAcquire(_ context.Context, name string, _ time.Duration) (lock.Handle, error) {
	return nil, &types.LockError{Name: name}
}
func (heldLock) Close() error { return nil }

func testConfig() config.Scheduler {
	return config.Scheduler{
		Type:             "fifo",
		AgentSelection:   "dispersed",
		DequeueBatchSize: 10,
	}
}

func singleNodeSession(requested resources.Slots) *registry.SessionView {
	sessionID := uuid.New()
	return &registry.SessionView{
		Session: types.Session{
			ID:             sessionID,
			Name:           "sess-" + sessionID.String()[:8],
			Type:           types.SessionInteractive,
			ClusterMode:    types.ClusterSingleNode,
			ClusterSize:    1,
			AccessKey:      "AKIATEST",
			RequestedSlots: requested,
			Image:          types.ImageRef{Canonical: "python:3.12", Architecture: "x86_64"},
			CreatedAt:      time.Now(),
		},
		Kernels: []types.Kernel{{
			ID:             uuid.New(),
			SessionID:      sessionID,
			Role:           types.KernelRoleMain,
			Architecture:   "x86_64",
			RequestedSlots: requested,
		}},
	}
}

func TestTickSchedulesSingleNodeExactFit(t *testing.T) {
	reg := newFakeRegistry(types.ScalingGroup{Name: "default", Scheduler: types.StrategyFIFO})
	reg.addAgent(&types.Agent{
		ID: "a1", Addr: "10.0.0.1:6011", Architecture: "x86_64",
		AvailableSlots: slots(map[resources.SlotName]int64{"cpu": 4, "mem": 8 << 30}),
		OccupiedSlots:  resources.Slots{},
		Schedulable:    true, Status: types.AgentAlive,
	})
	view := singleNodeSession(slots(map[resources.SlotName]int64{"cpu": 4, "mem": 8 << 30}))
	reg.addPending(view)

	s := New(reg, fakeLock{}, events.NewMemoryBus(), testConfig(), time.Minute)
	require.NoError(t, s.Tick(context.Background(), "default"))

	require.Contains(t, reg.finished, view.Session.ID)
	assert.Equal(t, "a1", reg.finished[view.Session.ID][0].Alloc.AgentID)
	free := reg.agents["a1"].FreeSlots()
	assert.True(t, free.IsZero(), "agent should be fully occupied, free=%s", free)
	assert.Empty(t, reg.failures)
}

func TestTickCapacityMissKeepsSessionPendingSilently(t *testing.T) {
	reg := newFakeRegistry(types.ScalingGroup{Name: "default", Scheduler: types.StrategyFIFO})
	reg.addAgent(&types.Agent{
		ID: "a1", Architecture: "x86_64",
		AvailableSlots: slots(map[resources.SlotName]int64{"cpu": 2}),
		OccupiedSlots:  resources.Slots{},
		Schedulable:    true, Status: types.AgentAlive,
	})
	view := singleNodeSession(slots(map[resources.SlotName]int64{"cpu": 4}))
	reg.addPending(view)

	s := New(reg, fakeLock{}, events.NewMemoryBus(), testConfig(), time.Minute)
	require.NoError(t, s.Tick(context.Background(), "default"))

	assert.Empty(t, reg.finished)
	assert.Empty(t, reg.failures, "capacity miss is a placement miss, not an admission failure")
	assert.Equal(t, types.SessionPending, view.Session.Status)

	// A roomier agent appears; the next tick places the session.
	reg.addAgent(&types.Agent{
		ID: "a2", Architecture: "x86_64",
		AvailableSlots: slots(map[resources.SlotName]int64{"cpu": 8}),
		OccupiedSlots:  resources.Slots{},
		Schedulable:    true, Status: types.AgentAlive,
	})
	require.NoError(t, s.Tick(context.Background(), "default"))
	require.Contains(t, reg.finished, view.Session.ID)
	assert.Equal(t, "a2", reg.finished[view.Session.ID][0].Alloc.AgentID)
}

func TestTickRecordsPredicateFailure(t *testing.T) {
	reg := newFakeRegistry(types.ScalingGroup{Name: "default", Scheduler: types.StrategyFIFO})
	view := singleNodeSession(slots(map[resources.SlotName]int64{"cpu": 1}))
	reg.addPending(view)
	reg.vctx[view.Session.ID].ConcurrencyUsed = 30
	reg.vctx[view.Session.ID].ConcurrencyLimit = 30

	s := New(reg, fakeLock{}, events.NewMemoryBus(), testConfig(), time.Minute)
	require.NoError(t, s.Tick(context.Background(), "default"))

	assert.Empty(t, reg.finished)
	assert.Contains(t, reg.failures[view.Session.ID], "concurrent")
}

func TestTickSkippedWhenLockHeld(t *testing.T) {
	reg := newFakeRegistry(types.ScalingGroup{Name: "default"})
	view := singleNodeSession(slots(map[resources.SlotName]int64{"cpu": 1}))
	reg.addPending(view)

	s := New(reg, heldLock{}, events.NewMemoryBus(), testConfig(), time.Minute)
	require.NoError(t, s.Tick(context.Background(), "default"))
	assert.Empty(t, reg.finished)
}

func TestTickPlacesMultiNodeAcrossArchitectures(t *testing.T) {
	reg := newFakeRegistry(types.ScalingGroup{Name: "default", Scheduler: types.StrategyFIFO})
	reg.addAgent(&types.Agent{
		ID: "a-x86", Architecture: "x86_64",
		AvailableSlots: slots(map[resources.SlotName]int64{"cpu": 2}),
		OccupiedSlots:  resources.Slots{},
		Schedulable:    true, Status: types.AgentAlive,
	})
	reg.addAgent(&types.Agent{
		ID: "a-arm", Architecture: "aarch64",
		AvailableSlots: slots(map[resources.SlotName]int64{"cpu": 2}),
		OccupiedSlots:  resources.Slots{},
		Schedulable:    true, Status: types.AgentAlive,
	})

	sessionID := uuid.New()
	view := &registry.SessionView{
		Session: types.Session{
			ID:          sessionID,
			ClusterMode: types.ClusterMultiNode,
			ClusterSize: 2,
			AccessKey:   "AKIATEST",
			Image:       types.ImageRef{Canonical: "python:3.12", Architecture: "x86_64"},
			CreatedAt:   time.Now(),
		},
		Kernels: []types.Kernel{
			{ID: uuid.New(), SessionID: sessionID, Role: types.KernelRoleMain, Architecture: "x86_64",
				RequestedSlots: slots(map[resources.SlotName]int64{"cpu": 2})},
			{ID: uuid.New(), SessionID: sessionID, Role: types.KernelRoleSub, Architecture: "aarch64",
				RequestedSlots: slots(map[resources.SlotName]int64{"cpu": 2})},
		},
	}
	reg.addPending(view)

	s := New(reg, fakeLock{}, events.NewMemoryBus(), testConfig(), time.Minute)
	require.NoError(t, s.Tick(context.Background(), "default"))

	require.Contains(t, reg.finished, sessionID)
	bindings := reg.finished[sessionID]
	require.Len(t, bindings, 2)
	assert.True(t, reg.agents["a-x86"].FreeSlots().IsZero())
	assert.True(t, reg.agents["a-arm"].FreeSlots().IsZero())
}

func TestTickRejectsHeterogeneousSingleNode(t *testing.T) {
	reg := newFakeRegistry(types.ScalingGroup{Name: "default", Scheduler: types.StrategyFIFO})
	reg.addAgent(&types.Agent{
		ID: "a1", Architecture: "x86_64",
		AvailableSlots: slots(map[resources.SlotName]int64{"cpu": 8}),
		OccupiedSlots:  resources.Slots{},
		Schedulable:    true, Status: types.AgentAlive,
	})
	view := singleNodeSession(slots(map[resources.SlotName]int64{"cpu": 2}))
	view.Kernels = append(view.Kernels, types.Kernel{
		ID: uuid.New(), SessionID: view.Session.ID, Role: types.KernelRoleSub,
		Architecture:   "aarch64",
		RequestedSlots: slots(map[resources.SlotName]int64{"cpu": 2}),
	})
	reg.addPending(view)

	s := New(reg, fakeLock{}, events.NewMemoryBus(), testConfig(), time.Minute)
	require.NoError(t, s.Tick(context.Background(), "default"))

	assert.Empty(t, reg.finished)
	assert.Contains(t, reg.failures[view.Session.ID], "architectures")
}
