package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovan-io/sokovan/pkg/agent"
	"github.com/sokovan-io/sokovan/pkg/config"
	"github.com/sokovan-io/sokovan/pkg/events"
	"github.com/sokovan-io/sokovan/pkg/registry"
	"github.com/sokovan-io/sokovan/pkg/resources"
	"github.com/sokovan-io/sokovan/pkg/types"
)

func slots(m map[resources.SlotName]int64) resources.Slots {
	return resources.NewSlots(m)
}

// fakeRegistry implements the subset of registry.Registry the reconciler
// exercises, over in-memory state.
type fakeRegistry struct {
	registry.Registry

	order     []uuid.UUID
	sessions  map[uuid.UUID]*registry.SessionView
	stuck     []*registry.SessionView
	agents    []*types.Agent
	endpoints map[uuid.UUID]*registry.EndpointView
	routes    map[uuid.UUID]*types.Routing

	created     []*registry.SessionView
	bound       map[uuid.UUID]uuid.UUID
	released    []uuid.UUID
	decremented []string
	rescans     []string
	drifted     []string
	failures    map[uuid.UUID]string
	epRetries   map[uuid.UUID]int
	lost        []string
	zombies     int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		sessions:  make(map[uuid.UUID]*registry.SessionView),
		endpoints: make(map[uuid.UUID]*registry.EndpointView),
		routes:    make(map[uuid.UUID]*types.Routing),
		bound:     make(map[uuid.UUID]uuid.UUID),
		failures:  make(map[uuid.UUID]string),
		epRetries: make(map[uuid.UUID]int),
	}
}

func (f *fakeRegistry) addSession(view *registry.SessionView) {
	f.order = append(f.order, view.Session.ID)
	f.sessions[view.Session.ID] = view
}

func (f *fakeRegistry) InTransaction(_ context.Context, fn func(tx registry.Registry) error) error {
	return fn(f)
}

func (f *fakeRegistry) ListSessionsByStatus(_ context.Context, status types.SessionStatus) ([]*registry.SessionView, error) {
	var out []*registry.SessionView
	for _, id := range f.order {
		if v := f.sessions[id]; v.Session.Status == status {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeRegistry) ListStuckSessions(context.Context, []types.SessionStatus, time.Duration) ([]*registry.SessionView, error) {
	return f.stuck, nil
}

func (f *fakeRegistry) GetSession(_ context.Context, sessionID uuid.UUID) (*registry.SessionView, error) {
	v, ok := f.sessions[sessionID]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return v, nil
}

func (f *fakeRegistry) CreateSession(_ context.Context, view *registry.SessionView) error {
	f.created = append(f.created, view)
	f.addSession(view)
	return nil
}

func (f *fakeRegistry) MarkSessionStatus(_ context.Context, sessionID uuid.UUID, status types.SessionStatus, reason string) error {
	v, ok := f.sessions[sessionID]
	if !ok {
		return types.ErrSessionNotFound
	}
	v.Session.Status = status
	v.Session.StatusReason = reason
	return nil
}

func (f *fakeRegistry) MarkKernelStatus(_ context.Context, kernelID uuid.UUID, status types.KernelStatus, reason string) error {
	for _, v := range f.sessions {
		for i := range v.Kernels {
			if v.Kernels[i].ID == kernelID {
				v.Kernels[i].Status = status
				v.Kernels[i].StatusReason = reason
				return nil
			}
		}
	}
	return errors.New("kernel not found")
}

func (f *fakeRegistry) UpdateSessionSchedulingFailure(_ context.Context, sessionID uuid.UUID, msg string) error {
	f.failures[sessionID] = msg
	f.sessions[sessionID].Session.Retries++
	return nil
}

func (f *fakeRegistry) ReleaseSessionResources(_ context.Context, sessionID uuid.UUID) error {
	f.released = append(f.released, sessionID)
	return nil
}

func (f *fakeRegistry) DecrConcurrency(_ context.Context, accessKey string, _ bool) error {
	f.decremented = append(f.decremented, accessKey)
	return nil
}

func (f *fakeRegistry) RescanConcurrency(_ context.Context, accessKey string) error {
	f.rescans = append(f.rescans, accessKey)
	return nil
}

func (f *fakeRegistry) DetectConcurrencyDrift(context.Context) ([]string, error) {
	return f.drifted, nil
}

func (f *fakeRegistry) UpdateKernelLastStat(context.Context, uuid.UUID, []byte) error {
	return nil
}

func (f *fakeRegistry) ListAgents(context.Context, string) ([]*types.Agent, error) {
	return f.agents, nil
}

func (f *fakeRegistry) MarkAgentStatus(_ context.Context, agentID string, status types.AgentStatus) error {
	f.lost = append(f.lost, agentID)
	for _, a := range f.agents {
		if a.ID == agentID {
			a.Status = status
		}
	}
	return nil
}

func (f *fakeRegistry) AutoscaleEndpoints(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (f *fakeRegistry) ListEndpointsByLifecycle(_ context.Context, stage types.EndpointLifecycle) ([]*registry.EndpointView, error) {
	var out []*registry.EndpointView
	for _, v := range f.endpoints {
		if v.Endpoint.Lifecycle != stage {
			continue
		}
		// Materialize routings from the live route map.
		view := &registry.EndpointView{Endpoint: v.Endpoint}
		for _, rt := range v.Routings {
			view.Routings = append(view.Routings, *f.routes[rt.ID])
		}
		out = append(out, view)
	}
	return out, nil
}

func (f *fakeRegistry) GetEndpoint(_ context.Context, endpointID uuid.UUID) (*registry.EndpointView, error) {
	v, ok := f.endpoints[endpointID]
	if !ok {
		return nil, &types.NotFoundError{Entity: "endpoint", ID: endpointID}
	}
	return v, nil
}

func (f *fakeRegistry) CreateRouting(_ context.Context, endpointID uuid.UUID) (*types.Routing, error) {
	rt := &types.Routing{
		ID:         uuid.New(),
		EndpointID: endpointID,
		Status:     types.RouteProvisioning,
		CreatedAt:  time.Now(),
	}
	f.routes[rt.ID] = rt
	if v, ok := f.endpoints[endpointID]; ok {
		v.Routings = append(v.Routings, *rt)
	}
	return rt, nil
}

func (f *fakeRegistry) BindRoutingSession(_ context.Context, routeID, sessionID uuid.UUID) error {
	f.bound[routeID] = sessionID
	if rt, ok := f.routes[routeID]; ok {
		rt.SessionID = sessionID
	}
	return nil
}

func (f *fakeRegistry) UpdateRouteStatus(_ context.Context, routeID uuid.UUID, status types.RouteStatus) error {
	rt, ok := f.routes[routeID]
	if !ok {
		return &types.NotFoundError{Entity: "routing", ID: routeID}
	}
	rt.Status = status
	return nil
}

func (f *fakeRegistry) IncrementEndpointRetries(_ context.Context, endpointID uuid.UUID) error {
	f.epRetries[endpointID]++
	return nil
}

func (f *fakeRegistry) CleanZombieRoutes(context.Context) (int, error) {
	return f.zombies, nil
}

func (f *fakeRegistry) DestroyTerminatedEndpointsAndRoutes(context.Context, []uuid.UUID, []uuid.UUID) error {
	return nil
}

func testCfg() config.Reconciler {
	return config.Reconciler{
		Interval:               time.Second,
		SessionCreationTimeout: 5 * time.Second,
		HangTolerance:          time.Minute,
		AgentHeartbeatTimeout:  30 * time.Second,
		ServiceMaxRetries:      5,
		ImagePullMaxRetries:    3,
		StartFailurePolicy:     "cancel",
	}
}

// fakeVFolders records mount traffic; appending to seq lets tests assert
// ordering against other recorded calls.
type fakeVFolders struct {
	seq      *[]string
	mounts   []uuid.UUID
	unmounts []uuid.UUID
	mountErr error
}

func (f *fakeVFolders) Mount(_ context.Context, sessionID uuid.UUID, _ types.Mount) error {
	if f.mountErr != nil {
		return f.mountErr
	}
	if f.seq != nil {
		*f.seq = append(*f.seq, "mount")
	}
	f.mounts = append(f.mounts, sessionID)
	return nil
}

func (f *fakeVFolders) Unmount(_ context.Context, sessionID uuid.UUID, _ types.Mount) error {
	f.unmounts = append(f.unmounts, sessionID)
	return nil
}

func newTestReconciler(reg registry.Registry, agents agent.Client, cfg config.Reconciler) *Reconciler {
	return New(reg, agents, events.NewMemoryBus(), nil, cfg)
}

func sessionAt(status types.SessionStatus, kernelStatus types.KernelStatus) *registry.SessionView {
	sessionID := uuid.New()
	req := slots(map[resources.SlotName]int64{"cpu": 2})
	return &registry.SessionView{
		Session: types.Session{
			ID:             sessionID,
			Name:           "sess-" + sessionID.String()[:8],
			Type:           types.SessionInteractive,
			ClusterMode:    types.ClusterSingleNode,
			ClusterSize:    1,
			AccessKey:      "AKIATEST",
			RequestedSlots: req,
			Image:          types.ImageRef{Canonical: "python:3.12", Architecture: "x86_64"},
			Status:         status,
		},
		Kernels: []types.Kernel{{
			ID:             uuid.New(),
			SessionID:      sessionID,
			Role:           types.KernelRoleMain,
			Architecture:   "x86_64",
			Image:          types.ImageRef{Canonical: "python:3.12", Architecture: "x86_64"},
			RequestedSlots: req,
			AgentID:        "a1",
			AgentAddr:      "10.0.0.1:6011",
			Status:         kernelStatus,
		}},
	}
}

func TestCheckPrecondAdvancesToPrepared(t *testing.T) {
	reg := newFakeRegistry()
	view := sessionAt(types.SessionScheduled, types.KernelScheduled)
	reg.addSession(view)
	mock := &agent.MockClient{}

	r := newTestReconciler(reg, mock, testCfg())
	require.NoError(t, r.checkPrecond(context.Background()))

	assert.Equal(t, types.SessionPrepared, view.Session.Status)
	assert.Equal(t, types.KernelPrepared, view.Kernels[0].Status)
	assert.Equal(t, 1, mock.CallCount("CheckAndPullImage"))
}

func TestCheckPrecondWaitsWhileImagePulls(t *testing.T) {
	reg := newFakeRegistry()
	view := sessionAt(types.SessionScheduled, types.KernelScheduled)
	reg.addSession(view)
	mock := &agent.MockClient{
		CheckAndPullImageFunc: func(_ context.Context, _ string, image types.ImageRef) (*agent.ImagePullResult, error) {
			return &agent.ImagePullResult{Canonical: image.Canonical, Present: false, Pulling: true}, nil
		},
	}

	r := newTestReconciler(reg, mock, testCfg())
	require.NoError(t, r.checkPrecond(context.Background()))

	assert.Equal(t, types.SessionPreparing, view.Session.Status)
	assert.Empty(t, reg.failures)
}

func TestPullFailurePastBudgetCancelsSession(t *testing.T) {
	reg := newFakeRegistry()
	view := sessionAt(types.SessionScheduled, types.KernelScheduled)
	view.Session.Retries = 3
	reg.addSession(view)
	mock := &agent.MockClient{
		CheckAndPullImageFunc: func(context.Context, string, types.ImageRef) (*agent.ImagePullResult, error) {
			return nil, errors.New("registry unreachable")
		},
	}

	r := newTestReconciler(reg, mock, testCfg())
	require.NoError(t, r.checkPrecond(context.Background()))

	assert.Equal(t, types.SessionCancelled, view.Session.Status)
	assert.Contains(t, reg.released, view.Session.ID)
	assert.Equal(t, []string{"AKIATEST"}, reg.decremented)
}

func TestStartSessionReachesRunning(t *testing.T) {
	reg := newFakeRegistry()
	view := sessionAt(types.SessionPrepared, types.KernelPrepared)
	reg.addSession(view)
	mock := &agent.MockClient{}

	r := newTestReconciler(reg, mock, testCfg())
	require.NoError(t, r.startSessions(context.Background()))

	assert.Equal(t, types.SessionRunning, view.Session.Status)
	assert.Equal(t, types.KernelRunning, view.Kernels[0].Status)
	assert.Equal(t, 1, mock.CallCount("CreateKernels"))
}

func TestStartSessionMountsVFoldersBeforeKernels(t *testing.T) {
	reg := newFakeRegistry()
	view := sessionAt(types.SessionPrepared, types.KernelPrepared)
	view.Session.Mounts = []types.Mount{{VFolderID: uuid.New(), Name: "data", Perm: "rw"}}
	reg.addSession(view)

	var seq []string
	vf := &fakeVFolders{seq: &seq}
	mock := &agent.MockClient{
		CreateKernelsFunc: func(_ context.Context, _ string, specs []agent.KernelSpec) ([]agent.KernelCreationResult, error) {
			seq = append(seq, "create")
			out := make([]agent.KernelCreationResult, 0, len(specs))
			for _, s := range specs {
				out = append(out, agent.KernelCreationResult{KernelID: s.KernelID, Ok: true})
			}
			return out, nil
		},
	}

	r := New(reg, mock, events.NewMemoryBus(), vf, testCfg())
	require.NoError(t, r.startSessions(context.Background()))

	assert.Equal(t, types.SessionRunning, view.Session.Status)
	assert.Equal(t, []string{"mount", "create"}, seq)
	assert.Equal(t, []uuid.UUID{view.Session.ID}, vf.mounts)
}

func TestMountFailureCancelsSession(t *testing.T) {
	reg := newFakeRegistry()
	view := sessionAt(types.SessionPrepared, types.KernelPrepared)
	view.Session.Mounts = []types.Mount{{VFolderID: uuid.New(), Name: "data", Perm: "rw"}}
	reg.addSession(view)

	vf := &fakeVFolders{mountErr: &types.StorageBackendError{Op: "mount", Status: 403, Detail: "quota exceeded"}}
	mock := &agent.MockClient{}

	r := New(reg, mock, events.NewMemoryBus(), vf, testCfg())
	require.NoError(t, r.startSessions(context.Background()))

	assert.Equal(t, types.SessionCancelled, view.Session.Status)
	assert.Contains(t, view.Session.StatusReason, "quota exceeded")
	assert.Contains(t, reg.released, view.Session.ID)
	assert.Equal(t, []string{"AKIATEST"}, reg.decremented)
	assert.Zero(t, mock.CallCount("CreateKernels"), "no containers after a storage refusal")
}

func TestStartFailureCancelPolicy(t *testing.T) {
	reg := newFakeRegistry()
	view := sessionAt(types.SessionPrepared, types.KernelPrepared)
	reg.addSession(view)
	mock := &agent.MockClient{
		CreateKernelsFunc: func(context.Context, string, []agent.KernelSpec) ([]agent.KernelCreationResult, error) {
			return nil, errors.New("agent refused")
		},
	}

	r := newTestReconciler(reg, mock, testCfg())
	require.NoError(t, r.startSessions(context.Background()))

	assert.Equal(t, types.SessionCancelled, view.Session.Status)
	assert.Contains(t, reg.released, view.Session.ID)
	assert.Equal(t, []string{"AKIATEST"}, reg.decremented)
	assert.Equal(t, 1, mock.CallCount("DestroyKernel"))
}

func TestStartFailureRequeuePolicy(t *testing.T) {
	cfg := testCfg()
	cfg.StartFailurePolicy = "requeue"
	cfg.StartMaxRetries = 2

	reg := newFakeRegistry()
	view := sessionAt(types.SessionPrepared, types.KernelPrepared)
	reg.addSession(view)
	mock := &agent.MockClient{
		CreateKernelsFunc: func(context.Context, string, []agent.KernelSpec) ([]agent.KernelCreationResult, error) {
			return nil, errors.New("agent refused")
		},
	}

	r := newTestReconciler(reg, mock, cfg)
	require.NoError(t, r.startSessions(context.Background()))

	assert.Equal(t, types.SessionScheduled, view.Session.Status)
	assert.Equal(t, 1, view.Session.Retries)
	assert.Empty(t, reg.released, "a requeued session keeps its reservation")
}

func TestTerminalSweepFinalizesSession(t *testing.T) {
	reg := newFakeRegistry()
	view := sessionAt(types.SessionTerminating, types.KernelRunning)
	reg.addSession(view)
	mock := &agent.MockClient{}

	r := newTestReconciler(reg, mock, testCfg())
	require.NoError(t, r.terminalSweep(context.Background()))

	assert.Equal(t, types.SessionTerminated, view.Session.Status)
	assert.Equal(t, 1, mock.CallCount("DestroyKernel"))
	assert.Contains(t, reg.released, view.Session.ID)
	assert.Equal(t, []string{"AKIATEST"}, reg.decremented)
}

func TestTerminalSweepUnmountsVFolders(t *testing.T) {
	reg := newFakeRegistry()
	view := sessionAt(types.SessionTerminating, types.KernelRunning)
	view.Session.Mounts = []types.Mount{{VFolderID: uuid.New(), Name: "data", Perm: "ro"}}
	reg.addSession(view)
	vf := &fakeVFolders{}

	r := New(reg, &agent.MockClient{}, events.NewMemoryBus(), vf, testCfg())
	require.NoError(t, r.terminalSweep(context.Background()))

	assert.Equal(t, types.SessionTerminated, view.Session.Status)
	assert.Equal(t, []uuid.UUID{view.Session.ID}, vf.unmounts)
}

func TestTerminalSweepWaitsForDestroyFailures(t *testing.T) {
	reg := newFakeRegistry()
	view := sessionAt(types.SessionTerminating, types.KernelRunning)
	reg.addSession(view)
	mock := &agent.MockClient{
		DestroyKernelFunc: func(context.Context, string, uuid.UUID, string) error {
			return errors.New("agent busy")
		},
	}

	r := newTestReconciler(reg, mock, testCfg())
	require.NoError(t, r.terminalSweep(context.Background()))

	assert.Equal(t, types.SessionTerminating, view.Session.Status)
	assert.Empty(t, reg.released)
}

func TestForceTerminateStuckSession(t *testing.T) {
	reg := newFakeRegistry()
	view := sessionAt(types.SessionPreparing, types.KernelPreparing)
	reg.addSession(view)
	reg.stuck = []*registry.SessionView{view}
	mock := &agent.MockClient{}

	r := newTestReconciler(reg, mock, testCfg())
	require.NoError(t, r.forceTerminateStuck(context.Background()))

	assert.Equal(t, types.SessionTerminated, view.Session.Status)
	assert.Contains(t, reg.released, view.Session.ID)
}

func TestRouteHealthMarksRunningReplicaHealthy(t *testing.T) {
	reg := newFakeRegistry()
	endpointID := uuid.New()
	sess := sessionAt(types.SessionRunning, types.KernelRunning)
	reg.addSession(sess)
	rt := &types.Routing{
		ID:         uuid.New(),
		EndpointID: endpointID,
		SessionID:  sess.Session.ID,
		Status:     types.RouteProvisioning,
		CreatedAt:  time.Now(),
	}
	reg.routes[rt.ID] = rt
	reg.endpoints[endpointID] = &registry.EndpointView{
		Endpoint: types.Endpoint{ID: endpointID, Name: "llm", Replicas: 1, Lifecycle: types.EndpointCreated},
		Routings: []types.Routing{*rt},
	}
	mock := &agent.MockClient{}

	r := newTestReconciler(reg, mock, testCfg())
	require.NoError(t, r.routeHealth(context.Background()))

	assert.Equal(t, types.RouteHealthy, reg.routes[rt.ID].Status)
	assert.Equal(t, 1, mock.CallCount("PingKernel"))
}

func TestRouteHealthMarksDeadReplicaUnhealthy(t *testing.T) {
	reg := newFakeRegistry()
	endpointID := uuid.New()
	sess := sessionAt(types.SessionRunning, types.KernelRunning)
	reg.addSession(sess)
	rt := &types.Routing{
		ID:         uuid.New(),
		EndpointID: endpointID,
		SessionID:  sess.Session.ID,
		Status:     types.RouteHealthy,
		CreatedAt:  time.Now(),
	}
	reg.routes[rt.ID] = rt
	reg.endpoints[endpointID] = &registry.EndpointView{
		Endpoint: types.Endpoint{ID: endpointID, Name: "llm", Replicas: 1, Lifecycle: types.EndpointCreated},
		Routings: []types.Routing{*rt},
	}
	mock := &agent.MockClient{
		PingKernelFunc: func(_ context.Context, _ string, kernelID uuid.UUID) (*agent.KernelLiveness, error) {
			return &agent.KernelLiveness{KernelID: kernelID, Alive: false}, nil
		},
	}

	r := newTestReconciler(reg, mock, testCfg())
	require.NoError(t, r.routeHealth(context.Background()))

	assert.Equal(t, types.RouteUnhealthy, reg.routes[rt.ID].Status)
}

func TestRouteHealthSkipsStartingReplicas(t *testing.T) {
	reg := newFakeRegistry()
	endpointID := uuid.New()
	sess := sessionAt(types.SessionCreating, types.KernelCreating)
	reg.addSession(sess)
	rt := &types.Routing{
		ID:         uuid.New(),
		EndpointID: endpointID,
		SessionID:  sess.Session.ID,
		Status:     types.RouteProvisioning,
		CreatedAt:  time.Now(),
	}
	reg.routes[rt.ID] = rt
	reg.endpoints[endpointID] = &registry.EndpointView{
		Endpoint: types.Endpoint{ID: endpointID, Name: "llm", Replicas: 1, Lifecycle: types.EndpointCreated},
		Routings: []types.Routing{*rt},
	}
	mock := &agent.MockClient{}

	r := newTestReconciler(reg, mock, testCfg())
	require.NoError(t, r.routeHealth(context.Background()))

	assert.Equal(t, types.RouteProvisioning, reg.routes[rt.ID].Status)
	assert.Zero(t, mock.CallCount("PingKernel"))
}

func TestCounterDriftTriggersRescan(t *testing.T) {
	reg := newFakeRegistry()
	reg.drifted = []string{"AKIAGHOST"}

	r := newTestReconciler(reg, &agent.MockClient{}, testCfg())
	require.NoError(t, r.rescanDriftedCounters(context.Background()))

	assert.Equal(t, []string{"AKIAGHOST"}, reg.rescans)
}

func TestScaleDownPrefersUnhealthyRoute(t *testing.T) {
	reg := newFakeRegistry()
	endpointID := uuid.New()
	base := time.Now().Add(-time.Hour)

	view := &registry.EndpointView{Endpoint: types.Endpoint{
		ID: endpointID, Name: "llm", Replicas: 2, Lifecycle: types.EndpointCreated,
	}}
	var routeIDs []uuid.UUID
	for i, status := range []types.RouteStatus{types.RouteHealthy, types.RouteUnhealthy, types.RouteHealthy} {
		sess := sessionAt(types.SessionRunning, types.KernelRunning)
		reg.addSession(sess)
		rt := &types.Routing{
			ID:         uuid.New(),
			EndpointID: endpointID,
			SessionID:  sess.Session.ID,
			Status:     status,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		reg.routes[rt.ID] = rt
		view.Routings = append(view.Routings, *rt)
		routeIDs = append(routeIDs, rt.ID)
	}
	reg.endpoints[endpointID] = view

	r := newTestReconciler(reg, &agent.MockClient{}, testCfg())
	require.NoError(t, r.autoscale(context.Background()))

	assert.Equal(t, types.RouteTerminating, reg.routes[routeIDs[1]].Status)
	assert.Equal(t, types.RouteHealthy, reg.routes[routeIDs[0]].Status)
	assert.Equal(t, types.RouteHealthy, reg.routes[routeIDs[2]].Status)

	victim := reg.sessions[reg.routes[routeIDs[1]].SessionID]
	assert.Equal(t, types.SessionTerminating, victim.Session.Status)
}

func TestScaleUpCreatesRoutings(t *testing.T) {
	reg := newFakeRegistry()
	endpointID := uuid.New()
	reg.endpoints[endpointID] = &registry.EndpointView{Endpoint: types.Endpoint{
		ID: endpointID, Name: "llm", Replicas: 2, Lifecycle: types.EndpointCreated,
	}}

	r := newTestReconciler(reg, &agent.MockClient{}, testCfg())
	require.NoError(t, r.autoscale(context.Background()))

	assert.Len(t, reg.routes, 2)
	for _, rt := range reg.routes {
		assert.Equal(t, types.RouteProvisioning, rt.Status)
	}
}

func TestProvisionRouteCreatesAndBindsReplicaSession(t *testing.T) {
	reg := newFakeRegistry()
	endpointID := uuid.New()
	reg.endpoints[endpointID] = &registry.EndpointView{Endpoint: types.Endpoint{
		ID:             endpointID,
		Name:           "llm",
		Model:          "llama3",
		Replicas:       1,
		Lifecycle:      types.EndpointCreated,
		Image:          types.ImageRef{Canonical: "vllm:latest", Architecture: "x86_64"},
		RequestedSlots: slots(map[resources.SlotName]int64{"cpu": 4, "cuda.device": 1}),
		ScalingGroup:   "gpu",
		AccessKey:      "AKIASVC",
	}}
	route, err := reg.CreateRouting(context.Background(), endpointID)
	require.NoError(t, err)

	r := newTestReconciler(reg, &agent.MockClient{}, testCfg())
	ev := events.New(events.EventRouteCreated)
	ev.RouteID = route.ID
	ev.EndpointID = endpointID
	require.NoError(t, r.onEvent(context.Background(), ev))

	require.Len(t, reg.created, 1)
	created := reg.created[0]
	assert.Equal(t, types.SessionInference, created.Session.Type)
	assert.Equal(t, "gpu", created.Session.ScalingGroup)
	assert.Equal(t, "AKIASVC", created.Session.AccessKey)
	require.Len(t, created.Kernels, 1)
	assert.Equal(t, created.Session.ID, reg.bound[route.ID])
}

func TestProvisionRouteForMissingEndpointIsAcked(t *testing.T) {
	reg := newFakeRegistry()
	r := newTestReconciler(reg, &agent.MockClient{}, testCfg())

	ev := events.New(events.EventRouteCreated)
	ev.RouteID = uuid.New()
	ev.EndpointID = uuid.New()
	require.NoError(t, r.onEvent(context.Background(), ev))
	assert.Empty(t, reg.created)
}

func TestMarkLostAgents(t *testing.T) {
	reg := newFakeRegistry()
	reg.agents = []*types.Agent{
		{ID: "fresh", Status: types.AgentAlive, LastHeartbeat: time.Now()},
		{ID: "stale", Status: types.AgentAlive, LastHeartbeat: time.Now().Add(-time.Minute)},
		{ID: "gone", Status: types.AgentLost, LastHeartbeat: time.Now().Add(-time.Hour)},
	}

	r := newTestReconciler(reg, &agent.MockClient{}, testCfg())
	require.NoError(t, r.markLostAgents(context.Background()))

	assert.Equal(t, []string{"stale"}, reg.lost)
}
