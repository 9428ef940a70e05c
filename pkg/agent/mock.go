package agent

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sokovan-io/sokovan/pkg/types"
)

// MockClient is an in-memory Client for tests. Per-method funcs override
// behavior; unset methods succeed with zero values. Calls are recorded.
type MockClient struct {
	mu    sync.Mutex
	Calls []string

	PingFunc              func(ctx context.Context, addr string) error
	CheckAndPullImageFunc func(ctx context.Context, addr string, image types.ImageRef) (*ImagePullResult, error)
	CreateKernelsFunc     func(ctx context.Context, addr string, specs []KernelSpec) ([]KernelCreationResult, error)
	DestroyKernelFunc     func(ctx context.Context, addr string, kernelID uuid.UUID, reason string) error
	PingKernelFunc        func(ctx context.Context, addr string, kernelID uuid.UUID) (*KernelLiveness, error)
	GatherStatsFunc       func(ctx context.Context, addr string, kernelIDs []uuid.UUID) ([]KernelLiveness, error)
}

func (m *MockClient) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, method)
}

// CallCount returns how many times a method ran.
func (m *MockClient) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c == method {
			n++
		}
	}
	return n
}

func (m *MockClient) Ping(ctx context.Context, addr string) error {
	m.record("Ping")
	if m.PingFunc != nil {
		return m.PingFunc(ctx, addr)
	}
	return nil
}

func (m *MockClient) CheckAndPullImage(ctx context.Context, addr string, image types.ImageRef) (*ImagePullResult, error) {
	m.record("CheckAndPullImage")
	if m.CheckAndPullImageFunc != nil {
		return m.CheckAndPullImageFunc(ctx, addr, image)
	}
	return &ImagePullResult{Canonical: image.Canonical, Present: true}, nil
}

func (m *MockClient) CreateKernels(ctx context.Context, addr string, specs []KernelSpec) ([]KernelCreationResult, error) {
	m.record("CreateKernels")
	if m.CreateKernelsFunc != nil {
		return m.CreateKernelsFunc(ctx, addr, specs)
	}
	out := make([]KernelCreationResult, 0, len(specs))
	for _, s := range specs {
		out = append(out, KernelCreationResult{KernelID: s.KernelID, Ok: true})
	}
	return out, nil
}

func (m *MockClient) DestroyKernel(ctx context.Context, addr string, kernelID uuid.UUID, reason string) error {
	m.record("DestroyKernel")
	if m.DestroyKernelFunc != nil {
		return m.DestroyKernelFunc(ctx, addr, kernelID, reason)
	}
	return nil
}

func (m *MockClient) PingKernel(ctx context.Context, addr string, kernelID uuid.UUID) (*KernelLiveness, error) {
	m.record("PingKernel")
	if m.PingKernelFunc != nil {
		return m.PingKernelFunc(ctx, addr, kernelID)
	}
	return &KernelLiveness{KernelID: kernelID, Alive: true}, nil
}

func (m *MockClient) GatherStats(ctx context.Context, addr string, kernelIDs []uuid.UUID) ([]KernelLiveness, error) {
	m.record("GatherStats")
	if m.GatherStatsFunc != nil {
		return m.GatherStatsFunc(ctx, addr, kernelIDs)
	}
	out := make([]KernelLiveness, 0, len(kernelIDs))
	for _, id := range kernelIDs {
		out = append(out, KernelLiveness{KernelID: id, Alive: true})
	}
	return out, nil
}

func (m *MockClient) Close() error { return nil }
