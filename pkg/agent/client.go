package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sokovan-io/sokovan/pkg/log"
	"github.com/sokovan-io/sokovan/pkg/metrics"
	"github.com/sokovan-io/sokovan/pkg/types"
)

const (
	methodPing          = "/sokovan.agent.v1.Agent/Ping"
	methodPullImage     = "/sokovan.agent.v1.Agent/CheckAndPullImage"
	methodCreateKernels = "/sokovan.agent.v1.Agent/CreateKernels"
	methodDestroyKernel = "/sokovan.agent.v1.Agent/DestroyKernel"
	methodPingKernel    = "/sokovan.agent.v1.Agent/PingKernel"
	methodGatherStats   = "/sokovan.agent.v1.Agent/GatherStats"

	defaultRPCTimeout = 30 * time.Second
)

// Client is the manager-side RPC surface of the agents. Implementations
// must be safe for concurrent use; the reconciler fans calls out with an
// errgroup.
type Client interface {
	Ping(ctx context.Context, addr string) error
	CheckAndPullImage(ctx context.Context, addr string, image types.ImageRef) (*ImagePullResult, error)
	CreateKernels(ctx context.Context, addr string, specs []KernelSpec) ([]KernelCreationResult, error)
	DestroyKernel(ctx context.Context, addr string, kernelID uuid.UUID, reason string) error
	PingKernel(ctx context.Context, addr string, kernelID uuid.UUID) (*KernelLiveness, error)
	GatherStats(ctx context.Context, addr string, kernelIDs []uuid.UUID) ([]KernelLiveness, error)
	Close() error
}

// GRPCClient dials each agent lazily and keeps one connection plus one
// circuit breaker per address. A tripped breaker fails calls to that
// agent immediately until the cool-down passes.
type GRPCClient struct {
	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	breakers map[string]*gobreaker.CircuitBreaker
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewGRPCClient creates a client with the given per-call timeout; zero
// means the default.
func NewGRPCClient(timeout time.Duration) *GRPCClient {
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	return &GRPCClient{
		conns:    make(map[string]*grpc.ClientConn),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		timeout:  timeout,
		logger:   log.WithComponent("agent.client"),
	}
}

func (c *GRPCClient) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial agent %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

func (c *GRPCClient) breaker(addr string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[addr]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent:" + addr,
		MaxRequests: 1,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("agent circuit breaker state changed")
		},
	})
	c.breakers[addr] = cb
	return cb
}

// invoke runs one unary call through the breaker with the client timeout.
func (c *GRPCClient) invoke(ctx context.Context, addr, method string, req, reply any) error {
	start := time.Now()
	_, err := c.breaker(addr).Execute(func() (any, error) {
		conn, err := c.conn(addr)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return nil, conn.Invoke(callCtx, method, req, reply)
	})
	metrics.AgentRPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AgentRPCErrors.WithLabelValues(method).Inc()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("agent %s unavailable: %w", addr, err)
		}
		return fmt.Errorf("agent rpc %s to %s failed: %w", method, addr, err)
	}
	return nil
}

func (c *GRPCClient) Ping(ctx context.Context, addr string) error {
	token := uuid.NewString()
	var reply pingReply
	if err := c.invoke(ctx, addr, methodPing, &pingRequest{Token: token}, &reply); err != nil {
		return err
	}
	if reply.Token != token {
		return fmt.Errorf("agent %s ping token mismatch", addr)
	}
	return nil
}

func (c *GRPCClient) CheckAndPullImage(ctx context.Context, addr string, image types.ImageRef) (*ImagePullResult, error) {
	var reply ImagePullResult
	err := c.invoke(ctx, addr, methodPullImage, &pullImageRequest{
		Canonical:    image.Canonical,
		Architecture: image.Architecture,
	}, &reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *GRPCClient) CreateKernels(ctx context.Context, addr string, specs []KernelSpec) ([]KernelCreationResult, error) {
	var reply createKernelsReply
	if err := c.invoke(ctx, addr, methodCreateKernels, &createKernelsRequest{Specs: specs}, &reply); err != nil {
		return nil, err
	}
	return reply.Results, nil
}

func (c *GRPCClient) DestroyKernel(ctx context.Context, addr string, kernelID uuid.UUID, reason string) error {
	var reply destroyKernelReply
	return c.invoke(ctx, addr, methodDestroyKernel, &destroyKernelRequest{
		KernelID: kernelID,
		Reason:   reason,
	}, &reply)
}

func (c *GRPCClient) PingKernel(ctx context.Context, addr string, kernelID uuid.UUID) (*KernelLiveness, error) {
	var reply KernelLiveness
	if err := c.invoke(ctx, addr, methodPingKernel, &pingKernelRequest{KernelID: kernelID}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *GRPCClient) GatherStats(ctx context.Context, addr string, kernelIDs []uuid.UUID) ([]KernelLiveness, error) {
	var reply gatherStatsReply
	if err := c.invoke(ctx, addr, methodGatherStats, &gatherStatsRequest{KernelIDs: kernelIDs}, &reply); err != nil {
		return nil, err
	}
	return reply.Stats, nil
}

// Close tears down every pooled connection.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.conns, addr)
	}
	return first
}
