package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBus(client)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRedisBusAnycastDeliversOnce(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID := uuid.New()
	ev := New(EventSessionScheduled)
	ev.SessionID = sessionID
	require.NoError(t, bus.Anycast(ctx, ev))

	var delivered int32
	var got atomic.Value
	for i := 0; i < 2; i++ {
		consumer := "c" + string(rune('0'+i))
		go func() {
			_ = bus.ConsumeAnycast(ctx, "reconciler", consumer, func(_ context.Context, ev *Event) error {
				atomic.AddInt32(&delivered, 1)
				got.Store(ev.SessionID)
				return nil
			})
		}()
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&delivered) == 1 })
	assert.Equal(t, sessionID, got.Load())

	// Give a moment for any double delivery to surface.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&delivered))
}

func TestRedisBusAnycastRedeliversAfterHandlerFailure(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Anycast(ctx, New(EventRouteCreated)))

	var attempts int32
	go func() {
		_ = bus.ConsumeAnycast(ctx, "reconciler", "c0", func(_ context.Context, _ *Event) error {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return errors.New("transient")
			}
			return nil
		})
	}()

	waitFor(t, func() bool { return atomic.LoadInt32(&attempts) >= 1 })
	// The failed event stays pending; a fresh event still flows.
	require.NoError(t, bus.Anycast(ctx, New(EventRouteCreated)))
	waitFor(t, func() bool { return atomic.LoadInt32(&attempts) >= 2 })
}

func TestRedisBusAnycastReclaimsAbandonedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := NewRedisBus(client)
	bus.claimMinIdle = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID := uuid.New()
	ev := New(EventRouteCreated)
	ev.SessionID = sessionID
	require.NoError(t, bus.Anycast(ctx, ev))

	// A consumer reads the event and dies before acking, stranding it in
	// that consumer's pending list.
	require.NoError(t, client.XGroupCreateMkStream(ctx, anycastStream, "reconciler", "0").Err())
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "reconciler",
		Consumer: "dead",
		Streams:  []string{anycastStream, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, streams[0].Messages, 1)

	// Once the entry sits idle past the threshold, a surviving consumer
	// must claim and process it.
	time.Sleep(30 * time.Millisecond)

	var got atomic.Value
	go func() {
		_ = bus.ConsumeAnycast(ctx, "reconciler", "survivor", func(_ context.Context, ev *Event) error {
			got.Store(ev.SessionID)
			return nil
		})
	}()

	waitFor(t, func() bool {
		v, ok := got.Load().(uuid.UUID)
		return ok && v == sessionID
	})
}

func TestRedisBusBroadcastFansOut(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var a, b int32
	go func() {
		_ = bus.SubscribeBroadcast(ctx, func(_ context.Context, _ *Event) error {
			atomic.AddInt32(&a, 1)
			return nil
		})
	}()
	go func() {
		_ = bus.SubscribeBroadcast(ctx, func(_ context.Context, _ *Event) error {
			atomic.AddInt32(&b, 1)
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, bus.Broadcast(ctx, New(EventAgentLost)))
	waitFor(t, func() bool {
		return atomic.LoadInt32(&a) == 1 && atomic.LoadInt32(&b) == 1
	})
}

func TestMemoryBusAnycastAndBroadcast(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var anycast, broadcast int32
	go func() {
		_ = bus.ConsumeAnycast(ctx, "g", "c", func(_ context.Context, _ *Event) error {
			atomic.AddInt32(&anycast, 1)
			return nil
		})
	}()
	go func() {
		_ = bus.SubscribeBroadcast(ctx, func(_ context.Context, _ *Event) error {
			atomic.AddInt32(&broadcast, 1)
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, bus.Anycast(ctx, New(EventDoSchedule)))
	require.NoError(t, bus.Broadcast(ctx, New(EventSessionStarted)))

	waitFor(t, func() bool {
		return atomic.LoadInt32(&anycast) == 1 && atomic.LoadInt32(&broadcast) == 1
	})
}
