package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sokovan-io/sokovan/pkg/log"
)

const (
	anycastStream    = "sokovan.events"
	broadcastChannel = "sokovan.events.broadcast"

	// Bound the stream so slow consumers never grow Redis unbounded.
	streamMaxLen = 8192

	readBlock = 5 * time.Second
	readCount = 16

	// Entries another consumer read but never acked become claimable
	// after this much idle time.
	defaultClaimMinIdle = 30 * time.Second
)

// RedisBus carries events over one Redis deployment: a stream with
// consumer groups for anycast delivery and a pub/sub channel for
// broadcast fan-out.
type RedisBus struct {
	client       redis.UniversalClient
	logger       zerolog.Logger
	claimMinIdle time.Duration
}

// NewRedisBus wraps an existing Redis client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client:       client,
		logger:       log.WithComponent("events.redis"),
		claimMinIdle: defaultClaimMinIdle,
	}
}

func (b *RedisBus) Anycast(ctx context.Context, ev *Event) error {
	raw, err := ev.encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: anycastStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"data": raw},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish anycast event: %w", err)
	}
	return nil
}

func (b *RedisBus) Broadcast(ctx context.Context, ev *Event) error {
	raw, err := ev.encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, broadcastChannel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish broadcast event: %w", err)
	}
	return nil
}

// ConsumeAnycast joins the consumer group and processes events until the
// context is cancelled. Events are acked only after the handler returns
// nil, so a crashed consumer leaves them pending; pending entries past
// the idle threshold are reclaimed at join time and then periodically.
func (b *RedisBus) ConsumeAnycast(ctx context.Context, group, consumer string, h Handler) error {
	err := b.client.XGroupCreateMkStream(ctx, anycastStream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	b.reclaimPending(ctx, group, consumer, h)
	lastClaim := time.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(lastClaim) >= b.claimMinIdle {
			b.reclaimPending(ctx, group, consumer, h)
			lastClaim = time.Now()
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{anycastStream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn().Err(err).Msg("stream read failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.handleMessage(ctx, group, msg, h)
			}
		}
	}
}

// reclaimPending takes over entries stranded in another consumer's
// pending list, so a replica that crashed mid-handling cannot orphan
// events forever.
func (b *RedisBus) reclaimPending(ctx context.Context, group, consumer string, h Handler) {
	start := "0-0"
	for {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   anycastStream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.claimMinIdle,
			Start:    start,
			Count:    readCount,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn().Err(err).Msg("failed to reclaim pending events")
			}
			return
		}
		for _, msg := range msgs {
			b.handleMessage(ctx, group, msg, h)
		}
		if len(msgs) == 0 || next == "0-0" {
			return
		}
		start = next
	}
}

func (b *RedisBus) handleMessage(ctx context.Context, group string, msg redis.XMessage, h Handler) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		// Malformed entries are acked away, there is nothing to retry.
		b.logger.Error().Str("message_id", msg.ID).Msg("dropping malformed stream entry")
		_ = b.client.XAck(ctx, anycastStream, group, msg.ID).Err()
		return
	}
	ev, err := decode([]byte(raw))
	if err != nil {
		b.logger.Error().Err(err).Str("message_id", msg.ID).Msg("dropping undecodable event")
		_ = b.client.XAck(ctx, anycastStream, group, msg.ID).Err()
		return
	}
	if err := h(ctx, ev); err != nil {
		b.logger.Warn().Err(err).
			Str("event_type", string(ev.Type)).
			Str("message_id", msg.ID).
			Msg("event handler failed, leaving event pending")
		return
	}
	if err := b.client.XAck(ctx, anycastStream, group, msg.ID).Err(); err != nil {
		b.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to ack event")
	}
}

// SubscribeBroadcast delivers every broadcast event to h until the
// context is cancelled. Handler errors are logged and skipped; broadcast
// has no redelivery.
func (b *RedisBus) SubscribeBroadcast(ctx context.Context, h Handler) error {
	sub := b.client.Subscribe(ctx, broadcastChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := decode([]byte(msg.Payload))
			if err != nil {
				b.logger.Error().Err(err).Msg("dropping undecodable broadcast event")
				continue
			}
			if err := h(ctx, ev); err != nil {
				b.logger.Warn().Err(err).
					Str("event_type", string(ev.Type)).
					Msg("broadcast handler failed")
			}
		}
	}
}

func (b *RedisBus) Close() error { return nil }
