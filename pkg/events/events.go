package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a lifecycle event on the bus.
type EventType string

const (
	EventSessionScheduled  EventType = "session.scheduled"
	EventSessionPreparing  EventType = "session.preparing"
	EventSessionPrepared   EventType = "session.prepared"
	EventSessionStarted    EventType = "session.started"
	EventSessionCancelled  EventType = "session.cancelled"
	EventSessionTerminated EventType = "session.terminated"
	EventRouteCreated      EventType = "route.created"
	EventRouteTerminated   EventType = "route.terminated"
	EventAgentLost         EventType = "agent.lost"
	EventAgentHeartbeat    EventType = "agent.heartbeat"
	EventDoSchedule        EventType = "do.schedule"
)

// Event is one lifecycle notification. Identifier fields are set only
// when meaningful for the event type.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  uuid.UUID `json:"session_id,omitempty"`
	EndpointID uuid.UUID `json:"endpoint_id,omitempty"`
	RouteID    uuid.UUID `json:"route_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// New stamps a fresh event of the given type.
func New(typ EventType) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now(),
	}
}

func (e *Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

func decode(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Handler consumes one delivered event. Returning an error leaves an
// anycast event pending for redelivery.
type Handler func(ctx context.Context, ev *Event) error

// Producer publishes events. Anycast delivers to exactly one consumer of
// the group; Broadcast fans out to every subscriber.
type Producer interface {
	Anycast(ctx context.Context, ev *Event) error
	Broadcast(ctx context.Context, ev *Event) error
}

// Bus is the full event transport: producing plus the two consuming
// modes. Consume loops block until the context is cancelled.
type Bus interface {
	Producer
	ConsumeAnycast(ctx context.Context, group, consumer string, h Handler) error
	SubscribeBroadcast(ctx context.Context, h Handler) error
	Close() error
}
