package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Conversation progress events, published in turn order per session.
	EventTurnStarting     EventType = "conversation.turn_starting"
	EventTurnCompleted    EventType = "conversation.turn_completed"
	EventSessionCompleted EventType = "conversation.session_completed"
	EventSessionError     EventType = "conversation.session_error"
	EventSessionCancelled EventType = "conversation.session_cancelled"

	// Knowledge events.
	EventEntryRecorded    EventType = "knowledge.entry_recorded"
	EventBackfillFinished EventType = "knowledge.backfill_finished"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// TurnEventPayload is carried by turn_starting and turn_completed events.
type TurnEventPayload struct {
	TurnIndex    int    `json:"turn_index"`
	Agent        string `json:"agent"`
	RespondingTo string `json:"responding_to,omitempty"`
	Message      string `json:"message,omitempty"`
	NextSpeaker  string `json:"next_speaker,omitempty"`
}

// SessionEventPayload is carried by session-level lifecycle events.
type SessionEventPayload struct {
	Status     SessionStatus `json:"status"`
	TotalTurns int           `json:"total_turns"`
	Reason     string        `json:"reason,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
// Each subscriber observes events in the order they were published.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeSession registers a handler for every event tagged with sessionID.
	SubscribeSession(sessionID string, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains queued events and prevents new publishes.
	Close()
}

// EntryEventPayload is carried by knowledge.entry_recorded.
type EntryEventPayload struct {
	EntryID   int64  `json:"entry_id"`
	AgentName string `json:"agent_name"`
	Kind      Kind   `json:"kind"`
	Embedded  bool   `json:"embedded"`
}

// BackfillEventPayload is carried by knowledge.backfill_finished.
type BackfillEventPayload struct {
	Updated int  `json:"updated"`
	Stopped bool `json:"stopped_early"`
}

// NewEvent builds an event with a JSON-encoded payload. A payload that fails
// to encode is dropped.
func NewEvent(t EventType, sessionID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), SessionID: sessionID}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}
