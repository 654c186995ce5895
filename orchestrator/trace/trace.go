// Package trace defines the structured trace emission contract used across
// the orchestrator. Every store mutation and every dispatcher branch emits
// one Event for observability; no trace is load-bearing for correctness, so
// emitters must never fail the operation that produced the event.
package trace

import "context"

type (
	// Event is one structured observability record.
	Event struct {
		// Type names the event (e.g., "turn.created", "dispatch.task.queued").
		Type string `json:"type"`
		// ConversationID scopes the event to the owning actor.
		ConversationID string `json:"conversation_id,omitempty"`
		// Payload carries event-specific data.
		Payload map[string]any `json:"payload,omitempty"`
	}

	// Emitter receives trace events. Implementations must be non-blocking or
	// internally bounded; emission errors are swallowed by callers.
	Emitter interface {
		Emit(ctx context.Context, event Event)
	}

	// EmitterFunc adapts a function to the Emitter interface.
	EmitterFunc func(ctx context.Context, event Event)

	// NoopEmitter discards all events.
	NoopEmitter struct{}

	// Recorder collects events in order for tests.
	Recorder struct {
		events []Event
	}
)

// Emit calls f(ctx, event).
func (f EmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// Emit discards the event.
func (NoopEmitter) Emit(context.Context, Event) {}

// Emit appends the event to the recorder.
//
// Recorder is intended for single-writer test use and is not synchronized.
func (r *Recorder) Emit(_ context.Context, event Event) {
	r.events = append(r.events, event)
}

// Events returns the recorded events in emission order.
func (r *Recorder) Events() []Event { return r.events }

// Types returns the recorded event types in emission order.
func (r *Recorder) Types() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
