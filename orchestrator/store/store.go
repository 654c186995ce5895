// Package store defines the conversation-local durable entities (turns,
// messages, moves, async ops, participants) and the narrow store interfaces
// the orchestrator mutates them through. Every store is owned by exactly one
// conversation actor; the single-writer discipline is what keeps these
// interfaces lock-free at the contract level.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/colloquy-dev/colloquy/orchestrator/toolerrors"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
)

// CallerType identifies who initiated a turn.
type CallerType string

const (
	// CallerUser marks a turn started by an end user.
	CallerUser CallerType = "user"
	// CallerWorkflow marks a turn started by a workflow coordinator.
	CallerWorkflow CallerType = "workflow"
	// CallerAgent marks a turn started by a peer agent.
	CallerAgent CallerType = "agent"
)

// TurnStatus is the lifecycle state of a turn.
type TurnStatus string

const (
	// TurnActive is the initial state.
	TurnActive TurnStatus = "active"
	// TurnCompleted is terminal; all obligations were discharged.
	TurnCompleted TurnStatus = "completed"
	// TurnFailed is terminal; the turn was abandoned with an error.
	TurnFailed TurnStatus = "failed"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks an end-user utterance.
	RoleUser Role = "user"
	// RoleAgent marks an agent utterance.
	RoleAgent Role = "agent"
)

// OpStatus is the lifecycle state of an async op.
type OpStatus string

const (
	// OpPending means the invocation is in flight and the turn continues
	// regardless of its outcome.
	OpPending OpStatus = "pending"
	// OpWaiting means the turn is blocked on this invocation.
	OpWaiting OpStatus = "waiting"
	// OpCompleted is terminal success.
	OpCompleted OpStatus = "completed"
	// OpFailed is terminal failure.
	OpFailed OpStatus = "failed"
)

type (
	// Caller records who started a turn.
	Caller struct {
		// Type discriminates the caller variant.
		Type CallerType `json:"type" bson:"type"`
		// ID names the user, workflow run, or agent conversation.
		ID string `json:"id,omitempty" bson:"id,omitempty"`
	}

	// Issues summarizes problems observed during a turn.
	Issues struct {
		// ToolFailures counts moves whose tool result reported failure.
		ToolFailures int `json:"tool_failures,omitempty" bson:"tool_failures,omitempty"`
		// MemoryExtractionFailed reports that the extraction workflow errored.
		MemoryExtractionFailed bool `json:"memory_extraction_failed,omitempty" bson:"memory_extraction_failed,omitempty"`
	}

	// Turn is one unit of agent work.
	Turn struct {
		// ID is sortable; creation order defines turn order within a
		// conversation.
		ID string `json:"id" bson:"_id"`
		// ConversationID scopes the turn to its owning actor.
		ConversationID string `json:"conversation_id" bson:"conversation_id"`
		// Caller records who initiated the turn.
		Caller Caller `json:"caller" bson:"caller"`
		// Input is the opaque payload the turn was started with. Callback
		// envelopes for delegation live under reserved keys inside it.
		Input map[string]any `json:"input,omitempty" bson:"input,omitempty"`
		// Status is active, completed, or failed.
		Status TurnStatus `json:"status" bson:"status"`
		// ContextAssemblyRunID links the context-assembly workflow run.
		ContextAssemblyRunID string `json:"context_assembly_run_id,omitempty" bson:"context_assembly_run_id,omitempty"`
		// MemoryExtractionRunID links the memory-extraction workflow run.
		MemoryExtractionRunID string `json:"memory_extraction_run_id,omitempty" bson:"memory_extraction_run_id,omitempty"`
		// Issues holds problem counters recorded at completion.
		Issues *Issues `json:"issues,omitempty" bson:"issues,omitempty"`
		// ErrorCode and ErrorMessage are set when the turn failed.
		ErrorCode    string `json:"error_code,omitempty" bson:"error_code,omitempty"`
		ErrorMessage string `json:"error_message,omitempty" bson:"error_message,omitempty"`
		// CreatedAt is the turn start time.
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
		// CompletedAt is set when the turn reaches a terminal state.
		CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	}

	// Message is one user or agent utterance.
	Message struct {
		ID             string    `json:"id" bson:"_id"`
		ConversationID string    `json:"conversation_id" bson:"conversation_id"`
		TurnID         string    `json:"turn_id" bson:"turn_id"`
		Role           Role      `json:"role" bson:"role"`
		Content        string    `json:"content" bson:"content"`
		CreatedAt      time.Time `json:"created_at" bson:"created_at"`
	}

	// ToolCall is the model's request to invoke a tool.
	ToolCall struct {
		// ID is the provider-assigned tool call id; async ops reuse it.
		ID string `json:"id" bson:"id"`
		// ToolID names the tool definition.
		ToolID string `json:"tool_id" bson:"tool_id"`
		// Input is the mapped tool input.
		Input map[string]any `json:"input,omitempty" bson:"input,omitempty"`
	}

	// ToolResult is the outcome of a tool invocation.
	ToolResult struct {
		// Success discriminates Result from Error.
		Success bool `json:"success" bson:"success"`
		// Result is the opaque success payload.
		Result any `json:"result,omitempty" bson:"result,omitempty"`
		// Error describes the failure.
		Error *toolerrors.ToolError `json:"error,omitempty" bson:"error,omitempty"`
	}

	// Move is one iteration within a turn.
	Move struct {
		ID     string `json:"id" bson:"_id"`
		TurnID string `json:"turn_id" bson:"turn_id"`
		// Sequence is monotonic per turn, starting at 0.
		Sequence int `json:"sequence" bson:"sequence"`
		// Reasoning is the model's text for this iteration, if any.
		Reasoning string `json:"reasoning,omitempty" bson:"reasoning,omitempty"`
		// ToolCall is set when this move dispatched a tool.
		ToolCall *ToolCall `json:"tool_call,omitempty" bson:"tool_call,omitempty"`
		// ToolResult is filled in when the tool's outcome arrives.
		ToolResult *ToolResult `json:"tool_result,omitempty" bson:"tool_result,omitempty"`
		// RawContent holds the provider-native assistant content blocks for
		// this iteration, kept verbatim so continuation requests round-trip.
		RawContent []json.RawMessage `json:"raw_content,omitempty" bson:"raw_content,omitempty"`
		CreatedAt  time.Time         `json:"created_at" bson:"created_at"`
	}

	// AsyncOp tracks one in-flight tool invocation. Its ID equals the owning
	// tool call id, so at most one op exists per tool call.
	AsyncOp struct {
		ID         string           `json:"id" bson:"_id"`
		TurnID     string           `json:"turn_id" bson:"turn_id"`
		TargetType tools.TargetType `json:"target_type" bson:"target_type"`
		TargetID   string           `json:"target_id" bson:"target_id"`
		Status     OpStatus         `json:"status" bson:"status"`
		// Result and Error are terminal payloads.
		Result any                   `json:"result,omitempty" bson:"result,omitempty"`
		Error  *toolerrors.ToolError `json:"error,omitempty" bson:"error,omitempty"`
		// TimeoutAt is the absolute deadline, when one applies.
		TimeoutAt *time.Time `json:"timeout_at,omitempty" bson:"timeout_at,omitempty"`
		// AttemptNumber starts at 1 and grows on retry up to MaxAttempts.
		AttemptNumber int `json:"attempt_number" bson:"attempt_number"`
		// MaxAttempts of 0 or 1 means no retries.
		MaxAttempts int `json:"max_attempts,omitempty" bson:"max_attempts,omitempty"`
		// BackoffMs is the delay applied when preparing a retry.
		BackoffMs int `json:"backoff_ms,omitempty" bson:"backoff_ms,omitempty"`
		// LastError records the most recent failure that triggered a retry.
		LastError   string     `json:"last_error,omitempty" bson:"last_error,omitempty"`
		CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
		CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	}

	// Participant is one member of a conversation. Set semantics: at most one
	// row per (conversation, type, id).
	Participant struct {
		ConversationID  string    `json:"conversation_id" bson:"conversation_id"`
		ParticipantType string    `json:"participant_type" bson:"participant_type"`
		ParticipantID   string    `json:"participant_id" bson:"participant_id"`
		AddedAt         time.Time `json:"added_at" bson:"added_at"`
		AddedByTurnID   string    `json:"added_by_turn_id,omitempty" bson:"added_by_turn_id,omitempty"`
	}

	// MoveParams carries the fields of a new move. Sequence and timestamps
	// are assigned by the store.
	MoveParams struct {
		TurnID     string
		Reasoning  string
		ToolCall   *ToolCall
		RawContent []json.RawMessage
	}

	// TrackParams carries the fields of a new async op.
	TrackParams struct {
		// OpID must equal the tool call id.
		OpID       string
		TurnID     string
		TargetType tools.TargetType
		TargetID   string
		// TimeoutAt arms the deadline sweep for this op when set.
		TimeoutAt *time.Time
		// Retry enables timeout retries when set.
		Retry *tools.RetryConfig
	}
)

// Store sentinel errors. Backends return these (possibly wrapped) so callers
// can branch with errors.Is.
var (
	// ErrTurnNotFound is returned when no turn exists with the given id.
	ErrTurnNotFound = errors.New("turn not found")
	// ErrMoveNotFound is returned when no move matches the query.
	ErrMoveNotFound = errors.New("move not found")
	// ErrAsyncOpNotFound is returned when no async op exists with the given id.
	ErrAsyncOpNotFound = errors.New("async op not found")
)

type (
	// TurnStore persists turns.
	TurnStore interface {
		// Create inserts a new active turn with a sortable id.
		Create(ctx context.Context, conversationID string, caller Caller, input map[string]any) (Turn, error)
		// Complete transitions active to completed, recording issue counters.
		// Returns false without mutating when the turn is already terminal.
		Complete(ctx context.Context, turnID string, issues *Issues) (bool, error)
		// Fail transitions active to failed. Returns false when already
		// terminal.
		Fail(ctx context.Context, turnID, errorCode, errorMessage string) (bool, error)
		// LinkContextAssembly records the context-assembly workflow run id.
		LinkContextAssembly(ctx context.Context, turnID, runID string) error
		// LinkMemoryExtraction records the memory-extraction workflow run id.
		LinkMemoryExtraction(ctx context.Context, turnID, runID string) error
		// MarkMemoryExtractionFailed flags the turn's extraction as failed.
		MarkMemoryExtractionFailed(ctx context.Context, turnID string) error
		// Get returns the turn or ErrTurnNotFound.
		Get(ctx context.Context, turnID string) (Turn, error)
		// GetActive returns all active turns of the conversation in creation
		// order.
		GetActive(ctx context.Context, conversationID string) ([]Turn, error)
		// GetRecent returns up to limit turns ordered by descending creation
		// time.
		GetRecent(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	}

	// MessageStore persists messages. Append-only.
	MessageStore interface {
		Append(ctx context.Context, conversationID, turnID string, role Role, content string) (Message, error)
		// GetForTurn returns the turn's messages in creation order.
		GetForTurn(ctx context.Context, turnID string) ([]Message, error)
		// GetRecent returns up to limit messages ordered by descending
		// creation time.
		GetRecent(ctx context.Context, conversationID string, limit int) ([]Message, error)
		// GetForConversation returns all messages in creation order.
		GetForConversation(ctx context.Context, conversationID string) ([]Message, error)
	}

	// MoveStore persists moves.
	MoveStore interface {
		// Record inserts a move, assigning the next sequence under the turn.
		Record(ctx context.Context, params MoveParams) (Move, error)
		// RecordResult sets the result on the unique move whose tool call id
		// matches. Returns false when no such move exists.
		RecordResult(ctx context.Context, turnID, toolCallID string, result ToolResult) (bool, error)
		// GetForTurn returns the turn's moves ordered by ascending sequence.
		GetForTurn(ctx context.Context, turnID string) ([]Move, error)
		// GetLatest returns the highest-sequence move or ErrMoveNotFound.
		GetLatest(ctx context.Context, turnID string) (Move, error)
	}

	// AsyncOpStore persists async ops.
	AsyncOpStore interface {
		// Track inserts a pending op keyed by the tool call id.
		Track(ctx context.Context, params TrackParams) (AsyncOp, error)
		// MarkWaiting transitions pending to waiting, inserting a fresh
		// waiting row when the op does not exist yet.
		MarkWaiting(ctx context.Context, turnID, opID string) error
		// Complete records terminal success from pending or waiting. Returns
		// false when the op is already terminal.
		Complete(ctx context.Context, opID string, result any) (bool, error)
		// Fail records terminal failure from pending or waiting. Returns
		// false when the op is already terminal.
		Fail(ctx context.Context, opID string, terr *toolerrors.ToolError) (bool, error)
		// Resume records terminal success from either non-terminal state.
		Resume(ctx context.Context, opID string, result any) (bool, error)
		// Get returns the op or ErrAsyncOpNotFound.
		Get(ctx context.Context, opID string) (AsyncOp, error)
		// HasPending reports whether the turn has any pending op.
		HasPending(ctx context.Context, turnID string) (bool, error)
		// PendingCount returns the number of pending ops for the turn.
		PendingCount(ctx context.Context, turnID string) (int, error)
		// HasWaiting reports whether the turn has any waiting op.
		HasWaiting(ctx context.Context, turnID string) (bool, error)
		// ListPending returns the turn's pending ops in id order.
		ListPending(ctx context.Context, turnID string) ([]AsyncOp, error)
		// TimedOut returns non-terminal ops whose deadline elapsed before now.
		TimedOut(ctx context.Context, now time.Time) ([]AsyncOp, error)
		// EarliestTimeout returns the minimum deadline across non-terminal
		// ops; ok is false when none carries a deadline.
		EarliestTimeout(ctx context.Context) (time.Time, bool, error)
		// CanRetry reports whether the op has retry budget left.
		CanRetry(ctx context.Context, opID string) (bool, error)
		// PrepareRetry increments the attempt counter, resets the op to
		// pending, and recomputes its deadline from the backoff. ok is false
		// when the retry budget is exhausted.
		PrepareRetry(ctx context.Context, opID, lastError string) (newTimeout time.Time, ok bool, err error)
	}

	// ParticipantStore persists conversation membership.
	ParticipantStore interface {
		// Add inserts the participant. Returns false when the row already
		// exists.
		Add(ctx context.Context, p Participant) (bool, error)
		Exists(ctx context.Context, conversationID, participantType, participantID string) (bool, error)
		// List returns the conversation's participants in addition order.
		List(ctx context.Context, conversationID string) ([]Participant, error)
		Remove(ctx context.Context, conversationID, participantType, participantID string) error
	}

	// Store bundles the per-conversation stores.
	Store struct {
		Turns        TurnStore
		Messages     MessageStore
		Moves        MoveStore
		AsyncOps     AsyncOpStore
		Participants ParticipantStore
	}
)

// NewID returns a lexicographically sortable unique id. ULIDs sort by
// creation time, which is what gives turn, message, and move ids their
// ordering guarantee.
func NewID() string {
	return ulid.Make().String()
}

// Terminal reports whether the turn reached a terminal state.
func (t Turn) Terminal() bool {
	return t.Status == TurnCompleted || t.Status == TurnFailed
}

// Terminal reports whether the op reached a terminal state.
func (o AsyncOp) Terminal() bool {
	return o.Status == OpCompleted || o.Status == OpFailed
}
