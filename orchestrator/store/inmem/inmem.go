// Package inmem provides in-memory implementations of the conversation
// stores. The implementations are safe for concurrent use and return
// copies so callers cannot alias internal state. They back tests and
// single-process deployments; the mongo feature provides durability.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/toolerrors"
	"github.com/colloquy-dev/colloquy/orchestrator/trace"
)

type (
	// Option configures the in-memory stores.
	Option func(*config)

	config struct {
		emitter trace.Emitter
		now     func() time.Time
	}

	turnStore struct {
		mu    sync.RWMutex
		cfg   *config
		turns map[string]*store.Turn
	}

	messageStore struct {
		mu   sync.RWMutex
		cfg  *config
		msgs []store.Message
	}

	moveStore struct {
		mu    sync.RWMutex
		cfg   *config
		moves map[string][]*store.Move // keyed by turn id, ascending sequence
	}

	asyncOpStore struct {
		mu  sync.RWMutex
		cfg *config
		ops map[string]*store.AsyncOp
	}

	participantStore struct {
		mu   sync.RWMutex
		cfg  *config
		rows []store.Participant
	}
)

// WithEmitter routes store trace events to the given emitter.
func WithEmitter(e trace.Emitter) Option {
	return func(c *config) { c.emitter = e }
}

// WithClock overrides the time source. Tests use this to make deadlines
// deterministic.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New constructs the full set of in-memory conversation stores.
func New(opts ...Option) *store.Store {
	cfg := &config{
		emitter: trace.NoopEmitter{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &store.Store{
		Turns:        &turnStore{cfg: cfg, turns: make(map[string]*store.Turn)},
		Messages:     &messageStore{cfg: cfg},
		Moves:        &moveStore{cfg: cfg, moves: make(map[string][]*store.Move)},
		AsyncOps:     &asyncOpStore{cfg: cfg, ops: make(map[string]*store.AsyncOp)},
		Participants: &participantStore{cfg: cfg},
	}
}

func (c *config) emit(ctx context.Context, typ, conversationID string, payload map[string]any) {
	c.emitter.Emit(ctx, trace.Event{Type: typ, ConversationID: conversationID, Payload: payload})
}

// Create inserts a new active turn.
func (s *turnStore) Create(ctx context.Context, conversationID string, caller store.Caller, input map[string]any) (store.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &store.Turn{
		ID:             store.NewID(),
		ConversationID: conversationID,
		Caller:         caller,
		Input:          cloneMap(input),
		Status:         store.TurnActive,
		CreatedAt:      s.cfg.now(),
	}
	s.turns[t.ID] = t
	s.cfg.emit(ctx, "turn.created", conversationID, map[string]any{
		"turn_id": t.ID,
		"caller":  string(caller.Type),
	})
	return cloneTurn(t), nil
}

// Complete transitions active to completed. Returns false when terminal.
func (s *turnStore) Complete(ctx context.Context, turnID string, issues *store.Issues) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok {
		return false, store.ErrTurnNotFound
	}
	if t.Terminal() {
		return false, nil
	}
	now := s.cfg.now()
	t.Status = store.TurnCompleted
	t.CompletedAt = &now
	if issues != nil {
		cp := *issues
		t.Issues = &cp
	}
	s.cfg.emit(ctx, "turn.completed", t.ConversationID, map[string]any{"turn_id": turnID})
	return true, nil
}

// Fail transitions active to failed. Returns false when terminal.
func (s *turnStore) Fail(ctx context.Context, turnID, errorCode, errorMessage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok {
		return false, store.ErrTurnNotFound
	}
	if t.Terminal() {
		return false, nil
	}
	now := s.cfg.now()
	t.Status = store.TurnFailed
	t.CompletedAt = &now
	t.ErrorCode = errorCode
	t.ErrorMessage = errorMessage
	s.cfg.emit(ctx, "turn.failed", t.ConversationID, map[string]any{
		"turn_id":    turnID,
		"error_code": errorCode,
	})
	return true, nil
}

// LinkContextAssembly records the context-assembly workflow run id.
func (s *turnStore) LinkContextAssembly(ctx context.Context, turnID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok {
		return store.ErrTurnNotFound
	}
	t.ContextAssemblyRunID = runID
	s.cfg.emit(ctx, "turn.context_assembly_linked", t.ConversationID, map[string]any{
		"turn_id": turnID,
		"run_id":  runID,
	})
	return nil
}

// LinkMemoryExtraction records the memory-extraction workflow run id.
func (s *turnStore) LinkMemoryExtraction(ctx context.Context, turnID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok {
		return store.ErrTurnNotFound
	}
	t.MemoryExtractionRunID = runID
	s.cfg.emit(ctx, "turn.memory_extraction_linked", t.ConversationID, map[string]any{
		"turn_id": turnID,
		"run_id":  runID,
	})
	return nil
}

// MarkMemoryExtractionFailed flags the turn's extraction as failed.
func (s *turnStore) MarkMemoryExtractionFailed(ctx context.Context, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok {
		return store.ErrTurnNotFound
	}
	if t.Issues == nil {
		t.Issues = &store.Issues{}
	}
	t.Issues.MemoryExtractionFailed = true
	s.cfg.emit(ctx, "turn.memory_extraction_failed", t.ConversationID, map[string]any{"turn_id": turnID})
	return nil
}

// Get returns the turn or ErrTurnNotFound.
func (s *turnStore) Get(_ context.Context, turnID string) (store.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[turnID]
	if !ok {
		return store.Turn{}, store.ErrTurnNotFound
	}
	return cloneTurn(t), nil
}

// GetActive returns all active turns of the conversation in creation order.
func (s *turnStore) GetActive(_ context.Context, conversationID string) ([]store.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Turn
	for _, t := range s.turns {
		if t.ConversationID == conversationID && t.Status == store.TurnActive {
			out = append(out, cloneTurn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRecent returns up to limit turns ordered by descending creation time.
func (s *turnStore) GetRecent(_ context.Context, conversationID string, limit int) ([]store.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Turn
	for _, t := range s.turns {
		if t.ConversationID == conversationID {
			out = append(out, cloneTurn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Append inserts a message.
func (s *messageStore) Append(ctx context.Context, conversationID, turnID string, role store.Role, content string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := store.Message{
		ID:             store.NewID(),
		ConversationID: conversationID,
		TurnID:         turnID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.cfg.now(),
	}
	s.msgs = append(s.msgs, m)
	s.cfg.emit(ctx, "message.appended", conversationID, map[string]any{
		"message_id": m.ID,
		"turn_id":    turnID,
		"role":       string(role),
	})
	return m, nil
}

// GetForTurn returns the turn's messages in creation order.
func (s *messageStore) GetForTurn(_ context.Context, turnID string) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Message
	for _, m := range s.msgs {
		if m.TurnID == turnID {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetRecent returns up to limit messages ordered most-recent first.
func (s *messageStore) GetRecent(_ context.Context, conversationID string, limit int) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Message
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].ConversationID == conversationID {
			out = append(out, s.msgs[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// GetForConversation returns all of the conversation's messages in creation
// order.
func (s *messageStore) GetForConversation(_ context.Context, conversationID string) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Message
	for _, m := range s.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

// Record inserts a move with the next sequence under the turn.
func (s *moveStore) Record(ctx context.Context, params store.MoveParams) (store.Move, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := len(s.moves[params.TurnID])
	m := &store.Move{
		ID:         store.NewID(),
		TurnID:     params.TurnID,
		Sequence:   seq,
		Reasoning:  params.Reasoning,
		RawContent: params.RawContent,
		CreatedAt:  s.cfg.now(),
	}
	if params.ToolCall != nil {
		tc := *params.ToolCall
		tc.Input = cloneMap(params.ToolCall.Input)
		m.ToolCall = &tc
	}
	s.moves[params.TurnID] = append(s.moves[params.TurnID], m)
	payload := map[string]any{
		"turn_id":  params.TurnID,
		"move_id":  m.ID,
		"sequence": seq,
	}
	if m.ToolCall != nil {
		payload["tool_call_id"] = m.ToolCall.ID
	}
	s.cfg.emit(ctx, "move.recorded", "", payload)
	return cloneMove(m), nil
}

// RecordResult sets the result on the move carrying the tool call id.
func (s *moveStore) RecordResult(ctx context.Context, turnID, toolCallID string, result store.ToolResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.moves[turnID] {
		if m.ToolCall != nil && m.ToolCall.ID == toolCallID {
			r := result
			m.ToolResult = &r
			s.cfg.emit(ctx, "move.result_recorded", "", map[string]any{
				"turn_id":      turnID,
				"tool_call_id": toolCallID,
				"success":      result.Success,
			})
			return true, nil
		}
	}
	return false, nil
}

// GetForTurn returns the turn's moves ordered by ascending sequence.
func (s *moveStore) GetForTurn(_ context.Context, turnID string) ([]store.Move, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.moves[turnID]
	out := make([]store.Move, len(rows))
	for i, m := range rows {
		out[i] = cloneMove(m)
	}
	return out, nil
}

// GetLatest returns the highest-sequence move or ErrMoveNotFound.
func (s *moveStore) GetLatest(_ context.Context, turnID string) (store.Move, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.moves[turnID]
	if len(rows) == 0 {
		return store.Move{}, store.ErrMoveNotFound
	}
	return cloneMove(rows[len(rows)-1]), nil
}

// Track inserts a pending op keyed by the tool call id.
func (s *asyncOpStore) Track(ctx context.Context, params store.TrackParams) (store.AsyncOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.ops[params.OpID]; ok {
		// At most one op per tool call id. Re-tracking is a no-op.
		return cloneOp(existing), nil
	}
	op := &store.AsyncOp{
		ID:            params.OpID,
		TurnID:        params.TurnID,
		TargetType:    params.TargetType,
		TargetID:      params.TargetID,
		Status:        store.OpPending,
		TimeoutAt:     cloneTime(params.TimeoutAt),
		AttemptNumber: 1,
		CreatedAt:     s.cfg.now(),
	}
	if params.Retry != nil {
		op.MaxAttempts = params.Retry.MaxAttempts
		op.BackoffMs = params.Retry.BackoffMs
	}
	s.ops[op.ID] = op
	s.cfg.emit(ctx, "async_op.tracked", "", map[string]any{
		"op_id":       op.ID,
		"turn_id":     op.TurnID,
		"target_type": string(op.TargetType),
	})
	return cloneOp(op), nil
}

// MarkWaiting transitions pending to waiting, inserting a fresh waiting row
// when the op does not exist yet.
func (s *asyncOpStore) MarkWaiting(ctx context.Context, turnID, opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opID]
	if !ok {
		s.ops[opID] = &store.AsyncOp{
			ID:            opID,
			TurnID:        turnID,
			Status:        store.OpWaiting,
			AttemptNumber: 1,
			CreatedAt:     s.cfg.now(),
		}
	} else if op.Status == store.OpPending {
		op.Status = store.OpWaiting
	}
	s.cfg.emit(ctx, "async_op.waiting", "", map[string]any{"op_id": opID, "turn_id": turnID})
	return nil
}

// Complete records terminal success from pending or waiting.
func (s *asyncOpStore) Complete(ctx context.Context, opID string, result any) (bool, error) {
	return s.finish(ctx, opID, "async_op.completed", func(op *store.AsyncOp) {
		op.Status = store.OpCompleted
		op.Result = result
	})
}

// Fail records terminal failure from pending or waiting.
func (s *asyncOpStore) Fail(ctx context.Context, opID string, terr *toolerrors.ToolError) (bool, error) {
	return s.finish(ctx, opID, "async_op.failed", func(op *store.AsyncOp) {
		op.Status = store.OpFailed
		op.Error = terr
	})
}

// Resume records terminal success from either non-terminal state.
func (s *asyncOpStore) Resume(ctx context.Context, opID string, result any) (bool, error) {
	return s.finish(ctx, opID, "async_op.resumed", func(op *store.AsyncOp) {
		op.Status = store.OpCompleted
		op.Result = result
	})
}

func (s *asyncOpStore) finish(ctx context.Context, opID, event string, apply func(*store.AsyncOp)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opID]
	if !ok {
		return false, store.ErrAsyncOpNotFound
	}
	if op.Terminal() {
		return false, nil
	}
	now := s.cfg.now()
	apply(op)
	op.CompletedAt = &now
	s.cfg.emit(ctx, event, "", map[string]any{"op_id": opID, "turn_id": op.TurnID})
	return true, nil
}

// Get returns the op or ErrAsyncOpNotFound.
func (s *asyncOpStore) Get(_ context.Context, opID string) (store.AsyncOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[opID]
	if !ok {
		return store.AsyncOp{}, store.ErrAsyncOpNotFound
	}
	return cloneOp(op), nil
}

// HasPending reports whether the turn has any pending op.
func (s *asyncOpStore) HasPending(_ context.Context, turnID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, op := range s.ops {
		if op.TurnID == turnID && op.Status == store.OpPending {
			return true, nil
		}
	}
	return false, nil
}

// PendingCount returns the number of pending ops for the turn.
func (s *asyncOpStore) PendingCount(_ context.Context, turnID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, op := range s.ops {
		if op.TurnID == turnID && op.Status == store.OpPending {
			n++
		}
	}
	return n, nil
}

// HasWaiting reports whether the turn has any waiting op.
func (s *asyncOpStore) HasWaiting(_ context.Context, turnID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, op := range s.ops {
		if op.TurnID == turnID && op.Status == store.OpWaiting {
			return true, nil
		}
	}
	return false, nil
}

// ListPending returns the turn's pending ops in id order.
func (s *asyncOpStore) ListPending(_ context.Context, turnID string) ([]store.AsyncOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.AsyncOp
	for _, op := range s.ops {
		if op.TurnID == turnID && op.Status == store.OpPending {
			out = append(out, cloneOp(op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TimedOut returns non-terminal ops whose deadline elapsed before now.
func (s *asyncOpStore) TimedOut(_ context.Context, now time.Time) ([]store.AsyncOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.AsyncOp
	for _, op := range s.ops {
		if op.Terminal() || op.TimeoutAt == nil {
			continue
		}
		if op.TimeoutAt.Before(now) {
			out = append(out, cloneOp(op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// EarliestTimeout returns the minimum deadline across non-terminal ops.
func (s *asyncOpStore) EarliestTimeout(_ context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var earliest time.Time
	found := false
	for _, op := range s.ops {
		if op.Terminal() || op.TimeoutAt == nil {
			continue
		}
		if !found || op.TimeoutAt.Before(earliest) {
			earliest = *op.TimeoutAt
			found = true
		}
	}
	return earliest, found, nil
}

// CanRetry reports whether the op has retry budget left.
func (s *asyncOpStore) CanRetry(_ context.Context, opID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[opID]
	if !ok {
		return false, store.ErrAsyncOpNotFound
	}
	return op.AttemptNumber < op.MaxAttempts, nil
}

// PrepareRetry increments the attempt counter, resets the op to pending, and
// recomputes its deadline from the backoff.
func (s *asyncOpStore) PrepareRetry(ctx context.Context, opID, lastError string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opID]
	if !ok {
		return time.Time{}, false, store.ErrAsyncOpNotFound
	}
	if op.AttemptNumber >= op.MaxAttempts {
		return time.Time{}, false, nil
	}
	op.AttemptNumber++
	op.Status = store.OpPending
	op.LastError = lastError
	deadline := s.cfg.now().Add(time.Duration(op.BackoffMs) * time.Millisecond)
	op.TimeoutAt = &deadline
	s.cfg.emit(ctx, "async_op.retry_prepared", "", map[string]any{
		"op_id":   opID,
		"attempt": op.AttemptNumber,
	})
	return deadline, true, nil
}

// Add inserts the participant. Returns false when the row exists.
func (s *participantStore) Add(ctx context.Context, p store.Participant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ConversationID == p.ConversationID &&
			row.ParticipantType == p.ParticipantType &&
			row.ParticipantID == p.ParticipantID {
			return false, nil
		}
	}
	if p.AddedAt.IsZero() {
		p.AddedAt = s.cfg.now()
	}
	s.rows = append(s.rows, p)
	s.cfg.emit(ctx, "participant.added", p.ConversationID, map[string]any{
		"participant_type": p.ParticipantType,
		"participant_id":   p.ParticipantID,
	})
	return true, nil
}

// Exists reports whether the participant row exists.
func (s *participantStore) Exists(_ context.Context, conversationID, participantType, participantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.rows {
		if row.ConversationID == conversationID &&
			row.ParticipantType == participantType &&
			row.ParticipantID == participantID {
			return true, nil
		}
	}
	return false, nil
}

// List returns the conversation's participants in addition order.
func (s *participantStore) List(_ context.Context, conversationID string) ([]store.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Participant
	for _, row := range s.rows {
		if row.ConversationID == conversationID {
			out = append(out, row)
		}
	}
	return out, nil
}

// Remove deletes the participant row if present.
func (s *participantStore) Remove(ctx context.Context, conversationID, participantType, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.rows {
		if row.ConversationID == conversationID &&
			row.ParticipantType == participantType &&
			row.ParticipantID == participantID {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			s.cfg.emit(ctx, "participant.removed", conversationID, map[string]any{
				"participant_type": participantType,
				"participant_id":   participantID,
			})
			return nil
		}
	}
	return nil
}

func cloneTurn(t *store.Turn) store.Turn {
	cp := *t
	cp.Input = cloneMap(t.Input)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	if t.Issues != nil {
		issues := *t.Issues
		cp.Issues = &issues
	}
	return cp
}

func cloneMove(m *store.Move) store.Move {
	cp := *m
	if m.ToolCall != nil {
		tc := *m.ToolCall
		tc.Input = cloneMap(m.ToolCall.Input)
		cp.ToolCall = &tc
	}
	if m.ToolResult != nil {
		tr := *m.ToolResult
		cp.ToolResult = &tr
	}
	return cp
}

func cloneOp(op *store.AsyncOp) store.AsyncOp {
	cp := *op
	cp.TimeoutAt = cloneTime(op.TimeoutAt)
	cp.CompletedAt = cloneTime(op.CompletedAt)
	return cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
