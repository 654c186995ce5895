package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/colloquy-dev/colloquy/orchestrator/store"
)

type turnStore struct {
	base
	coll *mongodriver.Collection
}

func (s *turnStore) Create(ctx context.Context, conversationID string, caller store.Caller, input map[string]any) (store.Turn, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	t := store.Turn{
		ID:             store.NewID(),
		ConversationID: conversationID,
		Caller:         caller,
		Input:          input,
		Status:         store.TurnActive,
		CreatedAt:      s.now(),
	}
	if _, err := s.coll.InsertOne(ctx, t); err != nil {
		return store.Turn{}, fmt.Errorf("mongodb create turn: %w", err)
	}
	s.emit(ctx, "turn.created", conversationID, map[string]any{
		"turn_id":     t.ID,
		"caller_type": string(caller.Type),
	})
	return t, nil
}

func (s *turnStore) Complete(ctx context.Context, turnID string, issues *store.Issues) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := s.now()
	set := bson.M{"status": store.TurnCompleted, "completed_at": now}
	if issues != nil {
		set["issues"] = issues
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": turnID, "status": store.TurnActive},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, fmt.Errorf("mongodb complete turn: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, s.missingOrTerminal(ctx, turnID)
	}
	t, err := s.Get(ctx, turnID)
	if err != nil {
		return false, err
	}
	s.emit(ctx, "turn.completed", t.ConversationID, map[string]any{"turn_id": turnID})
	return true, nil
}

func (s *turnStore) Fail(ctx context.Context, turnID, errorCode, errorMessage string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := s.now()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": turnID, "status": store.TurnActive},
		bson.M{"$set": bson.M{
			"status":        store.TurnFailed,
			"error_code":    errorCode,
			"error_message": errorMessage,
			"completed_at":  now,
		}},
	)
	if err != nil {
		return false, fmt.Errorf("mongodb fail turn: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, s.missingOrTerminal(ctx, turnID)
	}
	t, err := s.Get(ctx, turnID)
	if err != nil {
		return false, err
	}
	s.emit(ctx, "turn.failed", t.ConversationID, map[string]any{
		"turn_id":    turnID,
		"error_code": errorCode,
	})
	return true, nil
}

// missingOrTerminal distinguishes the two reasons a conditional transition
// matched nothing.
func (s *turnStore) missingOrTerminal(ctx context.Context, turnID string) error {
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": turnID}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("mongodb turn lookup: %w", err)
	}
	if n == 0 {
		return store.ErrTurnNotFound
	}
	return nil
}

func (s *turnStore) LinkContextAssembly(ctx context.Context, turnID, runID string) error {
	return s.link(ctx, turnID, "context_assembly_run_id", runID, "turn.context_assembly_linked")
}

func (s *turnStore) LinkMemoryExtraction(ctx context.Context, turnID, runID string) error {
	return s.link(ctx, turnID, "memory_extraction_run_id", runID, "turn.memory_extraction_linked")
}

func (s *turnStore) link(ctx context.Context, turnID, field, runID, event string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": turnID}, bson.M{"$set": bson.M{field: runID}})
	if err != nil {
		return fmt.Errorf("mongodb link turn run: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrTurnNotFound
	}
	t, err := s.Get(ctx, turnID)
	if err != nil {
		return err
	}
	s.emit(ctx, event, t.ConversationID, map[string]any{"turn_id": turnID, "run_id": runID})
	return nil
}

func (s *turnStore) MarkMemoryExtractionFailed(ctx context.Context, turnID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": turnID},
		bson.M{"$set": bson.M{"issues.memory_extraction_failed": true}},
	)
	if err != nil {
		return fmt.Errorf("mongodb mark memory extraction failed: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrTurnNotFound
	}
	t, err := s.Get(ctx, turnID)
	if err != nil {
		return err
	}
	s.emit(ctx, "turn.memory_extraction_failed", t.ConversationID, map[string]any{"turn_id": turnID})
	return nil
}

func (s *turnStore) Get(ctx context.Context, turnID string) (store.Turn, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var t store.Turn
	if err := s.coll.FindOne(ctx, bson.M{"_id": turnID}).Decode(&t); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Turn{}, store.ErrTurnNotFound
		}
		return store.Turn{}, fmt.Errorf("mongodb get turn: %w", err)
	}
	return t, nil
}

func (s *turnStore) GetActive(ctx context.Context, conversationID string) ([]store.Turn, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx,
		bson.M{"conversation_id": conversationID, "status": store.TurnActive},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongodb active turns: %w", err)
	}
	var out []store.Turn
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb active turns decode: %w", err)
	}
	return out, nil
}

func (s *turnStore) GetRecent(ctx context.Context, conversationID string, limit int) ([]store.Turn, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.coll.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb recent turns: %w", err)
	}
	var out []store.Turn
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb recent turns decode: %w", err)
	}
	return out, nil
}
