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

type moveStore struct {
	base
	coll *mongodriver.Collection
}

func (s *moveStore) Record(ctx context.Context, params store.MoveParams) (store.Move, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	// The owning actor is the only writer for this turn, so counting and
	// inserting without a transaction cannot skip or duplicate a sequence.
	seq, err := s.coll.CountDocuments(ctx, bson.M{"turn_id": params.TurnID})
	if err != nil {
		return store.Move{}, fmt.Errorf("mongodb move sequence: %w", err)
	}
	m := store.Move{
		ID:         store.NewID(),
		TurnID:     params.TurnID,
		Sequence:   int(seq),
		Reasoning:  params.Reasoning,
		ToolCall:   params.ToolCall,
		RawContent: params.RawContent,
		CreatedAt:  s.now(),
	}
	if _, err := s.coll.InsertOne(ctx, m); err != nil {
		return store.Move{}, fmt.Errorf("mongodb record move: %w", err)
	}
	payload := map[string]any{"move_id": m.ID, "turn_id": m.TurnID, "sequence": m.Sequence}
	if m.ToolCall != nil {
		payload["tool_id"] = m.ToolCall.ToolID
	}
	s.emit(ctx, "move.recorded", "", payload)
	return m, nil
}

func (s *moveStore) RecordResult(ctx context.Context, turnID, toolCallID string, result store.ToolResult) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"turn_id": turnID, "tool_call.id": toolCallID},
		bson.M{"$set": bson.M{"tool_result": result}},
	)
	if err != nil {
		return false, fmt.Errorf("mongodb record move result: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, nil
	}
	s.emit(ctx, "move.result_recorded", "", map[string]any{
		"turn_id":      turnID,
		"tool_call_id": toolCallID,
		"success":      result.Success,
	})
	return true, nil
}

func (s *moveStore) GetForTurn(ctx context.Context, turnID string) ([]store.Move, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx,
		bson.M{"turn_id": turnID},
		options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongodb turn moves: %w", err)
	}
	var out []store.Move
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb turn moves decode: %w", err)
	}
	return out, nil
}

func (s *moveStore) GetLatest(ctx context.Context, turnID string) (store.Move, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var m store.Move
	err := s.coll.FindOne(ctx,
		bson.M{"turn_id": turnID},
		options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}}),
	).Decode(&m)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Move{}, store.ErrMoveNotFound
		}
		return store.Move{}, fmt.Errorf("mongodb latest move: %w", err)
	}
	return m, nil
}
