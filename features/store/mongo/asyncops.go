package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/toolerrors"
)

type asyncOpStore struct {
	base
	coll *mongodriver.Collection
}

func (s *asyncOpStore) Track(ctx context.Context, params store.TrackParams) (store.AsyncOp, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	op := store.AsyncOp{
		ID:            params.OpID,
		TurnID:        params.TurnID,
		TargetType:    params.TargetType,
		TargetID:      params.TargetID,
		Status:        store.OpPending,
		TimeoutAt:     params.TimeoutAt,
		AttemptNumber: 1,
		CreatedAt:     s.now(),
	}
	if params.Retry != nil {
		op.MaxAttempts = params.Retry.MaxAttempts
		op.BackoffMs = params.Retry.BackoffMs
	}
	// At most one op per tool call id. Re-tracking leaves the existing row
	// untouched and returns it.
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": op.ID},
		bson.M{"$setOnInsert": op},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return store.AsyncOp{}, fmt.Errorf("mongodb track op: %w", err)
	}
	if res.UpsertedCount == 1 {
		s.emit(ctx, "async_op.tracked", "", map[string]any{
			"op_id":       op.ID,
			"turn_id":     op.TurnID,
			"target_type": string(op.TargetType),
		})
		return op, nil
	}
	return s.Get(ctx, op.ID)
}

func (s *asyncOpStore) MarkWaiting(ctx context.Context, turnID, opID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": opID, "status": store.OpPending},
		bson.M{"$set": bson.M{"status": store.OpWaiting}},
	)
	if err != nil {
		return fmt.Errorf("mongodb mark waiting: %w", err)
	}
	if res.MatchedCount == 0 {
		// Insert a fresh waiting row when the op was never tracked. Existing
		// rows in other states are left alone.
		fresh := store.AsyncOp{
			ID:            opID,
			TurnID:        turnID,
			Status:        store.OpWaiting,
			AttemptNumber: 1,
			CreatedAt:     s.now(),
		}
		_, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": opID},
			bson.M{"$setOnInsert": fresh},
			options.UpdateOne().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("mongodb mark waiting insert: %w", err)
		}
	}
	s.emit(ctx, "async_op.waiting", "", map[string]any{"op_id": opID, "turn_id": turnID})
	return nil
}

func (s *asyncOpStore) Complete(ctx context.Context, opID string, result any) (bool, error) {
	return s.finish(ctx, opID, "async_op.completed", bson.M{
		"status": store.OpCompleted,
		"result": result,
	})
}

func (s *asyncOpStore) Fail(ctx context.Context, opID string, terr *toolerrors.ToolError) (bool, error) {
	return s.finish(ctx, opID, "async_op.failed", bson.M{
		"status": store.OpFailed,
		"error":  terr,
	})
}

func (s *asyncOpStore) Resume(ctx context.Context, opID string, result any) (bool, error) {
	return s.finish(ctx, opID, "async_op.resumed", bson.M{
		"status": store.OpCompleted,
		"result": result,
	})
}

func (s *asyncOpStore) finish(ctx context.Context, opID, event string, set bson.M) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	set["completed_at"] = s.now()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": opID, "status": bson.M{"$in": nonTerminalOpStatuses}},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, fmt.Errorf("mongodb finish op: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := s.coll.CountDocuments(ctx, bson.M{"_id": opID}, options.Count().SetLimit(1))
		if err != nil {
			return false, fmt.Errorf("mongodb op lookup: %w", err)
		}
		if n == 0 {
			return false, store.ErrAsyncOpNotFound
		}
		return false, nil
	}
	op, err := s.Get(ctx, opID)
	if err != nil {
		return false, err
	}
	s.emit(ctx, event, "", map[string]any{"op_id": opID, "turn_id": op.TurnID})
	return true, nil
}

func (s *asyncOpStore) Get(ctx context.Context, opID string) (store.AsyncOp, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var op store.AsyncOp
	if err := s.coll.FindOne(ctx, bson.M{"_id": opID}).Decode(&op); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.AsyncOp{}, store.ErrAsyncOpNotFound
		}
		return store.AsyncOp{}, fmt.Errorf("mongodb get op: %w", err)
	}
	return op, nil
}

func (s *asyncOpStore) HasPending(ctx context.Context, turnID string) (bool, error) {
	n, err := s.count(ctx, bson.M{"turn_id": turnID, "status": store.OpPending}, 1)
	return n > 0, err
}

func (s *asyncOpStore) PendingCount(ctx context.Context, turnID string) (int, error) {
	n, err := s.count(ctx, bson.M{"turn_id": turnID, "status": store.OpPending}, 0)
	return int(n), err
}

func (s *asyncOpStore) HasWaiting(ctx context.Context, turnID string) (bool, error) {
	n, err := s.count(ctx, bson.M{"turn_id": turnID, "status": store.OpWaiting}, 1)
	return n > 0, err
}

func (s *asyncOpStore) count(ctx context.Context, filter bson.M, limit int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Count()
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	n, err := s.coll.CountDocuments(ctx, filter, opts)
	if err != nil {
		return 0, fmt.Errorf("mongodb count ops: %w", err)
	}
	return n, nil
}

func (s *asyncOpStore) ListPending(ctx context.Context, turnID string) ([]store.AsyncOp, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx,
		bson.M{"turn_id": turnID, "status": store.OpPending},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongodb pending ops: %w", err)
	}
	var out []store.AsyncOp
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb pending ops decode: %w", err)
	}
	return out, nil
}

func (s *asyncOpStore) TimedOut(ctx context.Context, now time.Time) ([]store.AsyncOp, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx,
		bson.M{
			"status":     bson.M{"$in": nonTerminalOpStatuses},
			"timeout_at": bson.M{"$lt": now, "$type": "date"},
		},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongodb timed out ops: %w", err)
	}
	var out []store.AsyncOp
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb timed out ops decode: %w", err)
	}
	return out, nil
}

func (s *asyncOpStore) EarliestTimeout(ctx context.Context) (time.Time, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var op store.AsyncOp
	err := s.coll.FindOne(ctx,
		bson.M{
			"status":     bson.M{"$in": nonTerminalOpStatuses},
			"timeout_at": bson.M{"$type": "date"},
		},
		options.FindOne().SetSort(bson.D{{Key: "timeout_at", Value: 1}}),
	).Decode(&op)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("mongodb earliest timeout: %w", err)
	}
	if op.TimeoutAt == nil {
		return time.Time{}, false, nil
	}
	return *op.TimeoutAt, true, nil
}

func (s *asyncOpStore) CanRetry(ctx context.Context, opID string) (bool, error) {
	op, err := s.Get(ctx, opID)
	if err != nil {
		return false, err
	}
	return op.AttemptNumber < op.MaxAttempts, nil
}

func (s *asyncOpStore) PrepareRetry(ctx context.Context, opID, lastError string) (time.Time, bool, error) {
	op, err := s.Get(ctx, opID)
	if err != nil {
		return time.Time{}, false, err
	}
	if op.AttemptNumber >= op.MaxAttempts {
		return time.Time{}, false, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	deadline := s.now().Add(time.Duration(op.BackoffMs) * time.Millisecond)
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": opID, "attempt_number": op.AttemptNumber},
		bson.M{"$set": bson.M{
			"attempt_number": op.AttemptNumber + 1,
			"status":         store.OpPending,
			"last_error":     lastError,
			"timeout_at":     deadline,
		}},
	)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("mongodb prepare retry: %w", err)
	}
	if res.MatchedCount == 0 {
		return time.Time{}, false, nil
	}
	s.emit(ctx, "async_op.retry_prepared", "", map[string]any{
		"op_id":   opID,
		"attempt": op.AttemptNumber + 1,
	})
	return deadline, true, nil
}
