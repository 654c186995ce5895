package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/colloquy-dev/colloquy/orchestrator/store"
)

type messageStore struct {
	base
	coll *mongodriver.Collection
}

func (s *messageStore) Append(ctx context.Context, conversationID, turnID string, role store.Role, content string) (store.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	m := store.Message{
		ID:             store.NewID(),
		ConversationID: conversationID,
		TurnID:         turnID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now(),
	}
	if _, err := s.coll.InsertOne(ctx, m); err != nil {
		return store.Message{}, fmt.Errorf("mongodb append message: %w", err)
	}
	s.emit(ctx, "message.appended", conversationID, map[string]any{
		"message_id": m.ID,
		"turn_id":    turnID,
		"role":       string(role),
	})
	return m, nil
}

func (s *messageStore) GetForTurn(ctx context.Context, turnID string) ([]store.Message, error) {
	return s.find(ctx, bson.M{"turn_id": turnID}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

func (s *messageStore) GetRecent(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	return s.find(ctx, bson.M{"conversation_id": conversationID}, opts)
}

func (s *messageStore) GetForConversation(ctx context.Context, conversationID string) ([]store.Message, error) {
	return s.find(ctx, bson.M{"conversation_id": conversationID}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

func (s *messageStore) find(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]store.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb find messages: %w", err)
	}
	var out []store.Message
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb find messages decode: %w", err)
	}
	return out, nil
}
