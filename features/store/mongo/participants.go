package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/colloquy-dev/colloquy/orchestrator/store"
)

type participantStore struct {
	base
	coll *mongodriver.Collection
}

func (s *participantStore) Add(ctx context.Context, p store.Participant) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if p.AddedAt.IsZero() {
		p.AddedAt = s.now()
	}
	res, err := s.coll.UpdateOne(ctx,
		memberFilter(p.ConversationID, p.ParticipantType, p.ParticipantID),
		bson.M{"$setOnInsert": p},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("mongodb add participant: %w", err)
	}
	if res.UpsertedCount == 0 {
		return false, nil
	}
	s.emit(ctx, "participant.added", p.ConversationID, map[string]any{
		"participant_type": p.ParticipantType,
		"participant_id":   p.ParticipantID,
	})
	return true, nil
}

func (s *participantStore) Exists(ctx context.Context, conversationID, participantType, participantID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.coll.CountDocuments(ctx,
		memberFilter(conversationID, participantType, participantID),
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("mongodb participant lookup: %w", err)
	}
	return n > 0, nil
}

func (s *participantStore) List(ctx context.Context, conversationID string) ([]store.Participant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx,
		bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "added_at", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongodb list participants: %w", err)
	}
	var out []store.Participant
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb list participants decode: %w", err)
	}
	return out, nil
}

func (s *participantStore) Remove(ctx context.Context, conversationID, participantType, participantID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.DeleteOne(ctx, memberFilter(conversationID, participantType, participantID))
	if err != nil {
		return fmt.Errorf("mongodb remove participant: %w", err)
	}
	if res.DeletedCount > 0 {
		s.emit(ctx, "participant.removed", conversationID, map[string]any{
			"participant_type": participantType,
			"participant_id":   participantID,
		})
	}
	return nil
}

func memberFilter(conversationID, participantType, participantID string) bson.M {
	return bson.M{
		"conversation_id":  conversationID,
		"participant_type": participantType,
		"participant_id":   participantID,
	}
}
