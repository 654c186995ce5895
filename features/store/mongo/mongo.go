// Package mongo provides a MongoDB implementation of the conversation
// stores. It persists turns, messages, moves, async ops, and participants
// for durability across restarts, suitable for production deployments. The
// single-writer discipline still holds: exactly one actor mutates the
// documents of a conversation, so conditional updates never race within a
// conversation.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/trace"
)

const (
	defaultTimeout = 5 * time.Second

	collTurns        = "turns"
	collMessages     = "messages"
	collMoves        = "moves"
	collAsyncOps     = "async_ops"
	collParticipants = "participants"
)

type (
	// Options configures the Mongo-backed stores.
	Options struct {
		// Client is a connected MongoDB client.
		Client *mongodriver.Client
		// Database names the database holding the conversation collections.
		Database string
		// Timeout bounds each store operation. Zero selects 5s.
		Timeout time.Duration
		// Emitter receives trace events for every mutation. Nil disables
		// tracing.
		Emitter trace.Emitter
		// Clock overrides time.Now.
		Clock func() time.Time
	}

	base struct {
		timeout time.Duration
		emit    func(ctx context.Context, typ, conversationID string, payload map[string]any)
		now     func() time.Time
	}

	// Pinger reports backend connectivity for health checks.
	Pinger struct {
		client *mongodriver.Client
	}
)

// New builds the store bundle on top of MongoDB, creating the indexes the
// stores rely on.
func New(ctx context.Context, opts Options) (*store.Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = trace.NoopEmitter{}
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	db := opts.Client.Database(opts.Database)
	b := base{
		timeout: timeout,
		now:     now,
		emit: func(ctx context.Context, typ, conversationID string, payload map[string]any) {
			emitter.Emit(ctx, trace.Event{Type: typ, ConversationID: conversationID, Payload: payload})
		},
	}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureIndexes(ictx, db); err != nil {
		return nil, err
	}

	return &store.Store{
		Turns:        &turnStore{base: b, coll: db.Collection(collTurns)},
		Messages:     &messageStore{base: b, coll: db.Collection(collMessages)},
		Moves:        &moveStore{base: b, coll: db.Collection(collMoves)},
		AsyncOps:     &asyncOpStore{base: b, coll: db.Collection(collAsyncOps)},
		Participants: &participantStore{base: b, coll: db.Collection(collParticipants)},
	}, nil
}

// NewPinger exposes the client for health checks.
func NewPinger(client *mongodriver.Client) *Pinger {
	return &Pinger{client: client}
}

// Name identifies the dependency in health reports.
func (p *Pinger) Name() string { return "conversation-mongo" }

// Ping verifies connectivity to the primary.
func (p *Pinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx, readpref.Primary())
}

func ensureIndexes(ctx context.Context, db *mongodriver.Database) error {
	specs := map[string][]mongodriver.IndexModel{
		collTurns: {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		collMessages: {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}}},
			{Keys: bson.D{{Key: "turn_id", Value: 1}}},
		},
		collMoves: {
			{
				Keys:    bson.D{{Key: "turn_id", Value: 1}, {Key: "sequence", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "turn_id", Value: 1}, {Key: "tool_call.id", Value: 1}}},
		},
		collAsyncOps: {
			{Keys: bson.D{{Key: "turn_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "timeout_at", Value: 1}}},
		},
		collParticipants: {
			{
				Keys: bson.D{
					{Key: "conversation_id", Value: 1},
					{Key: "participant_type", Value: 1},
					{Key: "participant_id", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
		},
	}
	for coll, models := range specs {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return err
		}
	}
	return nil
}

func (b base) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

var nonTerminalOpStatuses = bson.A{store.OpPending, store.OpWaiting}
