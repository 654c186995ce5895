// Package pulse exposes a trace.Emitter that publishes orchestrator trace
// events to goa.design/pulse streams. It mirrors the layering used by
// existing Pulse deployments: services build a Redis client, pass it to the
// client wrapper, and hand the resulting emitter to the registry.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/colloquy-dev/colloquy/orchestrator/telemetry"
	"github.com/colloquy-dev/colloquy/orchestrator/trace"
)

const sharedStream = "conversation/system"

type (
	// Client exposes the subset of Pulse APIs required by the emitter.
	Client interface {
		// Stream returns a handle to the named Pulse stream, creating it if
		// needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
	}

	// Stream publishes events to one Pulse stream.
	Stream interface {
		// Add publishes an event with the given name and payload, returning
		// the event id assigned by Redis.
		Add(ctx context.Context, event string, payload []byte) (string, error)
	}

	// ClientOptions configures the Pulse client wrapper.
	ClientOptions struct {
		// Redis is the connection backing the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream. Zero
		// uses Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Options configures the emitter.
	Options struct {
		// Client publishes the envelopes. Required.
		Client Client
		// StreamID derives the target stream from an event. Defaults to
		// `conversation/<id>`, with a shared stream for events that carry no
		// conversation id.
		StreamID func(trace.Event) string
		// Logger reports publish failures. Emission never fails the caller.
		Logger telemetry.Logger
	}

	// Emitter implements trace.Emitter on top of Pulse streams.
	Emitter struct {
		client   Client
		streamID func(trace.Event) string
		logger   telemetry.Logger
	}

	// envelope wraps trace events for transmission over Pulse streams.
	envelope struct {
		Type           string         `json:"type"`
		ConversationID string         `json:"conversation_id,omitempty"`
		Timestamp      time.Time      `json:"timestamp"`
		Payload        map[string]any `json:"payload,omitempty"`
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}
)

// NewClient constructs a Pulse client wrapper backed by the provided Redis
// connection.
func NewClient(opts ClientOptions) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

// New constructs a Pulse-backed trace emitter.
func New(opts Options) (*Emitter, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Emitter{client: opts.Client, streamID: streamID, logger: logger}, nil
}

// Emit publishes the event to its conversation stream. Failures are logged
// and swallowed; tracing is never load-bearing for the caller.
func (e *Emitter) Emit(ctx context.Context, event trace.Event) {
	stream, err := e.client.Stream(e.streamID(event))
	if err != nil {
		e.logger.Warn(ctx, "trace stream open failed", "event", event.Type, "error", err)
		return
	}
	env := envelope{
		Type:           event.Type,
		ConversationID: event.ConversationID,
		Timestamp:      time.Now().UTC(),
		Payload:        event.Payload,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		e.logger.Warn(ctx, "trace envelope marshal failed", "event", event.Type, "error", err)
		return
	}
	if _, err := stream.Add(ctx, env.Type, payload); err != nil {
		e.logger.Warn(ctx, "trace publish failed", "event", event.Type, "error", err)
	}
}

func defaultStreamID(event trace.Event) string {
	if event.ConversationID == "" {
		return sharedStream
	}
	return "conversation/" + event.ConversationID
}
