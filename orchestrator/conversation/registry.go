package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/colloquy-dev/colloquy/orchestrator/alarm"
	"github.com/colloquy-dev/colloquy/orchestrator/dispatch"
	"github.com/colloquy-dev/colloquy/orchestrator/executor"
	"github.com/colloquy-dev/colloquy/orchestrator/loop"
	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/telemetry"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
	"github.com/colloquy-dev/colloquy/orchestrator/trace"
	"github.com/colloquy-dev/colloquy/orchestrator/turn"
	"github.com/colloquy-dev/colloquy/orchestrator/workflow"
)

type (
	// CoordinatorCallbacks receives agent results destined for workflow
	// coordinator nodes. Deployments without workflow-started turns can
	// leave it unset.
	CoordinatorCallbacks interface {
		HandleAgentResult(ctx context.Context, runID, nodeID, response string) error
	}

	// Config assembles a Registry.
	Config struct {
		Store       *store.Store
		Catalog     tools.Catalog
		Client      model.Client
		Runs        workflow.Runs
		Coordinator workflow.Coordinator
		Tasks       executor.TaskExecutor
		Coordinated CoordinatorCallbacks
		Emitter     trace.Emitter
		Logger      telemetry.Logger
		// DefaultAgentID is the persona agent bound to conversations that
		// were created externally and never registered.
		DefaultAgentID string
		// OutboundRate caps fire-and-forget outbound calls per second across
		// the registry. Zero means unlimited.
		OutboundRate rate.Limit
		// OutboundBurst is the limiter burst; defaults to 1 when a rate is
		// set.
		OutboundBurst int
		// InboxSize bounds each actor's inbox.
		InboxSize int
		// OnToken receives streamed text deltas tagged by conversation.
		OnToken func(conversationID, token string)
		Clock   func() time.Time
	}

	// Registry owns the conversation actors, instantiating each lazily on
	// first use. It implements the peer gateway used by the dispatcher and
	// the parent gateway used by the turn engine.
	Registry struct {
		cfg     Config
		limiter *rate.Limiter

		mu       sync.Mutex
		actors   map[string]*Actor
		agents   map[string]string         // conversation id -> agent id
		branches map[string]map[string]any // conversation id -> branch context

		outbound sync.WaitGroup
	}
)

// NewRegistry constructs a Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Emitter == nil {
		cfg.Emitter = trace.NoopEmitter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	r := &Registry{
		cfg:      cfg,
		actors:   make(map[string]*Actor),
		agents:   make(map[string]string),
		branches: make(map[string]map[string]any),
	}
	if cfg.OutboundRate > 0 {
		burst := cfg.OutboundBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(cfg.OutboundRate, burst)
	}
	return r
}

// Register binds an externally created conversation to its agent persona
// and optional branch context.
func (r *Registry) Register(conversationID, agentID string, branchContext map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[conversationID] = agentID
	if branchContext != nil {
		r.branches[conversationID] = branchContext
	}
}

// Conversation returns the actor owning the conversation, creating it on
// first touch.
func (r *Registry) Conversation(conversationID string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actorLocked(conversationID)
}

func (r *Registry) actorLocked(conversationID string) *Actor {
	if a, ok := r.actors[conversationID]; ok {
		return a
	}
	agentID, ok := r.agents[conversationID]
	if !ok {
		agentID = r.cfg.DefaultAgentID
	}

	a := newActor(conversationID, agentID, r.cfg.InboxSize)
	a.alarm = alarm.NewTimer(func() {
		a.enqueue(func(ctx context.Context) error {
			return a.engine.Alarm(ctx)
		})
	})

	var onToken func(string)
	if r.cfg.OnToken != nil {
		onToken = func(token string) { r.cfg.OnToken(conversationID, token) }
	}

	dispatcher := dispatch.New(dispatch.Config{
		Store:       r.cfg.Store,
		Runs:        r.cfg.Runs,
		Coordinator: r.cfg.Coordinator,
		Tasks:       r.cfg.Tasks,
		Peers:       r,
		Alarm:       a.alarm,
		Emitter:     r.cfg.Emitter,
		Logger:      r.cfg.Logger,
		Clock:       r.cfg.Clock,
	})
	driver := loop.New(loop.Config{
		Store:       r.cfg.Store,
		Dispatcher:  dispatcher,
		Client:      r.cfg.Client,
		Runs:        r.cfg.Runs,
		Coordinator: r.cfg.Coordinator,
		Emitter:     r.cfg.Emitter,
		Logger:      r.cfg.Logger,
	})
	a.engine = turn.New(turn.Config{
		ConversationID: conversationID,
		AgentID:        agentID,
		Store:          r.cfg.Store,
		Dispatcher:     dispatcher,
		Loop:           driver,
		Catalog:        r.cfg.Catalog,
		Alarm:          a.alarm,
		Parents:        r,
		Tasks:          r.cfg.Tasks,
		Emitter:        r.cfg.Emitter,
		Logger:         r.cfg.Logger,
		BranchContext:  r.branches[conversationID],
		WaitUntil:      r.waitUntil,
		OnToken:        onToken,
		Clock:          r.cfg.Clock,
	})
	r.actors[conversationID] = a
	return a
}

// StartTurn routes a turn start to the conversation's actor.
func (r *Registry) StartTurn(ctx context.Context, conversationID string, input map[string]any, caller store.Caller) (string, error) {
	return r.Conversation(conversationID).StartTurn(ctx, input, caller)
}

// CreateConversation provisions a fresh conversation for a delegated agent
// and returns its id.
func (r *Registry) CreateConversation(ctx context.Context, agentID string) (string, error) {
	conversationID := uuid.NewString()
	r.Register(conversationID, agentID, nil)
	if _, err := r.cfg.Store.Participants.Add(ctx, store.Participant{
		ConversationID:  conversationID,
		ParticipantType: "agent",
		ParticipantID:   agentID,
	}); err != nil {
		return "", fmt.Errorf("add participant: %w", err)
	}
	return conversationID, nil
}

// HandleAgentResponse routes a delegated child's final reasoning to the
// parent conversation's actor.
func (r *Registry) HandleAgentResponse(ctx context.Context, conversationID, turnID, toolCallID, response string) error {
	return r.Conversation(conversationID).HandleAgentResponse(ctx, turnID, toolCallID, response)
}

// HandleAgentResult routes an agent turn's final reasoning to the workflow
// coordinator node that started it.
func (r *Registry) HandleAgentResult(ctx context.Context, runID, nodeID, response string) error {
	if r.cfg.Coordinated == nil {
		r.cfg.Logger.Warn(ctx, "no coordinator callback sink", "run_id", runID, "node_id", nodeID)
		return nil
	}
	return r.cfg.Coordinated.HandleAgentResult(ctx, runID, nodeID, response)
}

// waitUntil runs fn on its own goroutine while keeping the registry's drain
// barrier open, applying the outbound rate limit first.
func (r *Registry) waitUntil(fn func(ctx context.Context)) {
	r.outbound.Add(1)
	go func() {
		defer r.outbound.Done()
		ctx := context.Background()
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}
		fn(ctx)
	}()
}

// Drain blocks until all outstanding fire-and-forget calls finish or the
// context expires.
func (r *Registry) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.outbound.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains outbound work and stops all actors.
func (r *Registry) Close(ctx context.Context) error {
	err := r.Drain(ctx)
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()
	for _, a := range actors {
		a.close()
	}
	return err
}
