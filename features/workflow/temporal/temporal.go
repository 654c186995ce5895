// Package temporal adapts the workflow-runs contract to Temporal. Create
// registers the run intent locally and Start launches the Temporal workflow,
// so the orchestrator's two-phase create-then-start sequencing maps onto
// Temporal's single ExecuteWorkflow call without changing either side.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.temporal.io/sdk/client"

	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/telemetry"
	"github.com/colloquy-dev/colloquy/orchestrator/workflow"
)

type (
	// WorkflowClient captures the subset of the Temporal SDK client used by
	// the adapter. Satisfied by client.Client.
	WorkflowClient interface {
		ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (client.WorkflowRun, error)
	}

	// Completion receives a finished run together with the callback envelope
	// extracted from its input. Deployments route it to the owning
	// conversation actor.
	Completion func(ctx context.Context, runID string, cb workflow.Callback, result map[string]any, err error)

	// Options configures the adapter.
	Options struct {
		// Client is the Temporal client. Required.
		Client WorkflowClient
		// TaskQueue is the queue workflow executions are scheduled on.
		// Required.
		TaskQueue string
		// OnComplete, when set, is invoked once per started run after its
		// workflow finishes. Runs whose input carries no callback envelope
		// are not watched.
		OnComplete Completion
		// Logger reports watcher failures.
		Logger telemetry.Logger
	}

	// Runner implements workflow.Runs and workflow.Coordinator on Temporal.
	Runner struct {
		client     WorkflowClient
		taskQueue  string
		onComplete Completion
		logger     telemetry.Logger

		mu      sync.Mutex
		pending map[string]pendingRun

		watchers sync.WaitGroup
	}

	pendingRun struct {
		ref   workflow.Ref
		input map[string]any
	}
)

// New constructs the adapter.
func New(opts Options) (*Runner, error) {
	if opts.Client == nil {
		return nil, errors.New("temporal client is required")
	}
	if opts.TaskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Runner{
		client:     opts.Client,
		taskQueue:  opts.TaskQueue,
		onComplete: opts.OnComplete,
		logger:     logger,
		pending:    make(map[string]pendingRun),
	}, nil
}

// Create registers the run intent and returns its id. The Temporal workflow
// is not started until the coordinator asks for it.
func (r *Runner) Create(_ context.Context, ref workflow.Ref, input map[string]any) (string, error) {
	if ref.DefID == "" {
		return "", errors.New("workflow definition id is required")
	}
	runID := "run_" + store.NewID()
	r.mu.Lock()
	r.pending[runID] = pendingRun{ref: ref, input: input}
	r.mu.Unlock()
	return runID, nil
}

// Start launches the Temporal workflow registered under runID. The run id
// doubles as the Temporal workflow id, which makes retried starts idempotent
// on the Temporal side.
func (r *Runner) Start(ctx context.Context, runID string) error {
	r.mu.Lock()
	run, ok := r.pending[runID]
	if ok {
		delete(r.pending, runID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown run %q", runID)
	}

	opts := client.StartWorkflowOptions{
		ID:        runID,
		TaskQueue: r.taskQueue,
	}
	handle, err := r.client.ExecuteWorkflow(ctx, opts, run.ref.DefID, run.input)
	if err != nil {
		return fmt.Errorf("temporal execute workflow %q: %w", run.ref.DefID, err)
	}

	if r.onComplete == nil {
		return nil
	}
	cb, ok := workflow.ParseCallback(run.input)
	if !ok {
		return nil
	}
	r.watchers.Add(1)
	go r.watch(context.WithoutCancel(ctx), runID, cb, handle)
	return nil
}

// watch blocks on the workflow result and feeds it to the completion hook.
func (r *Runner) watch(ctx context.Context, runID string, cb workflow.Callback, handle client.WorkflowRun) {
	defer r.watchers.Done()
	var result map[string]any
	if err := handle.Get(ctx, &result); err != nil {
		r.logger.Warn(ctx, "workflow run failed", "run_id", runID, "error", err)
		r.onComplete(ctx, runID, cb, nil, err)
		return
	}
	r.onComplete(ctx, runID, cb, result, nil)
}

// Drain blocks until all completion watchers finish or the context expires.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
