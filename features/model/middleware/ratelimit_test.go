package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
)

type fakeClient struct {
	err error

	completeCalls int
	rawCalls      int
	streamCalls   int
}

func (f *fakeClient) Complete(context.Context, model.Request, []tools.Spec) (model.Response, error) {
	f.completeCalls++
	return model.Response{}, f.err
}

func (f *fakeClient) CompleteRaw(context.Context, model.Request, []tools.Spec) (model.Response, error) {
	f.rawCalls++
	return model.Response{}, f.err
}

func (f *fakeClient) Stream(context.Context, model.Request, []tools.Spec, func(string)) (model.Response, error) {
	f.streamCalls++
	return model.Response{}, f.err
}

func userRequest(text string) model.Request {
	return model.Request{Messages: []model.Message{{Role: "user", Content: text}}}
}

func TestAdaptiveRateLimiter_BackoffOnRateLimited(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.currentTPM

	client := &fakeClient{err: model.ErrRateLimited}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), userRequest("hello"), nil)
	if err == nil || !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.currentTPM >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)", limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_ProbeOnSuccess(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	initialTPM := limiter.currentTPM
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	if _, err := wrapped.Complete(context.Background(), userRequest("hello"), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.currentTPM <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)", limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_OtherErrorsDoNotBackoff(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.currentTPM

	client := &fakeClient{err: errors.New("boom")}
	wrapped := limiter.Middleware()(client)

	if _, err := wrapped.Stream(context.Background(), userRequest("hello"), nil, nil); err == nil {
		t.Fatal("expected error")
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.currentTPM != initialTPM {
		t.Fatalf("expected TPM unchanged, got %f (initial %f)", limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_RespectsContextWhenQueued(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60, 60)

	limiter.mu.Lock()
	// An impossible limiter so any non-zero request fails immediately,
	// exercising the error path without relying on timing.
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), userRequest(strings.Repeat("a", 600)), nil)
	if err == nil {
		t.Fatal("expected limiter error")
	}
	if client.completeCalls != 0 {
		t.Fatalf("expected underlying client not to be called, got %d calls", client.completeCalls)
	}
}

func TestAdaptiveRateLimiter_CoversAllCallPaths(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	ctx := context.Background()
	req := userRequest("hi")
	if _, err := wrapped.Complete(ctx, req, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := wrapped.CompleteRaw(ctx, req, nil); err != nil {
		t.Fatalf("CompleteRaw: %v", err)
	}
	if _, err := wrapped.Stream(ctx, req, nil, nil); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if client.completeCalls != 1 || client.rawCalls != 1 || client.streamCalls != 1 {
		t.Fatalf("calls = %d/%d/%d", client.completeCalls, client.rawCalls, client.streamCalls)
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	small := estimateTokens(userRequest("short"))
	big := estimateTokens(userRequest(strings.Repeat("this is a much longer message ", 4)))

	if small <= 0 {
		t.Fatalf("expected positive token estimate, got %d", small)
	}
	if big <= small {
		t.Fatalf("expected larger estimate for larger request, small=%d big=%d", small, big)
	}
}
