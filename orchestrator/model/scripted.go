package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/colloquy-dev/colloquy/orchestrator/tools"
)

// Scripted is a Client that replays a fixed sequence of responses. Tests and
// the example harness use it to drive the loop without a live provider.
type Scripted struct {
	mu        sync.Mutex
	responses []Response
	requests  []Request
}

// NewScripted constructs a scripted client that returns the given responses
// in order.
func NewScripted(responses ...Response) *Scripted {
	return &Scripted{responses: responses}
}

// Complete returns the next scripted response.
func (s *Scripted) Complete(_ context.Context, req Request, _ []tools.Spec) (Response, error) {
	return s.next(req)
}

// CompleteRaw returns the next scripted response.
func (s *Scripted) CompleteRaw(_ context.Context, req Request, _ []tools.Spec) (Response, error) {
	return s.next(req)
}

// Stream returns the next scripted response, feeding its text through
// onToken first.
func (s *Scripted) Stream(_ context.Context, req Request, _ []tools.Spec, onToken func(string)) (Response, error) {
	resp, err := s.next(req)
	if err == nil && onToken != nil && resp.Text != "" {
		onToken(resp.Text)
	}
	return resp, err
}

// Requests returns the requests seen so far in call order.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Scripted) next(req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return Response{}, fmt.Errorf("scripted client exhausted after %d calls", len(s.requests)-1)
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}
