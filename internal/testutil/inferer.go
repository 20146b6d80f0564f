package testutil

import (
	"context"
	"sync"

	"github.com/starford/modelshift/internal/inference"
)

// ScriptedInferer returns a fixed operation batch and records its requests.
type ScriptedInferer struct {
	mu       sync.Mutex
	ops      []inference.Operation
	err      error
	requests []inference.Request
}

// NewScriptedInferer returns an inferer that always proposes ops.
func NewScriptedInferer(ops ...inference.Operation) *ScriptedInferer {
	return &ScriptedInferer{ops: ops}
}

// FailWith makes every call return err.
func (s *ScriptedInferer) FailWith(err error) *ScriptedInferer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// Infer implements inference.Inferer.
func (s *ScriptedInferer) Infer(_ context.Context, req inference.Request) (*inference.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	prompt, err := inference.RenderPrompt(req)
	if err != nil {
		return nil, err
	}
	return &inference.Response{
		Operations:   append([]inference.Operation(nil), s.ops...),
		InputTokens:  inference.EstimateTokens(prompt),
		OutputTokens: inference.OperationTokens(s.ops),
	}, nil
}

// Requests returns the requests received so far.
func (s *ScriptedInferer) Requests() []inference.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inference.Request(nil), s.requests...)
}

// Op is shorthand for building an operation.
func Op(name string, args map[string]any) inference.Operation {
	return inference.Operation{Name: name, Args: args}
}
