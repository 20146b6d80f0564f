// Package inference is the boundary to the language model that turns a
// change request and a model excerpt into a batch of operations.
package inference

import (
	"context"
	"encoding/json"
	"unicode/utf8"
)

// Operation names understood by the change pipeline.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	// OpError signals that the request cannot be fulfilled.
	OpError = "__error__"
)

// Request is the input of one inference call.
type Request struct {
	// Context is the serialized model excerpt.
	Context string
	// Types documents the element types the model may create.
	Types string
	// ChangeRequest is the user's natural-language request.
	ChangeRequest string
}

// Operation is one proposed mutation.
type Operation struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
	// Invalid holds the decode error when the arguments could not be read;
	// Raw then carries them as received.
	Invalid string `json:"-"`
	Raw     string `json:"-"`
}

// Response is an ordered operation batch with token usage.
type Response struct {
	Operations   []Operation
	InputTokens  int
	OutputTokens int
}

// Inferer proposes operations for a request.
type Inferer interface {
	Infer(ctx context.Context, req Request) (*Response, error)
}

// EstimateTokens approximates the token count of text at four characters
// per token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// OperationTokens estimates the size of an operation batch as emitted.
func OperationTokens(ops []Operation) int {
	if len(ops) == 0 {
		return 0
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return 0
	}
	return EstimateTokens(string(data))
}
