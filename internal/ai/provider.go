// Package ai holds the outbound model-provider contracts and the Cohere HTTP
// client that implements them. Callers wrap these with the retry policy and
// circuit breakers; the client itself only speaks the wire protocol.
package ai

import (
	"context"
	"errors"
	"fmt"
)

// InputType tells the embedding endpoint how the text will be used.
type InputType string

const (
	InputSearchQuery    InputType = "search_query"
	InputSearchDocument InputType = "search_document"
)

// Embedder turns text into a fixed-width vector.
type Embedder interface {
	Embed(ctx context.Context, text string, inputType InputType) ([]float32, error)
}

// ChatModel produces one completion for a system+user prompt pair. Both
// Hebrew and English prompts must be accepted.
type ChatModel interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is one synthesis call.
type ChatRequest struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// ChatResponse carries the completion and, when the provider reports it,
// token usage.
type ChatResponse struct {
	Text  string
	Usage *Usage
}

// Usage is the provider-reported token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StatusError is a non-2xx provider answer. Retry policies classify on the
// code; everything else about the body stays in logs.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Endpoint, e.Code, e.Body)
}

// Transient reports whether err is worth retrying: provider rate limits,
// server-side failures, and transport-level faults (timeouts, resets).
func Transient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == 429 || statusErr.Code >= 500
	}
	// Anything that never produced a status line is a transport fault.
	return true
}
