// Package provider holds the two external call surfaces the context layer
// depends on: a chat completion endpoint and an embedding endpoint. Both are
// OpenAI-compatible HTTP APIs accessed through explicit, injected clients;
// nothing in this package is a process-wide singleton.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Message is one role-tagged entry in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the input to a completion call. The first message is
// conventionally the system preamble.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Usage reports the token accounting the provider attached to a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the fully-typed result of a completion call. The HTTP
// adapter resolves the provider's optional fields once, at the boundary, so
// callers never probe for maybe-present attributes.
type ChatResponse struct {
	Content   string
	Citations []string
	Usage     Usage
}

// CompletionClient is the completion provider contract: synchronous, fallible.
type CompletionClient interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Embedder maps text to a fixed-length numeric vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Error is the single failure shape both adapters produce: transport errors,
// non-2xx statuses, and malformed payloads all end up here.
type Error struct {
	Op     string // "complete" or "embed"
	Status int    // HTTP status, 0 when the request never completed
	Reason string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s: http %d: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("provider %s: %s", e.Op, e.Reason)
}

func newError(op string, status int, reason string) *Error {
	return &Error{Op: op, Status: status, Reason: strings.TrimSpace(reason)}
}
