// Package backends defines the common contract and normalized types shared by
// all inference backend implementations (mock, OpenAI, Anthropic, and others).
//
// Each backend lives in its own sub-package and implements the Backend
// interface. The router treats backends as interchangeable: it only sees this
// contract, never the concrete wire code.
package backends

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Generation parameter defaults applied during normalization, before the
// request is fingerprinted.
const (
	DefaultMaxTokens   = 256
	DefaultTemperature = 1.0
	DefaultTopP        = 1.0
)

// Default dispatch constants.
const (
	BackendTimeout = 30 * time.Second
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// GenerationParams holds the decoding parameters after defaults have been
	// resolved. All fields are concrete — a NormalizedRequest never carries
	// "unset" generation values.
	GenerationParams struct {
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
		TopP        float64 `json:"top_p"`
	}

	// ChatRequest is the normalized client request. It is built exactly once,
	// after auth and validation, and is immutable from then on.
	ChatRequest struct {
		RequestID  string
		UserID     string
		Model      string
		Messages   []Message
		Generation GenerationParams
		Stream     bool
	}

	// Usage — token usage stats.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// ChatResponse is the normalized unary backend response.
	ChatResponse struct {
		Content      string `json:"content"`
		FinishReason string `json:"finish_reason"`
		Usage        Usage  `json:"usage"`
	}

	// Chunk is a single streaming unit. A chunk with Done set is terminal;
	// terminal chunks may carry the final Usage. Err is set on a synthetic
	// terminal error chunk and is mutually exclusive with Delta.
	Chunk struct {
		Delta        string
		FinishReason string
		Usage        *Usage
		Done         bool
		Err          error
	}
)

// NewUsage builds a Usage with the total precomputed.
func NewUsage(prompt, completion int) Usage {
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// Backend — inference backend interface.
//
// StreamChat returns a channel that delivers chunks until a terminal chunk
// (Done=true or Err!=nil) is sent, after which the channel is closed. The
// producer must honor ctx cancellation.
type Backend interface {
	Name() string
	ExecuteChat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	StreamChat(ctx context.Context, req *ChatRequest) (<-chan Chunk, error)
	HealthCheck(ctx context.Context) error
}

// StatusCoder is implemented by backend errors that carry an upstream HTTP
// status code.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is a structured backend failure.
type Error struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Backend, e.Message, e.StatusCode)
}

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// IsTransient reports whether an error should trigger re-selection of another
// backend.
//
//   - 5xx upstream errors → transient (infrastructure failure)
//   - context.DeadlineExceeded → transient (a different backend may be faster)
//   - 4xx upstream errors → NOT transient (the request itself is at fault)
//   - unknown errors → transient (conservative default)
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	return true
}

// ClassifyError converts an error into a short category string used in log
// fields and metrics labels.
func ClassifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
