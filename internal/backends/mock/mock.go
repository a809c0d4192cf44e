// Package mock provides an in-process inference backend used for local
// development and load testing. Responses are deterministic functions of the
// request, so cache and coalescing behavior can be exercised without any
// upstream credentials.
package mock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/backends"
)

const defaultTokenDelay = 35 * time.Millisecond

type Backend struct {
	name       string
	tokenDelay time.Duration
}

type Option func(*Backend)

// WithTokenDelay overrides the pause between streamed tokens.
func WithTokenDelay(d time.Duration) Option {
	return func(b *Backend) { b.tokenDelay = d }
}

func New(name string, opts ...Option) *Backend {
	if name == "" {
		name = "mock-backend"
	}
	b := &Backend{
		name:       name,
		tokenDelay: defaultTokenDelay,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) HealthCheck(_ context.Context) error { return nil }

func (b *Backend) ExecuteChat(_ context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error) {
	content := renderResponse(req)
	return &backends.ChatResponse{
		Content:      content,
		FinishReason: "stop",
		Usage:        estimateUsage(req, content),
	}, nil
}

func (b *Backend) StreamChat(ctx context.Context, req *backends.ChatRequest) (<-chan backends.Chunk, error) {
	content := renderResponse(req)
	usage := estimateUsage(req, content)
	ch := make(chan backends.Chunk, 32)

	go func() {
		defer close(ch)

		for _, token := range splitForStream(content) {
			select {
			case ch <- backends.Chunk{Delta: token}:
			case <-ctx.Done():
				return
			}

			select {
			case <-time.After(b.tokenDelay):
			case <-ctx.Done():
				return
			}
		}

		select {
		case ch <- backends.Chunk{FinishReason: "stop", Usage: &usage, Done: true}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// renderResponse echoes the last user message so distinct prompts produce
// distinct responses (and distinct cache entries).
func renderResponse(req *backends.ChatRequest) string {
	prompt := "hello"
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(req.Messages[i].Role, "user") {
			prompt = req.Messages[i].Content
			break
		}
	}
	return fmt.Sprintf("Mock response for model %s: %s", req.Model, prompt)
}

func estimateUsage(req *backends.ChatRequest, completion string) backends.Usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += roughTokenEstimate(m.Content)
	}
	return backends.NewUsage(prompt, roughTokenEstimate(completion))
}

func roughTokenEstimate(text string) int {
	return len(strings.Fields(text))
}

// splitForStream breaks the content into whitespace tokens, keeping a trailing
// space on every token except the last so the concatenation round-trips.
func splitForStream(text string) []string {
	words := strings.Fields(text)
	tokens := make([]string, len(words))
	for i, w := range words {
		if i+1 == len(words) {
			tokens[i] = w
		} else {
			tokens[i] = w + " "
		}
	}
	return tokens
}
