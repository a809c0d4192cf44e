// Package anthropic adapts the official Anthropic SDK to the backends.Backend
// contract. System and developer messages are folded into the system prompt,
// since the Messages API keeps them out of the turn list.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/inference-gateway/internal/backends"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	backendName    = "anthropic"
)

type Backend struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  anthropic.Client
}

type Option func(*Backend)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(b *Backend) { b.baseURL = url }
}

// WithTimeout overrides the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) { b.timeout = d }
}

func New(apiKey string, opts ...Option) *Backend {
	b := &Backend{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		timeout: backends.BackendTimeout,
	}
	for _, o := range opts {
		o(b)
	}

	b.client = anthropic.NewClient(
		option.WithAPIKey(b.apiKey),
		option.WithBaseURL(b.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: b.timeout}),
	)

	return b
}

func (b *Backend) Name() string { return backendName }

func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toBackendError(err))
	}
	return nil
}

func (b *Backend) ExecuteChat(ctx context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error) {
	msg, err := b.client.Messages.New(ctx, buildParams(req))
	if err != nil {
		return nil, toBackendError(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &backends.ChatResponse{
		Content:      sb.String(),
		FinishReason: normalizeStopReason(string(msg.StopReason)),
		Usage: backends.NewUsage(
			int(msg.Usage.InputTokens),
			int(msg.Usage.OutputTokens),
		),
	}, nil
}

func (b *Backend) StreamChat(ctx context.Context, req *backends.ChatRequest) (<-chan backends.Chunk, error) {
	stream := b.client.Messages.NewStreaming(ctx, buildParams(req))
	ch := make(chan backends.Chunk, 64)

	go func() {
		defer close(ch)

		finish := "stop"
		inputTokens, outputTokens := 0, 0

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.MessageStartEvent:
				inputTokens = int(eventVariant.Message.Usage.InputTokens)

			case anthropic.ContentBlockDeltaEvent:
				var text string
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					text = deltaVariant.Text
				case *anthropic.TextDelta:
					text = deltaVariant.Text
				}
				if text == "" {
					continue
				}
				select {
				case ch <- backends.Chunk{Delta: text}:
				case <-ctx.Done():
					return
				}

			case anthropic.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					finish = normalizeStopReason(string(eventVariant.Delta.StopReason))
				}
				outputTokens = int(eventVariant.Usage.OutputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- backends.Chunk{Err: toBackendError(err)}:
			case <-ctx.Done():
			}
			return
		}

		usage := backends.NewUsage(inputTokens, outputTokens)
		select {
		case ch <- backends.Chunk{FinishReason: finish, Usage: &usage, Done: true}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

func buildParams(req *backends.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(req.Generation.MaxTokens),
		Messages:    msgs,
		Temperature: anthropic.Float(req.Generation.Temperature),
		TopP:        anthropic.Float(req.Generation.TopP),
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.EqualFold(role, "assistant") {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

// normalizeStopReason maps Anthropic stop reasons onto the OpenAI-style
// finish_reason vocabulary the rest of the gateway speaks.
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

func toBackendError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &backends.Error{
			Backend:    backendName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
