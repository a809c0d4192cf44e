// Package openai adapts the official OpenAI SDK to the backends.Backend
// contract.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/inference-gateway/internal/backends"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	backendName    = "openai"
)

type Backend struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  openaiSDK.Client
}

type Option func(*Backend)

// WithBaseURL overrides the API base URL (useful for testing and proxies).
func WithBaseURL(u string) Option {
	return func(b *Backend) { b.baseURL = u }
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

	httpClient := &http.Client{Timeout: b.timeout}
	if b.baseURL != "" && b.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, b.baseURL)
	}

	b.client = openaiSDK.NewClient(
		option.WithAPIKey(b.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return b
}

func (b *Backend) Name() string { return backendName }

func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toBackendError(err))
	}
	return nil
}

func (b *Backend) ExecuteChat(ctx context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error) {
	resp, err := b.client.Chat.Completions.New(ctx, buildParams(req))
	if err != nil {
		return nil, toBackendError(err)
	}

	content := ""
	finish := "stop"
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		if resp.Choices[0].FinishReason != "" {
			finish = resp.Choices[0].FinishReason
		}
	}

	return &backends.ChatResponse{
		Content:      content,
		FinishReason: finish,
		Usage: backends.NewUsage(
			int(resp.Usage.PromptTokens),
			int(resp.Usage.CompletionTokens),
		),
	}, nil
}

func (b *Backend) StreamChat(ctx context.Context, req *backends.ChatRequest) (<-chan backends.Chunk, error) {
	params := buildParams(req)
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}

	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	ch := make(chan backends.Chunk, 64)

	go func() {
		defer close(ch)

		finish := "stop"
		var usage *backends.Usage

		for stream.Next() {
			chunk := stream.Current()

			if chunk.Usage.TotalTokens > 0 {
				u := backends.NewUsage(
					int(chunk.Usage.PromptTokens),
					int(chunk.Usage.CompletionTokens),
				)
				usage = &u
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]

			if c.FinishReason != "" {
				finish = c.FinishReason
			}
			if c.Delta.Content != "" {
				select {
				case ch <- backends.Chunk{Delta: c.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- backends.Chunk{Err: toBackendError(err)}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case ch <- backends.Chunk{FinishReason: finish, Usage: usage, Done: true}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

func buildParams(req *backends.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages:            msgs,
		Model:               req.Model,
		Temperature:         openaiSDK.Float(req.Generation.Temperature),
		TopP:                openaiSDK.Float(req.Generation.TopP),
		MaxCompletionTokens: openaiSDK.Int(int64(req.Generation.MaxTokens)),
	}

	return params
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

func toBackendError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &backends.Error{
			Backend:    backendName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}
