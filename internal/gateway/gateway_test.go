package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/backends"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/coalesce"
	"github.com/nulpointcorp/inference-gateway/internal/quota"
	"github.com/nulpointcorp/inference-gateway/internal/router"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const testKey = "test-key-123456"

// --- helpers ----------------------------------------------------------------

// stubBackend is a scriptable backend for gateway tests.
type stubBackend struct {
	name      string
	calls     atomic.Int64
	execErr   error
	streamErr error
	chunks    []backends.Chunk
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) HealthCheck(context.Context) error { return nil }

func (s *stubBackend) ExecuteChat(_ context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error) {
	s.calls.Add(1)
	if s.execErr != nil {
		return nil, s.execErr
	}
	return &backends.ChatResponse{
		Content:      "hello from " + s.name,
		FinishReason: "stop",
		Usage:        backends.NewUsage(10, 5),
	}, nil
}

func (s *stubBackend) StreamChat(ctx context.Context, _ *backends.ChatRequest) (<-chan backends.Chunk, error) {
	s.calls.Add(1)
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	ch := make(chan backends.Chunk, len(s.chunks))
	go func() {
		defer close(ch)
		for _, c := range s.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type gatewayEnv struct {
	gw      *Gateway
	backend *stubBackend
	client  *http.Client
	close   func()
}

type envConfig struct {
	policy   quota.Policy
	backends []backends.Backend
	cache    cache.Cache
}

func defaultEnvConfig() envConfig {
	return envConfig{
		policy: quota.Policy{
			RequestsPerMinute: 1000,
			TokensPerMinute:   1_000_000,
			TokensPerDay:      10_000_000,
		},
		cache: cache.NewLocalCache(64),
	}
}

// newTestEnv wires a full gateway over an in-memory listener.
func newTestEnv(t *testing.T, cfg envConfig) *gatewayEnv {
	t.Helper()

	log := slog.New(slog.DiscardHandler)
	stub := &stubBackend{
		name: "stub-a",
		chunks: []backends.Chunk{
			{Delta: "Hel"},
			{Delta: "lo"},
			{FinishReason: "stop", Usage: &backends.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6}, Done: true},
		},
	}
	pool := cfg.backends
	if pool == nil {
		pool = []backends.Backend{stub}
	}

	gw := New(context.Background(), Services{
		Auth:    auth.NewRegistry([]string{testKey}, cfg.policy),
		Quota:   quota.NewManager(quota.NewMemoryStore(), false, log, nil),
		Unary:   coalesce.NewUnary(log, nil),
		Streams: coalesce.NewStreams(0, 0, log, nil),
		Router:  router.New(pool, router.Config{}, log, nil),
		Cache:   cfg.cache,
	}, Options{Logger: log})

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, gw.Handler())
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return &gatewayEnv{gw: gw, backend: stub, client: client, close: func() { ln.Close() }}
}

func chatBody(stream bool) []byte {
	body, _ := json.Marshal(map[string]any{
		"model": "gpt-test",
		"messages": []map[string]string{
			{"role": "user", "content": "Hello"},
		},
		"stream": stream,
	})
	return body
}

func (e *gatewayEnv) post(t *testing.T, body []byte, apiKey string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://test/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// --- tests ------------------------------------------------------------------

func TestChatCompletions_Success(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	defer env.close()

	resp := env.post(t, chatBody(false), testKey)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("x-cache"); got != "miss" {
		t.Errorf("x-cache = %q, want miss", got)
	}
	if resp.Header.Get("x-request-id") == "" {
		t.Error("missing x-request-id header")
	}
	if resp.Header.Get("x-ratelimit-remaining-requests") == "" {
		t.Error("missing x-ratelimit-remaining-requests header")
	}

	var out struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage backends.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if !strings.HasPrefix(out.ID, "chatcmpl-") {
		t.Errorf("id = %q", out.ID)
	}
	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello from stub-a" {
		t.Errorf("unexpected choices: %+v", out.Choices)
	}
	if out.Choices[0].Message.Role != "assistant" || out.Choices[0].FinishReason != "stop" {
		t.Errorf("unexpected choice fields: %+v", out.Choices[0])
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestChatCompletions_CacheHitOnRepeat(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	defer env.close()

	first := env.post(t, chatBody(false), testKey)
	readBody(t, first)
	if got := first.Header.Get("x-cache"); got != "miss" {
		t.Fatalf("first x-cache = %q, want miss", got)
	}

	second := env.post(t, chatBody(false), testKey)
	body := readBody(t, second)
	if got := second.Header.Get("x-cache"); got != "hit" {
		t.Fatalf("second x-cache = %q, want hit (body %s)", got, body)
	}
	if calls := env.backend.calls.Load(); calls != 1 {
		t.Fatalf("backend called %d times, want 1", calls)
	}
}

func TestChatCompletions_MissingAPIKey(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	defer env.close()

	resp := env.post(t, chatBody(false), "")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	if envelope.Error.Type != "authentication_error" {
		t.Errorf("error type = %q", envelope.Error.Type)
	}
}

func TestChatCompletions_UnknownAPIKey(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	defer env.close()

	resp := env.post(t, chatBody(false), "nope")
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestChatCompletions_Validation(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	defer env.close()

	cases := map[string][]byte{
		"bad json":       []byte(`{not json`),
		"missing model":  []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
		"empty messages": []byte(`{"model":"gpt-test","messages":[]}`),
		"bad role":       []byte(`{"model":"gpt-test","messages":[{"role":"wizard","content":"hi"}]}`),
		"bad max_tokens": []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}],"max_tokens":-1}`),
	}
	for name, body := range cases {
		resp := env.post(t, body, testKey)
		readBody(t, resp)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestChatCompletions_RateLimited(t *testing.T) {
	cfg := defaultEnvConfig()
	cfg.policy.RequestsPerMinute = 1
	env := newTestEnv(t, cfg)
	defer env.close()

	first := env.post(t, chatBody(false), testKey)
	readBody(t, first)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", first.StatusCode)
	}

	// Different prompt so the cache cannot serve it.
	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-test",
		"messages": []map[string]string{{"role": "user", "content": "another"}},
	})
	second := env.post(t, body, testKey)
	errBody := readBody(t, second)

	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, body = %s", second.StatusCode, errBody)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if got := second.Header.Get("x-ratelimit-remaining-requests"); got != "0" {
		t.Errorf("x-ratelimit-remaining-requests = %q, want 0", got)
	}
	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(errBody, &envelope); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	if envelope.Error.Type != "rate_limit_error" {
		t.Errorf("error type = %q", envelope.Error.Type)
	}
}

func TestChatCompletions_NoHealthyBackend(t *testing.T) {
	cfg := defaultEnvConfig()
	cfg.backends = []backends.Backend{}
	env := newTestEnv(t, cfg)
	defer env.close()

	resp := env.post(t, chatBody(false), testKey)
	readBody(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestChatCompletions_UpstreamClientErrorPassesThrough(t *testing.T) {
	bad := &stubBackend{
		name:    "stub-bad",
		execErr: &backends.Error{Backend: "stub-bad", StatusCode: 400, Message: "model not found"},
	}
	cfg := defaultEnvConfig()
	cfg.backends = []backends.Backend{bad}
	env := newTestEnv(t, cfg)
	defer env.close()

	resp := env.post(t, chatBody(false), testKey)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatCompletions_UpstreamServerErrorMapsTo502(t *testing.T) {
	bad := &stubBackend{
		name:    "stub-bad",
		execErr: &backends.Error{Backend: "stub-bad", StatusCode: 500, Message: "boom"},
	}
	cfg := defaultEnvConfig()
	cfg.backends = []backends.Backend{bad}
	env := newTestEnv(t, cfg)
	defer env.close()

	resp := env.post(t, chatBody(false), testKey)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestChatCompletions_StreamSSE(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	defer env.close()

	resp := env.post(t, chatBody(true), testKey)
	body := string(readBody(t, resp))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	events := parseSSEData(body)
	if len(events) < 4 {
		t.Fatalf("expected role+deltas+finish+[DONE], got %d events: %q", len(events), body)
	}
	if events[len(events)-1] != "[DONE]" {
		t.Errorf("last event = %q, want [DONE]", events[len(events)-1])
	}

	// First chunk carries the assistant role delta.
	var first struct {
		Object  string `json:"object"`
		Choices []struct {
			Delta struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("first event not JSON: %v (%q)", err, events[0])
	}
	if first.Object != "chat.completion.chunk" || first.Choices[0].Delta.Role != "assistant" {
		t.Errorf("unexpected first chunk: %q", events[0])
	}

	// Reassemble content from delta chunks.
	var content strings.Builder
	var finish string
	for _, ev := range events[1 : len(events)-1] {
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(ev), &chunk); err != nil {
			t.Fatalf("event not JSON: %v (%q)", err, ev)
		}
		content.WriteString(chunk.Choices[0].Delta.Content)
		if chunk.Choices[0].FinishReason != nil {
			finish = *chunk.Choices[0].FinishReason
		}
	}
	if content.String() != "Hello" {
		t.Errorf("reassembled = %q, want Hello", content.String())
	}
	if finish != "stop" {
		t.Errorf("finish_reason = %q, want stop", finish)
	}
}

func TestChatCompletions_StreamErrorEvent(t *testing.T) {
	bad := &stubBackend{
		name:      "stub-bad",
		streamErr: &backends.Error{Backend: "stub-bad", StatusCode: 500, Message: "boom"},
	}
	cfg := defaultEnvConfig()
	cfg.backends = []backends.Backend{bad}
	env := newTestEnv(t, cfg)
	defer env.close()

	resp := env.post(t, chatBody(true), testKey)
	body := string(readBody(t, resp))

	if !strings.Contains(body, "event: error") {
		t.Errorf("expected error event in stream, got %q", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("expected terminal [DONE], got %q", body)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	defer env.close()

	req, _ := http.NewRequest(http.MethodGet, "http://test/healthz", nil)
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())
	defer env.close()

	req, _ := http.NewRequest(http.MethodOptions, "http://test/v1/chat/completions", nil)
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS allow-origin header")
	}
}

// parseSSEData extracts the payload of each "data:" line.
func parseSSEData(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}

func TestWriteSSEError_CodePassthrough(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	writeSSEError(w, coalesce.ErrSlowConsumer, apierr.TypeServerError, apierr.CodeSlowConsumer)

	out := buf.String()
	if !strings.HasPrefix(out, "event: error\n") {
		t.Fatalf("missing error event framing: %q", out)
	}
	if !strings.Contains(out, `"code":"slow_consumer"`) {
		t.Errorf("envelope code = %q, want slow_consumer", out)
	}
	if !strings.Contains(out, `"type":"server_error"`) {
		t.Errorf("envelope type = %q, want server_error", out)
	}

	buf.Reset()
	writeSSEError(w, io.ErrUnexpectedEOF, apierr.TypeBackendError, apierr.CodeUpstreamError)
	if out := buf.String(); !strings.Contains(out, `"code":"upstream_error"`) {
		t.Errorf("envelope code = %q, want upstream_error", out)
	}
}
