// Package gateway is the core request dispatcher.
//
// It receives an incoming OpenAI-compatible chat request, authenticates the
// caller, normalizes the body, charges the caller's quota, fingerprints the
// request, and serves it through the cache / coalescer / batcher / router
// pipeline — streaming responses go through the stream coalescer instead.
//
// Key design constraints:
//   - No blocking I/O on the hot path outside the dispatch itself.
//   - Request logger, metrics, cache, and batcher are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/backends"
	"github.com/nulpointcorp/inference-gateway/internal/batch"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/coalesce"
	"github.com/nulpointcorp/inference-gateway/internal/fingerprint"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/quota"
	"github.com/nulpointcorp/inference-gateway/internal/router"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const (
	xCacheHit  = "hit"
	xCacheMiss = "miss"

	defaultCacheTTL       = 90 * time.Second
	defaultRequestTimeout = 60 * time.Second
)

// Services holds the request-plane dependencies. Batcher and Cache may be
// nil (batching disabled, cache disabled).
type Services struct {
	Auth    *auth.Registry
	Quota   *quota.Manager
	Unary   *coalesce.Unary
	Streams *coalesce.Streams
	Batcher *batch.Batcher
	Router  *router.Router
	Cache   cache.Cache
}

// Options holds optional tuning parameters. All fields have defaults.
type Options struct {
	Logger          *slog.Logger
	Metrics         *metrics.Registry
	RequestLogger   *logger.Logger
	CacheTTL        time.Duration
	CacheExclusions *cache.ExclusionList
	RequestTimeout  time.Duration
	CORSOrigins     []string
}

// Gateway is the main dispatcher — all dependencies are injected via the
// constructor so they can be replaced with test doubles.
type Gateway struct {
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	auth    *auth.Registry
	quota   *quota.Manager
	unary   *coalesce.Unary
	streams *coalesce.Streams
	batcher *batch.Batcher
	router  *router.Router

	cache           cache.Cache
	cacheTTL        time.Duration
	cacheExclusions *cache.ExclusionList

	reqLogger      *logger.Logger
	requestTimeout time.Duration
	corsOrigins    []string

	srv *fasthttp.Server
}

func New(baseCtx context.Context, svc Services, opts Options) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	return &Gateway{
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		auth:            svc.Auth,
		quota:           svc.Quota,
		unary:           svc.Unary,
		streams:         svc.Streams,
		batcher:         svc.Batcher,
		router:          svc.Router,
		cache:           svc.Cache,
		cacheTTL:        cacheTTL,
		cacheExclusions: opts.CacheExclusions,
		reqLogger:       opts.RequestLogger,
		requestTimeout:  requestTimeout,
		corsOrigins:     opts.CORSOrigins,
	}
}

// ── Wire types ────────────────────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// inboundRequest mirrors the OpenAI POST /v1/chat/completions body.
	// Pointer fields distinguish "absent" from zero so normalization can
	// apply defaults.
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		MaxTokens   *int             `json:"max_tokens"`
		Temperature *float64         `json:"temperature"`
		TopP        *float64         `json:"top_p"`
		Stream      bool             `json:"stream"`
		User        string           `json:"user"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   backends.Usage   `json:"usage"`
	}
)

var validRoles = map[string]struct{}{
	"system":    {},
	"user":      {},
	"assistant": {},
	"tool":      {},
}

// normalize validates the inbound body and builds the immutable ChatRequest
// with generation defaults resolved. A non-nil error is a client error.
func normalize(req *inboundRequest, userID string) (*backends.ChatRequest, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("field 'model' is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}

	msgs := make([]backends.Message, len(req.Messages))
	for i, m := range req.Messages {
		if _, ok := validRoles[m.Role]; !ok {
			return nil, fmt.Errorf("invalid message role %q", m.Role)
		}
		msgs[i] = backends.Message{Role: m.Role, Content: m.Content}
	}

	gen := backends.GenerationParams{
		MaxTokens:   backends.DefaultMaxTokens,
		Temperature: backends.DefaultTemperature,
		TopP:        backends.DefaultTopP,
	}
	if req.MaxTokens != nil {
		if *req.MaxTokens <= 0 {
			return nil, fmt.Errorf("max_tokens must be positive")
		}
		gen.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		gen.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		gen.TopP = *req.TopP
	}

	return &backends.ChatRequest{
		RequestID:  "req_" + uuid.New().String(),
		UserID:     userID,
		Model:      req.Model,
		Messages:   msgs,
		Generation: gen,
		Stream:     req.Stream,
	}, nil
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())
	servedBackend := "unknown"
	cacheLabel := "bypass"
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			// streaming requests are finalised by the SSE writer
			return
		}
		g.metrics.DecInFlight()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), dur, reqBytes, len(ctx.Response.Body()))
		g.metrics.ObserveGatewayRequest(servedBackend, route, cacheLabel, dur)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse request body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	// 2. Authenticate.
	principal, err := g.auth.Authenticate(string(ctx.Request.Header.Peek("x-api-key")))
	if err != nil {
		apierr.WriteUnauthorized(ctx, err.Error())
		return
	}

	// 3. Normalize.
	norm, err := normalize(&req, principal.UserID)
	if err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}

	// 4. Charge quota up front against the token estimate.
	estTokens := quota.Estimate(norm)
	snap, err := g.quota.Charge(ctx, principal.APIKey, principal.Policy, estTokens)
	if err != nil {
		var rle *quota.RateLimitedError
		if errors.As(err, &rle) {
			applyRateLimitHeaders(ctx, rle.Snapshot)
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("user_id", principal.UserID),
				slog.String("scope", rle.Scope),
			)
			apierr.WriteRateLimited(ctx, rle.Error(), rle.RetryAfter)
			return
		}
		apierr.WriteInternal(ctx, "quota check failed")
		return
	}
	applyRateLimitHeaders(ctx, snap)

	// 5. Fingerprint the normalized request.
	fp := fingerprint.ForRequest(norm).Hex()

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("user_id", norm.UserID),
		slog.String("model", norm.Model),
		slog.Bool("stream", norm.Stream),
		slog.Int64("estimated_tokens", estTokens),
		slog.String("fingerprint", fp),
	)

	if norm.Stream {
		streaming = g.dispatchStream(ctx, norm, principal, fp, estTokens, streamTelemetry{
			start:    start,
			route:    route,
			reqBytes: reqBytes,
			reqID:    reqID,
		})
		servedBackend = "stream"
		return
	}

	servedBackend, cacheLabel = g.dispatchUnary(ctx, norm, principal, fp, estTokens, reqID, start)
}

// dispatchUnary serves a non-streaming request through cache, coalescer, and
// batcher. Returns the backend and cache labels for the deferred metrics.
func (g *Gateway) dispatchUnary(
	ctx *fasthttp.RequestCtx,
	norm *backends.ChatRequest,
	principal auth.Context,
	fp string,
	estTokens int64,
	reqID string,
	start time.Time,
) (servedBackend, cacheLabel string) {
	servedBackend = "pool"
	cacheLabel = "bypass"

	cacheEligible := g.cache != nil &&
		(g.cacheExclusions == nil || !g.cacheExclusions.Matches(norm.Model))
	if !cacheEligible && g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	// Cache lookup.
	if cacheEligible {
		if body, ok := g.cache.Get(ctx, fp); ok {
			var cached backends.ChatResponse
			if err := json.Unmarshal(body, &cached); err == nil {
				cacheLabel = xCacheHit
				if g.metrics != nil {
					g.metrics.CacheGetHit()
					g.metrics.AddTokens("cache", cached.Usage.PromptTokens, cached.Usage.CompletionTokens, true)
				}
				g.quota.Reconcile(g.baseCtx, principal.APIKey, estTokens, int64(cached.Usage.TotalTokens))
				g.writeChatResponse(ctx, norm.Model, &cached, xCacheHit)
				g.logRequest(reqID, norm, principal, "cache", &cached.Usage,
					time.Since(start), fasthttp.StatusOK, true, false)
				return "cache", cacheLabel
			}
			// Unreadable entry: treat as miss, drop it.
			_ = g.cache.Delete(ctx, fp)
		}
		cacheLabel = xCacheMiss
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// Coalesce identical in-flight requests; the leader dispatches through
	// the batcher (or straight to the router when batching is disabled).
	reqCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	// Per-backend attribution happens inside the router; here we only know
	// which dispatch path served the flight.
	servedBackend = "pool"
	if g.batcher != nil {
		servedBackend = "batched"
	}
	compute := func(cctx context.Context) (*backends.ChatResponse, error) {
		if g.batcher != nil {
			return g.batcher.Execute(cctx, norm)
		}
		resp, _, err := g.router.Execute(cctx, norm)
		return resp, err
	}

	resp, outcome, err := g.unary.ExecuteOrJoin(reqCtx, fp, compute)
	if err != nil {
		g.log.ErrorContext(ctx, "backend_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		g.writeBackendError(ctx, err)
		g.logRequest(reqID, norm, principal, servedBackend, nil,
			time.Since(start), ctx.Response.StatusCode(), false, outcome == coalesce.OutcomeJoined)
		return servedBackend, cacheLabel
	}

	// Settle the token ledger with the real usage.
	g.quota.Reconcile(g.baseCtx, principal.APIKey, estTokens, int64(resp.Usage.TotalTokens))
	if g.metrics != nil {
		g.metrics.AddTokens(servedBackend, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, false)
	}

	// Only the flight leader writes the cache; followers share its response.
	if cacheEligible && outcome == coalesce.OutcomeLeader {
		if body, merr := json.Marshal(resp); merr == nil {
			if err := g.cache.Set(ctx, fp, body, g.cacheTTL); err != nil {
				if g.metrics != nil {
					g.metrics.CacheSetError()
				}
			} else if g.metrics != nil {
				g.metrics.CacheSetOK()
			}
		}
	}

	g.writeChatResponse(ctx, norm.Model, resp, xCacheMiss)
	g.logRequest(reqID, norm, principal, servedBackend, &resp.Usage,
		time.Since(start), fasthttp.StatusOK, false, outcome == coalesce.OutcomeJoined)
	return servedBackend, cacheLabel
}

func (g *Gateway) writeChatResponse(ctx *fasthttp.RequestCtx, model string, resp *backends.ChatResponse, cacheState string) {
	out := outboundResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: resp.FinishReason,
			},
		},
		Usage: resp.Usage,
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to serialize response")
		return
	}

	ctx.Response.Header.Set("x-cache", cacheState)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// writeBackendError maps dispatch errors onto the OpenAI error envelope.
//
//	ErrNoHealthyBackend        → 503
//	context.DeadlineExceeded   → 504
//	upstream 4xx (StatusCoder) → passed through as invalid_request
//	everything else            → 502
func (g *Gateway) writeBackendError(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, router.ErrNoHealthyBackend) {
		apierr.WriteNoHealthyBackend(ctx)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	var sc backends.StatusCoder
	if errors.As(err, &sc) {
		if status := sc.HTTPStatus(); status >= 400 && status < 500 {
			apierr.Write(ctx, status, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
	}
	apierr.WriteUpstreamError(ctx, err.Error())
}

func applyRateLimitHeaders(ctx *fasthttp.RequestCtx, snap quota.Snapshot) {
	h := &ctx.Response.Header
	h.Set("x-ratelimit-limit-requests", strconv.FormatInt(snap.LimitRequests, 10))
	h.Set("x-ratelimit-remaining-requests", strconv.FormatInt(snap.RemainingRequests, 10))
	h.Set("x-ratelimit-limit-tokens", strconv.FormatInt(snap.LimitTokens, 10))
	h.Set("x-ratelimit-remaining-tokens", strconv.FormatInt(snap.RemainingTokens, 10))
	h.Set("x-ratelimit-reset", strconv.FormatInt(snap.Reset, 10))
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID string,
	norm *backends.ChatRequest,
	principal auth.Context,
	backend string,
	usage *backends.Usage,
	latency time.Duration,
	status int,
	cached, coalesced bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, err := uuid.Parse(requestID)
	if err != nil {
		reqUUID = uuid.New()
	}

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := latency.Milliseconds()
	if latencyMs > 65535 {
		latencyMs = 65535
	}

	in, out := 0, 0
	if usage != nil {
		in, out = usage.PromptTokens, usage.CompletionTokens
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		UserID:       principal.UserID,
		Backend:      backend,
		Model:        norm.Model,
		InputTokens:  uint32(in),
		OutputTokens: uint32(out),
		LatencyMs:    uint16(latencyMs),
		Status:       uint16(status),
		Cached:       cached,
		Coalesced:    coalesced,
		Stream:       norm.Stream,
		CreatedAt:    time.Now(),
	})
}
