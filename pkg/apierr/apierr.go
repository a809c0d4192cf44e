// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeBackendError      = "backend_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeUpstreamError     = "upstream_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNoHealthyBackend  = "no_healthy_backend"
	CodeSlowConsumer      = "slow_consumer"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Envelope serializes the OpenAI error envelope. Used for HTTP bodies and for
// terminal SSE error events.
func Envelope(message, errType, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Envelope(message, errType, code))
}

// WriteBadRequest writes a 400 invalid-request error.
func WriteBadRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteUnauthorized writes a 401 authentication error.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteRateLimited writes a 429 quota error with a Retry-After header.
func WriteRateLimited(ctx *fasthttp.RequestCtx, msg string, retryAfterSeconds int64) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.FormatInt(retryAfterSeconds, 10))
	Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteNoHealthyBackend writes a 503 when backend selection came up empty.
func WriteNoHealthyBackend(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"no healthy backend available", TypeBackendError, CodeNoHealthyBackend)
}

// WriteTimeout writes a 504 for the per-request deadline.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeBackendError, CodeRequestTimeout)
}

// WriteUpstreamError writes a 502 for a backend failure that exhausted retries.
func WriteUpstreamError(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeBackendError, CodeUpstreamError)
}

// WriteInternal writes a 500.
func WriteInternal(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusInternalServerError, msg, TypeServerError, CodeInternalError)
}
