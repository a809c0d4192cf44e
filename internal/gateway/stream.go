package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/backends"
	"github.com/nulpointcorp/inference-gateway/internal/coalesce"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

type (
	deltaMessage struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}

	chunkChoice struct {
		Index        int          `json:"index"`
		Delta        deltaMessage `json:"delta"`
		FinishReason *string      `json:"finish_reason,omitempty"`
	}

	outboundChunk struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []chunkChoice `json:"choices"`
	}
)

func roleChunk(id string, created int64, model string) outboundChunk {
	return outboundChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []chunkChoice{{Delta: deltaMessage{Role: "assistant"}}},
	}
}

func deltaChunk(id string, created int64, model, content string) outboundChunk {
	return outboundChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []chunkChoice{{Delta: deltaMessage{Content: content}}},
	}
}

func finishChunk(id string, created int64, model, reason string) outboundChunk {
	return outboundChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []chunkChoice{{FinishReason: &reason}},
	}
}

// streamTelemetry carries the request-scope measurements into the SSE body
// writer, which outlives the handler.
type streamTelemetry struct {
	start    time.Time
	route    string
	reqBytes int
	reqID    string
}

// dispatchStream serves a streaming request through the stream coalescer.
// Returns false when no SSE body writer was installed, in which case the
// caller still owns metrics finalisation.
func (g *Gateway) dispatchStream(
	ctx *fasthttp.RequestCtx,
	norm *backends.ChatRequest,
	principal auth.Context,
	fp string,
	estTokens int64,
	tel streamTelemetry,
) bool {
	sub, lead, err := g.streams.JoinOrLead(ctx, fp)
	if err != nil {
		// The replay window filled up: this stream can no longer be joined.
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"stream replay window exceeded, retry shortly",
			apierr.TypeServerError, apierr.CodeSlowConsumer)
		return false
	}

	servedBackend := "coalesced"
	if lead != nil {
		servedBackend = "stream"
		go g.runStreamLeader(lead, norm, tel.reqID)
	}

	ctx.SetContentType("text/event-stream; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	respID := "chatcmpl-" + uuid.New().String()
	created := time.Now().Unix()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // client disconnects surface as write panics
		defer sub.Cancel()

		emittedRole := false
		status := fasthttp.StatusOK
		var usage *backends.Usage

		for chunk := range sub.C() {
			if chunk.Err != nil {
				writeSSEError(w, chunk.Err, apierr.TypeBackendError, apierr.CodeUpstreamError)
				status = fasthttp.StatusBadGateway
				break
			}

			if !emittedRole {
				emittedRole = true
				writeSSEEvent(w, roleChunk(respID, created, norm.Model))
			}
			if chunk.Delta != "" {
				writeSSEEvent(w, deltaChunk(respID, created, norm.Model, chunk.Delta))
			}
			if chunk.Done {
				usage = chunk.Usage
				reason := chunk.FinishReason
				if reason == "" {
					reason = "stop"
				}
				writeSSEEvent(w, finishChunk(respID, created, norm.Model, reason))
				break
			}
		}

		if err := sub.Err(); err != nil && errors.Is(err, coalesce.ErrSlowConsumer) {
			writeSSEError(w, err, apierr.TypeServerError, apierr.CodeSlowConsumer)
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		if usage != nil {
			g.quota.Reconcile(g.baseCtx, principal.APIKey, estTokens, int64(usage.TotalTokens))
		}

		g.finishStream(norm, principal, servedBackend, usage, status, lead != nil, tel)
	})

	return true
}

// runStreamLeader produces the upstream stream on behalf of every subscriber.
// It is bound to the leadership context, not any single client: it stops only
// when the subscriber set empties or the stream terminates.
func (g *Gateway) runStreamLeader(lead *coalesce.Leadership, norm *backends.ChatRequest, reqID string) {
	upstream, backendName, err := g.router.Stream(lead.Context(), norm)
	if err != nil {
		g.log.Error("stream start failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		lead.Publish(backends.Chunk{Err: err})
		return
	}

	terminal := false
	for chunk := range upstream {
		lead.Publish(chunk)
		if chunk.Done || chunk.Err != nil {
			terminal = true
			break
		}
	}

	if !terminal {
		// Upstream closed without a terminal chunk (relay cancelled or the
		// backend truncated). Publish is a no-op on an already-dead cell.
		lead.Publish(backends.Chunk{Err: fmt.Errorf("%s: stream ended unexpectedly", backendName)})
	}
}

func (g *Gateway) finishStream(
	norm *backends.ChatRequest,
	principal auth.Context,
	servedBackend string,
	usage *backends.Usage,
	status int,
	isLeader bool,
	tel streamTelemetry,
) {
	dur := time.Since(tel.start)

	if g.metrics != nil {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(tel.route, status, dur, tel.reqBytes, -1)
		g.metrics.ObserveGatewayRequest(servedBackend, tel.route, "bypass", dur)
		if usage != nil {
			g.metrics.AddTokens(servedBackend, usage.PromptTokens, usage.CompletionTokens, false)
		}
	}

	g.logRequest(tel.reqID, norm, principal, servedBackend, usage,
		dur, status, false, !isLeader)
}

func writeSSEEvent(w *bufio.Writer, payload outboundChunk) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.Flush() //nolint:errcheck
}

func writeSSEError(w *bufio.Writer, err error, errType, code string) {
	envelope := apierr.Envelope(err.Error(), errType, code)
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", envelope)
	w.Flush() //nolint:errcheck
}
