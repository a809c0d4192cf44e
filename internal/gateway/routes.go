package gateway

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Handler builds the full request handler: routes wrapped in the middleware
// chain. Exposed separately from Start for in-memory listener tests.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.GET("/healthz", g.handleHealthz)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start runs the HTTP server on addr (e.g. ":8080") until Shutdown.
func (g *Gateway) Start(addr string) error {
	g.srv = &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return g.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the HTTP server. Safe to call when Start was
// never reached.
func (g *Gateway) Shutdown() error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown()
}

func (g *Gateway) handleHealthz(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString("ok")
}
