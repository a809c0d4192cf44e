package router

import (
	"context"
	"log/slog"
	"time"
)

// RunProber health-checks every backend on cfg.ProbeInterval until ctx is
// cancelled. Probe outcomes feed the same breaker rules as live traffic, so
// a recovered backend is closed again without waiting for a caller to probe.
func (r *Router) RunProber(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.probeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) probeAll(ctx context.Context) {
	for _, h := range r.handles {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := h.backend.HealthCheck(probeCtx)
		cancel()

		healthy := err == nil
		r.recordOutcome(h, healthy)
		if r.metrics != nil {
			r.metrics.SetBackendHealth(h.backend.Name(), healthy)
		}
		if !healthy {
			r.logger.Warn("backend health probe failed",
				slog.String("backend", h.backend.Name()),
				slog.String("error", err.Error()))
		}
	}
}
