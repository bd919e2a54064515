package api

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog/log"
)

// sentryMiddleware captures panics with request context and re-panics so
// net/http still logs them.
func sentryMiddleware(next http.Handler) http.Handler {
	return sentryhttp.New(sentryhttp.Options{
		Repanic:         true,
		WaitForDelivery: true,
		Timeout:         2 * time.Second,
	}).Handle(next)
}

// securityHeaders sets conservative browser headers on every response. The
// API serves JSON only, so nothing is cacheable or embeddable.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// cachedMetricsHandler serves a text exposition of gatherer refreshed every
// ttl. Until the first refresh it gathers on demand.
type cachedMetricsHandler struct {
	gatherer prometheus.Gatherer
	ttl      time.Duration

	mu    sync.RWMutex
	cache []byte
}

func newCachedMetricsHandler(ctx context.Context, gatherer prometheus.Gatherer, ttl time.Duration) *cachedMetricsHandler {
	h := &cachedMetricsHandler{gatherer: gatherer, ttl: ttl}
	go h.refreshLoop(ctx)
	return h
}

func (h *cachedMetricsHandler) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(h.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			body, err := h.render()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to gather metrics")
				continue
			}
			h.mu.Lock()
			h.cache = body
			h.mu.Unlock()
		}
	}
}

func (h *cachedMetricsHandler) render() ([]byte, error) {
	families, err := h.gatherer.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (h *cachedMetricsHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	body := h.cache
	h.mu.RUnlock()

	if len(body) == 0 {
		var err error
		body, err = h.render()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	_, _ = w.Write(body)
}
