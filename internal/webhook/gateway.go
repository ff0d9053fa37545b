// Package webhook is the HTTP entry point for payment provider callbacks.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/set-night/shopbot/internal/botpool"
	"github.com/set-night/shopbot/internal/config"
	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/metrics"
)

// Provider authenticates and decodes one payment provider's deliveries.
type Provider interface {
	Name() string
	// Verify fails with domain.ErrInvalidSignature when the request was not
	// signed by the provider.
	Verify(r *http.Request, body []byte) error
	// Decode fails with domain.ErrInvalidEvent for well-formed bodies that do
	// not describe a usable event. Any other error means the body could not be
	// parsed.
	Decode(body []byte) (domain.PaymentEvent, error)
}

type Settler interface {
	Settle(ctx context.Context, ev domain.PaymentEvent) (domain.Outcome, error)
}

// PoolStatus is the part of the bot pool the health endpoint reports on.
type PoolStatus interface {
	Summary() map[botpool.State]int
	Snapshot() []botpool.ConnectionInfo
}

type Deps struct {
	Providers []Provider
	Settler   Settler
	Pool      PoolStatus
	Metrics   *metrics.Metrics
	// Gatherer serves /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
}

type Gateway struct {
	providers map[string]Provider
	settler   Settler
	pool      PoolStatus
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	timeout   time.Duration
}

func New(deps Deps, timeout time.Duration) *Gateway {
	g := &Gateway{
		providers: make(map[string]Provider, len(deps.Providers)),
		settler:   deps.Settler,
		pool:      deps.Pool,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		timeout:   timeout,
	}
	for _, p := range deps.Providers {
		g.providers[p.Name()] = p
	}
	if g.timeout <= 0 {
		g.timeout = 10 * time.Second
	}
	return g
}

func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
	)

	r.Post("/webhook/{provider}", g.handleWebhook)
	r.Get("/health", g.handleHealth)
	if g.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type ackResponse struct {
	OK      bool   `json:"ok"`
	Status  string `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	provider, ok := g.providers[name]
	if !ok {
		g.reply(w, "unknown", http.StatusNotFound, ackResponse{})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxWebhookBodyBytes))
	if err != nil {
		slog.Warn("failed to read webhook body", "provider", name, "error", err)
		g.reply(w, name, http.StatusBadRequest, ackResponse{})
		return
	}

	if err := provider.Verify(r, body); err != nil {
		slog.Warn("webhook signature rejected", "provider", name, "remote", r.RemoteAddr)
		g.reply(w, name, http.StatusUnauthorized, ackResponse{})
		return
	}

	// A signed body that cannot be used is acknowledged so the provider
	// stops redelivering it.
	ev, err := provider.Decode(body)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidEvent) {
			slog.Warn("webhook event dropped", "provider", name, "error", err)
		} else {
			slog.Warn("malformed webhook body dropped", "provider", name, "error", err)
		}
		g.reply(w, name, http.StatusOK, ackResponse{OK: true, Status: "dropped"})
		return
	}

	done := make(chan result, 1)
	go func() {
		outcome, err := g.settler.Settle(context.WithoutCancel(r.Context()), ev)
		done <- result{outcome: outcome, err: err}
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			// Escalated events are already on the operator channel.
			slog.Error("webhook event not settled", "provider", name, "event_id", ev.ID, "error", res.err)
			g.reply(w, name, http.StatusOK, ackResponse{OK: true, Status: "failed"})
			return
		}
		g.reply(w, name, http.StatusOK, ackResponse{
			OK:     true,
			Status: string(res.outcome.Status),
			Reason: string(res.outcome.Reason),
		})
	case <-timer.C:
		slog.Warn("webhook settlement continues after timeout", "provider", name, "event_id", ev.ID, "timeout", g.timeout)
		g.reply(w, name, http.StatusOK, ackResponse{OK: true, Pending: true})
	}
}

type result struct {
	outcome domain.Outcome
	err     error
}

type healthResponse struct {
	Status      string                   `json:"status"`
	Healthy     int                      `json:"healthy"`
	Degraded    int                      `json:"degraded"`
	Banned      int                      `json:"banned"`
	Starting    int                      `json:"starting"`
	Stopped     int                      `json:"stopped"`
	Connections []botpool.ConnectionInfo `json:"connections"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Connections: []botpool.ConnectionInfo{}}
	if g.pool != nil {
		summary := g.pool.Summary()
		resp.Healthy = summary[botpool.StateHealthy]
		resp.Degraded = summary[botpool.StateDegraded]
		resp.Banned = summary[botpool.StateBanned]
		resp.Starting = summary[botpool.StateStarting]
		resp.Stopped = summary[botpool.StateStopped]
		resp.Connections = g.pool.Snapshot()
	}
	switch {
	case resp.Healthy > 0:
	case resp.Degraded > 0:
		resp.Status = "degraded"
	default:
		resp.Status = "down"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) reply(w http.ResponseWriter, provider string, code int, body ackResponse) {
	g.metrics.ObserveWebhook(provider, code)
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
