package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/set-night/shopbot/internal/domain"
)

// Metrics holds the settlement, webhook and bot pool collectors.
// A nil *Metrics, or one built without a registerer, records nothing.
type Metrics struct {
	outcomes     *prometheus.CounterVec
	escalations  prometheus.Counter
	webhooks     *prometheus.CounterVec
	connections  *prometheus.GaugeVec
	queued       prometheus.Counter
	redelivered  prometheus.Counter
	expiredSwept prometheus.Counter
}

// New registers the collectors on the provided registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_outcomes_total",
			Help: "Settled payment events by outcome.",
		}, []string{"status", "reason"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_escalations_total",
			Help: "Events that exhausted retries and need manual reconciliation.",
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Webhook requests by provider and response code.",
		}, []string{"provider", "code"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botpool_connections",
			Help: "Bot connections by state.",
		}, []string{"state"}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_queued_total",
			Help: "Notifications queued after every connection failed.",
		}),
		redelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_redelivered_total",
			Help: "Queued notifications delivered on a later attempt.",
		}),
		expiredSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoices_expired_total",
			Help: "Pending invoices expired by the sweeper.",
		}),
	}
	reg.MustRegister(m.outcomes, m.escalations, m.webhooks, m.connections, m.queued, m.redelivered, m.expiredSwept)
	return m
}

func (m *Metrics) ObserveOutcome(o domain.Outcome) {
	if m == nil || m.outcomes == nil {
		return
	}
	reason := string(o.Reason)
	if reason == "" {
		reason = "none"
	}
	m.outcomes.WithLabelValues(normalizeLabel(string(o.Status)), reason).Inc()
}

func (m *Metrics) IncEscalation() {
	if m == nil || m.escalations == nil {
		return
	}
	m.escalations.Inc()
}

func (m *Metrics) ObserveWebhook(provider string, code int) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(normalizeLabel(provider), strconv.Itoa(code)).Inc()
}

// SetConnections replaces the per-state connection gauge.
func (m *Metrics) SetConnections(byState map[string]int) {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Reset()
	for state, n := range byState {
		m.connections.WithLabelValues(normalizeLabel(state)).Set(float64(n))
	}
}

func (m *Metrics) IncQueued() {
	if m == nil || m.queued == nil {
		return
	}
	m.queued.Inc()
}

func (m *Metrics) IncRedelivered() {
	if m == nil || m.redelivered == nil {
		return
	}
	m.redelivered.Inc()
}

func (m *Metrics) AddExpired(n int) {
	if m == nil || m.expiredSwept == nil || n <= 0 {
		return
	}
	m.expiredSwept.Add(float64(n))
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
