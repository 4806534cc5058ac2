// Package metrics holds the Prometheus collectors for metering. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meter"

// Quota check outcomes.
const (
	OutcomeAllowed  = "allowed"
	OutcomeWarned   = "warned"
	OutcomeBlocked  = "blocked"
	OutcomeDegraded = "degraded"
)

// Call statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var DefaultDurationBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

type Metrics struct {
	QuotaChecks       *prometheus.CounterVec
	QuotaDegraded     *prometheus.CounterVec
	Reservations      *prometheus.CounterVec
	Calls             *prometheus.CounterVec
	Tokens            *prometheus.CounterVec
	CostTotal         *prometheus.CounterVec
	ProviderDuration  *prometheus.HistogramVec
	LedgerWriteFailed prometheus.Counter
	Events            *prometheus.CounterVec
	EventsDropped     prometheus.Counter
}

// New registers all collectors on reg. Passing prometheus.NewRegistry() in
// tests keeps them off the global registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QuotaChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_checks_total",
			Help:      "Quota checks by tier and outcome",
		}, []string{"tier", "outcome"}),
		QuotaDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_check_degraded_total",
			Help:      "Quota checks that failed open because a store was unavailable",
		}, []string{"reason"}),
		Reservations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_reservations_total",
			Help:      "Token reservations by outcome",
		}, []string{"outcome"}),
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider calls by provider, model and status",
		}, []string{"provider", "model", "status"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Metered tokens by provider, model and direction",
		}, []string{"provider", "model", "direction"}),
		CostTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Metered cost in reference currency units",
		}, []string{"provider", "model"}),
		ProviderDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Upstream provider latency",
			Buckets:   DefaultDurationBuckets,
		}, []string{"provider", "status"}),
		LedgerWriteFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_write_failures_total",
			Help:      "Served calls whose usage row could not be written",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Telemetry events delivered by kind",
		}, []string{"kind"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Telemetry events dropped because the buffer was full",
		}),
	}
}

func (m *Metrics) QuotaCheck(tier, outcome string) {
	if m == nil {
		return
	}
	m.QuotaChecks.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) Degraded(reason string) {
	if m == nil {
		return
	}
	m.QuotaDegraded.WithLabelValues(reason).Inc()
}

func (m *Metrics) Reservation(outcome string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(outcome).Inc()
}

// Call records one provider round trip. Tokens and cost are only counted on success.
func (m *Metrics) Call(provider, model, status string, elapsed time.Duration, prompt, completion int, cost float64) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(provider, model, status).Inc()
	m.ProviderDuration.WithLabelValues(provider, status).Observe(elapsed.Seconds())
	if status != StatusSuccess {
		return
	}
	m.Tokens.WithLabelValues(provider, model, "input").Add(float64(prompt))
	m.Tokens.WithLabelValues(provider, model, "output").Add(float64(completion))
	m.CostTotal.WithLabelValues(provider, model).Add(cost)
}

func (m *Metrics) LedgerFailure() {
	if m == nil {
		return
	}
	m.LedgerWriteFailed.Inc()
}

func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
