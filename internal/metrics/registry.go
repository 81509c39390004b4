package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the coordinator's Prometheus collectors. All methods are
// safe on a nil receiver so components can run without metrics.
type Registry struct {
	registry        *prometheus.Registry
	quotesTotal     *prometheus.CounterVec
	initiations     *prometheus.CounterVec
	locksTotal      *prometheus.CounterVec
	webhooksTotal   *prometheus.CounterVec
	escrowCalls     *prometheus.CounterVec
	retryAttempts   *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	quarantined     *prometheus.CounterVec
	quarantineDepth prometheus.Gauge
	dlqDepth        prometheus.Gauge
}

func NewRegistry() *Registry {
	quotes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_quotes_total",
		Help: "Quote requests by result",
	}, []string{"result"})

	initiations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_initiations_total",
		Help: "Settlement initiations by result",
	}, []string{"result"})

	locks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_collateral_locks_total",
		Help: "Collateral lock requests by result",
	}, []string{"result"})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_payout_webhooks_total",
		Help: "Payout webhooks by handling result",
	}, []string{"result"})

	escrowCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_escrow_calls_total",
		Help: "Escrow gateway call attempts by operation and result",
	}, []string{"op", "result"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_retry_attempts_total",
		Help: "Escrow retry outcomes",
	}, []string{"result"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_status_transitions_total",
		Help: "Settlement status transitions",
	}, []string{"from", "to"})

	quarantined := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offramp_quarantined_total",
		Help: "Transactions routed to a needs-intervention state",
	}, []string{"status"})

	quarantineDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offramp_quarantined_transactions",
		Help: "Transactions currently awaiting operator intervention",
	})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offramp_dlq_depth",
		Help: "Number of items in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(quotes, initiations, locks, webhooks, escrowCalls, retries, transitions, quarantined, quarantineDepth, dlq)

	return &Registry{
		registry:        r,
		quotesTotal:     quotes,
		initiations:     initiations,
		locksTotal:      locks,
		webhooksTotal:   webhooks,
		escrowCalls:     escrowCalls,
		retryAttempts:   retries,
		transitions:     transitions,
		quarantined:     quarantined,
		quarantineDepth: quarantineDepth,
		dlqDepth:        dlq,
	}
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncQuote(result string) {
	if m != nil {
		m.quotesTotal.WithLabelValues(result).Inc()
	}
}

func (m *Registry) IncInitiation(result string) {
	if m != nil {
		m.initiations.WithLabelValues(result).Inc()
	}
}

func (m *Registry) IncLock(result string) {
	if m != nil {
		m.locksTotal.WithLabelValues(result).Inc()
	}
}

func (m *Registry) IncWebhook(result string) {
	if m != nil {
		m.webhooksTotal.WithLabelValues(result).Inc()
	}
}

func (m *Registry) ObserveEscrowCall(op, result string) {
	if m != nil {
		m.escrowCalls.WithLabelValues(op, result).Inc()
	}
}

func (m *Registry) IncRetry(result string) {
	if m != nil {
		m.retryAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Registry) IncTransition(from, to string) {
	if m != nil {
		m.transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Registry) IncQuarantined(status string) {
	if m != nil {
		m.quarantined.WithLabelValues(status).Inc()
	}
}

func (m *Registry) SetQuarantineDepth(n int) {
	if m != nil {
		m.quarantineDepth.Set(float64(n))
	}
}

func (m *Registry) SetDLQDepth(depth int) {
	if m != nil {
		m.dlqDepth.Set(float64(depth))
	}
}
