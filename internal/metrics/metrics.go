package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	PollCycles      *prometheus.CounterVec
	MessagesListed  prometheus.Counter
	MatchCount      prometheus.Counter
	ClaimCount      prometheus.Counter
	Deliveries      *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	DeliveryLatency prometheus.Histogram
	RunningTasks    prometheus.Gauge
	TokenRefreshes  *prometheus.CounterVec
}

// NewMetrics registers the relay metrics with reg. Passing nil uses the
// default registerer; tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PollCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gmail_webhook_relay_poll_cycles_total",
			Help: "Poll cycles by result (ok, auth_error, transient_error, error)",
		}, []string{"result"}),
		MessagesListed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gmail_webhook_relay_messages_listed_total",
			Help: "Total number of message summaries returned by the mailbox",
		}),
		MatchCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "gmail_webhook_relay_match_count",
			Help: "Total number of messages that matched a watch config filter",
		}),
		ClaimCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "gmail_webhook_relay_claim_count",
			Help: "Total number of messages claimed in the dedup ledger",
		}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gmail_webhook_relay_deliveries_total",
			Help: "Webhook deliveries by outcome (success, failure)",
		}, []string{"outcome"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gmail_webhook_relay_cycle_duration_seconds",
			Help:    "Time spent in one poll cycle",
			Buckets: prometheus.DefBuckets,
		}),
		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gmail_webhook_relay_delivery_duration_seconds",
			Help:    "Time spent on a single webhook POST",
			Buckets: prometheus.DefBuckets,
		}),
		RunningTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gmail_webhook_relay_running_tasks",
			Help: "Number of currently running poll tasks",
		}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gmail_webhook_relay_token_refreshes_total",
			Help: "OAuth token refresh attempts by result",
		}, []string{"result"}),
	}
}

// ObserveDelivery records one webhook outcome.
func (m *Metrics) ObserveDelivery(success bool, seconds float64) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
	m.DeliveryLatency.Observe(seconds)
}

// ObserveRefresh records one token refresh attempt.
func (m *Metrics) ObserveRefresh(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
}
