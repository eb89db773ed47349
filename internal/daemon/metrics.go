package daemon

import (
	"net/http"
	"time"

	"github.com/hostlane/hostlane/internal/gateway"
	"github.com/hostlane/hostlane/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics collects Prometheus counters and histograms for hostlaned.
type Metrics struct {
	registry              *prometheus.Registry
	actionsTotal          *prometheus.CounterVec
	actionDurationSeconds *prometheus.HistogramVec
	gatewayCallsTotal     *prometheus.CounterVec
	gatewayCallSeconds    *prometheus.HistogramVec
	reconcilePassesTotal  *prometheus.CounterVec
	reconcileDriftTotal   *prometheus.CounterVec
	expiredServersTotal   prometheus.Counter
	auditDroppedTotal     prometheus.Counter
	creditsDebitedTotal   prometheus.Counter
}

var _ gateway.Observer = (*Metrics)(nil)

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	actionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlane",
			Subsystem: "lifecycle",
			Name:      "actions_total",
			Help:      "Total number of lifecycle actions by outcome.",
		},
		[]string{"action", "result"},
	)
	actionDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hostlane",
			Subsystem: "lifecycle",
			Name:      "action_duration_seconds",
			Help:      "Time from claim to final status of a lifecycle action.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		},
		[]string{"action"},
	)
	gatewayCallsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlane",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Total number of provider API attempts by result kind.",
		},
		[]string{"provider", "op", "result"},
	)
	gatewayCallSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hostlane",
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Duration of a single provider API attempt.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "op"},
	)
	reconcilePassesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlane",
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Total number of reconciliation passes.",
		},
		[]string{"result"},
	)
	reconcileDriftTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlane",
			Subsystem: "reconcile",
			Name:      "drift_total",
			Help:      "Status corrections applied from provider state.",
		},
		[]string{"from", "to"},
	)
	expiredServersTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hostlane",
			Name:      "expired_servers_total",
			Help:      "Servers moved to EXPIRED by the expiry sweep.",
		},
	)
	auditDroppedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hostlane",
			Name:      "audit_dropped_total",
			Help:      "Audit entries dropped or failed to persist.",
		},
	)
	creditsDebitedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hostlane",
			Name:      "credits_debited_total",
			Help:      "Sum of credits debited for extensions.",
		},
	)

	registry.MustRegister(
		actionsTotal,
		actionDurationSeconds,
		gatewayCallsTotal,
		gatewayCallSeconds,
		reconcilePassesTotal,
		reconcileDriftTotal,
		expiredServersTotal,
		auditDroppedTotal,
		creditsDebitedTotal,
	)

	return &Metrics{
		registry:              registry,
		actionsTotal:          actionsTotal,
		actionDurationSeconds: actionDurationSeconds,
		gatewayCallsTotal:     gatewayCallsTotal,
		gatewayCallSeconds:    gatewayCallSeconds,
		reconcilePassesTotal:  reconcilePassesTotal,
		reconcileDriftTotal:   reconcileDriftTotal,
		expiredServersTotal:   expiredServersTotal,
		auditDroppedTotal:     auditDroppedTotal,
		creditsDebitedTotal:   creditsDebitedTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveAction(action models.ActivityAction, result string, duration time.Duration) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.actionsTotal.WithLabelValues(string(action), result).Inc()
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.actionDurationSeconds.WithLabelValues(string(action)).Observe(seconds)
}

// ObserveGatewayCall implements gateway.Observer.
func (m *Metrics) ObserveGatewayCall(provider, op string, kind gateway.Kind, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := string(kind)
	if kind == gateway.KindNone {
		result = "ok"
	}
	m.gatewayCallsTotal.WithLabelValues(provider, op, result).Inc()
	seconds := elapsed.Seconds()
	if seconds < 0 {
		return
	}
	m.gatewayCallSeconds.WithLabelValues(provider, op).Observe(seconds)
}

func (m *Metrics) IncReconcilePass(result string) {
	if m == nil {
		return
	}
	m.reconcilePassesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncReconcileDrift(from, to models.ServerStatus) {
	if m == nil {
		return
	}
	m.reconcileDriftTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) IncExpired() {
	if m == nil {
		return
	}
	m.expiredServersTotal.Inc()
}

func (m *Metrics) IncAuditDropped() {
	if m == nil {
		return
	}
	m.auditDroppedTotal.Inc()
}

func (m *Metrics) AddCreditsDebited(amount decimal.Decimal) {
	if m == nil || !amount.IsPositive() {
		return
	}
	m.creditsDebitedTotal.Add(amount.InexactFloat64())
}
