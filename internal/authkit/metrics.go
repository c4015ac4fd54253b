package authkit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric event names.
const (
	metricTokenIssued       = "grant.issued"
	metricTokenDenied       = "grant.denied"
	metricTokenForbidden    = "grant.forbidden"
	metricCodeIssued        = "grant.code_issued"
	metricVerifySuccess     = "verify.success"
	metricVerifyFailure     = "verify.failure"
	metricVerifyForbidden   = "verify.forbidden"
	metricAdminBan          = "admin.ban"
	metricAdminUnban        = "admin.unban"
	metricAdminRegister     = "admin.register"
	metricRevokeSuccess     = "revoke.success"
	metricFederatedLogin    = "federated.login"
	metricFederatedFailure  = "federated.failure"
	metricSessionOpened     = "session.opened"
	metricSessionTerminated = "session.terminated"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports auth events as a labelled Prometheus counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the auth event counter with registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "greenhouse",
		Subsystem: "auth",
		Name:      "events_total",
		Help:      "Authorization server events by name.",
	}, []string{"event"})
	if err := registerer.Register(events); err != nil {
		return nil, err
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}
