package inbox

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the controller
type Metrics struct {
	resyncs        *prometheus.CounterVec
	actions        *prometheus.CounterVec
	liveEvents     *prometheus.CounterVec
	staleResponses *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	globalMetrics *Metrics
)

// DefaultMetrics returns metrics registered with the default registry.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

// NewMetrics creates controller metrics registered with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		resyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notifysync_resyncs_total",
			Help: "Full resyncs of list and unread count by reason",
		}, []string{"reason"}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notifysync_actions_total",
			Help: "User actions by outcome",
		}, []string{"action", "result"}),
		liveEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notifysync_live_events_total",
			Help: "Live events merged into local state by type",
		}, []string{"type"}),
		staleResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notifysync_stale_responses_total",
			Help: "REST responses dropped because the session changed while in flight",
		}, []string{"operation"}),
	}
}
