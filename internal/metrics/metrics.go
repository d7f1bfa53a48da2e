// Package metrics exposes the Prometheus collectors shared across the
// agent's components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	JobsProcessed    *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	CacheLookups     *prometheus.CounterVec
	BufferActiveKeys prometheus.Gauge
	BroadcastSends   *prometheus.CounterVec
	WorkerTickErrors *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_jobs_processed_total",
			Help: "Queue jobs by terminal tick outcome.",
		}, []string{"queue", "outcome"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_queue_depth",
			Help: "Pending jobs per queue at the last stats snapshot.",
		}, []string{"queue"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_cache_lookups_total",
			Help: "Group metadata cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		BufferActiveKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_buffer_active_keys",
			Help: "Conversation keys with a non-empty accumulator.",
		}),
		BroadcastSends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_broadcast_sends_total",
			Help: "Ad broadcast sends by outcome.",
		}, []string{"outcome"}),
		WorkerTickErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_worker_tick_errors_total",
			Help: "Background worker tick failures per loop.",
		}, []string{"loop"}),
	}
}

// NewNop returns collectors bound to a throwaway registry, for tests and
// optional wiring.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
