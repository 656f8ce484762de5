// Package metrics exposes prometheus collectors for sync, queue and
// reconciliation outcomes. A nil *Metrics is valid and records nothing, so
// batch commands can run without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bridgesync"

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	reg *prometheus.Registry

	syncEvents    *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	queueItems    *prometheus.CounterVec
	reconcile     *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	bridgeUp      *prometheus.GaugeVec
	bridgeLatency *prometheus.GaugeVec
	jobRuns       *prometheus.CounterVec
}

// New creates a registry with the process and Go collectors plus the
// bridgesync collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		syncEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_events_total",
			Help:      "Events handled by sync passes, by outcome.",
		}, []string{"source", "target", "outcome"}),
		syncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Duration of sync passes between two bridges.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"source", "target"}),
		queueItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_total",
			Help:      "Queue items processed, by type and outcome.",
		}, []string{"type", "outcome"}),
		reconcile: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_actions_total",
			Help:      "Reconciliation actions, by job and action.",
		}, []string{"job", "action"}),
		webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Webhook notifications accepted, by bridge and action.",
		}, []string{"bridge", "action"}),
		bridgeUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_up",
			Help:      "1 when the last health check of the bridge succeeded.",
		}, []string{"bridge"}),
		bridgeLatency: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_check_latency_seconds",
			Help:      "Latency of the last bridge health check.",
		}, []string{"bridge"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs, by job and outcome.",
		}, []string{"job", "outcome"}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// SyncEvent counts one event outcome of a sync pass.
func (m *Metrics) SyncEvent(source, target, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.syncEvents.WithLabelValues(source, target, outcome).Add(float64(n))
}

// SyncPass records the duration of one sync pass.
func (m *Metrics) SyncPass(source, target string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(source, target).Observe(d.Seconds())
}

// QueueItem counts one processed queue item.
func (m *Metrics) QueueItem(queueType, outcome string) {
	if m == nil {
		return
	}
	m.queueItems.WithLabelValues(queueType, outcome).Inc()
}

// Reconcile counts reconciliation actions of one job.
func (m *Metrics) Reconcile(job, action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcile.WithLabelValues(job, action).Add(float64(n))
}

// Webhook counts one accepted webhook notification.
func (m *Metrics) Webhook(bridge, action string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(bridge, action).Inc()
}

// BridgeHealth records the outcome of a bridge health check.
func (m *Metrics) BridgeHealth(bridge string, up bool, latency time.Duration) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.bridgeUp.WithLabelValues(bridge).Set(v)
	m.bridgeLatency.WithLabelValues(bridge).Set(latency.Seconds())
}

// JobRun counts one scheduled job run.
func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
}
