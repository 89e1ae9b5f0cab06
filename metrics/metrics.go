// Package metrics wraps github.com/prometheus/client_golang's promauto
// helpers, following ThreatFlux-libgo's internal/metrics/prometheus.go
// (struct of promauto-registered Counter/Gauge/Histogram fields,
// Record*-style methods). These observe Service and Task lifecycle
// events; nothing in this package requires an HTTP handler to be
// running — callers who want an exposition endpoint register
// promhttp.Handler() themselves (outside this package, matching
// ThreatFlux's split between internal/metrics and
// internal/api/handlers/metrics_handler.go).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "appose_tasks_started_total",
		Help: "Total number of tasks started via Service.Task().Start().",
	})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appose_tasks_completed_total",
		Help: "Total number of tasks reaching a terminal state, by status.",
	}, []string{"status"})

	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "appose_task_duration_seconds",
		Help:    "Duration from Start() to terminal state, in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	ServicesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "appose_services_active",
		Help: "Number of Service instances with a live worker process.",
	})

	SharedMemorySegmentsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "appose_shm_segments_open",
		Help: "Number of shared-memory segments currently mapped by this process.",
	})
)

// RecordTaskTerminal records a task's terminal status and its wall-clock
// duration since it was started.
func RecordTaskTerminal(status string, started time.Time) {
	TasksCompleted.WithLabelValues(status).Inc()
	TaskDuration.Observe(time.Since(started).Seconds())
}
