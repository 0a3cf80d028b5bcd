// Package metrics wires the scheduler and I/O manager to Prometheus,
// the SPEC_FULL.md §C domain-stack component the original has no
// equivalent of (Mordor predates Prometheus). It follows
// GoogleCloudPlatform-gcsfuse's go.mod choice of
// github.com/prometheus/client_golang, used here directly via promauto
// instead of through an OpenCensus/OpenTelemetry exporter layer the way
// gcsfuse's own common/oc_metrics.go does — this module has no existing
// tracing pipeline to integrate with, so the plain client_golang
// registry is the simpler grounded choice for the same dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds every metric the scheduler/ioman packages report
// against, matching SPEC_FULL.md §C's list: ready-queue depth, active
// fiber count, I/O-wait duration, and timer fire count.
type Recorder struct {
	ReadyQueueDepth prometheus.Gauge
	ActiveFibers    prometheus.Gauge
	IOWaitSeconds   prometheus.Histogram
	TimerFires      prometheus.Counter
}

// New registers a Recorder's metrics against reg. Pass
// prometheus.DefaultRegisterer to use the global registry, or a fresh
// prometheus.NewRegistry() for isolated tests.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		ReadyQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mordor",
			Subsystem: "scheduler",
			Name:      "ready_queue_depth",
			Help:      "Number of fibers and callables currently in the ready queue.",
		}),
		ActiveFibers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mordor",
			Subsystem: "scheduler",
			Name:      "active_fibers",
			Help:      "Number of fibers currently executing across all workers.",
		}),
		IOWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mordor",
			Subsystem: "ioman",
			Name:      "wait_seconds",
			Help:      "Time spent blocked in the kernel readiness wait per idle iteration.",
			Buckets:   prometheus.DefBuckets,
		}),
		TimerFires: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mordor",
			Subsystem: "timer",
			Name:      "fires_total",
			Help:      "Total number of timer callbacks invoked.",
		}),
	}
}

// ObserveWait is a small helper for timing a kernel wait call:
// defer metrics.ObserveWait(rec, time.Now())().
func ObserveWait(r *Recorder, start time.Time) func() {
	return func() {
		if r == nil {
			return
		}
		r.IOWaitSeconds.Observe(time.Since(start).Seconds())
	}
}
