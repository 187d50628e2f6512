// Package metrics defines the Prometheus instrumentation shared across
// the poller, the storage sink and the scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all collectors. One instance is created at startup and
// handed to the components that record into it.
type Metrics struct {
	// FetchTotal counts device polls by outcome ("success" / "failure").
	FetchTotal *prometheus.CounterVec

	// FailureTotal counts classified fetch failures per device and kind.
	FailureTotal *prometheus.CounterVec

	// DeviceOnline mirrors the watchdog state, 1 online, 0 offline.
	DeviceOnline *prometheus.GaugeVec

	// StorageWriteErrors counts measurement writes that the sink rejected.
	StorageWriteErrors prometheus.Counter

	// TaskDuration tracks scheduler task run times. Long-running tasks
	// delay every other task, so the upper buckets matter most.
	TaskDuration *prometheus.HistogramVec
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugwatch",
			Name:      "fetch_total",
			Help:      "Device polls by outcome.",
		}, []string{"device", "result"}),
		FailureTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plugwatch",
			Name:      "fetch_failures_total",
			Help:      "Classified fetch failures per device.",
		}, []string{"device", "kind"}),
		DeviceOnline: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "plugwatch",
			Name:      "device_online",
			Help:      "Watchdog state per device, 1 online, 0 offline.",
		}, []string{"device"}),
		StorageWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "plugwatch",
			Name:      "storage_write_errors_total",
			Help:      "Measurement writes rejected by the storage sink.",
		}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "plugwatch",
			Name:      "task_duration_seconds",
			Help:      "Scheduler task execution time.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"task"}),
	}
}

// ObserveFetch records one poll outcome.
func (m *Metrics) ObserveFetch(device string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.FetchTotal.WithLabelValues(device, result).Inc()
}

// SetOnline records the watchdog state of a device.
func (m *Metrics) SetOnline(device string, online bool) {
	value := 0.0
	if online {
		value = 1.0
	}
	m.DeviceOnline.WithLabelValues(device).Set(value)
}

// ObserveTask records one scheduler task run.
func (m *Metrics) ObserveTask(task string, elapsed time.Duration) {
	m.TaskDuration.WithLabelValues(task).Observe(elapsed.Seconds())
}
