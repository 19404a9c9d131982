// Package metrics exports engine measurements to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-workflow/engine"
)

const DefaultNamespace = "workflow"

// Recorder implements engine.MetricsRecorder with one histogram and two
// counter vectors labelled by operation.
type Recorder struct {
	duration  *prometheus.HistogramVec
	successes *prometheus.CounterVec
	failures  *prometheus.CounterVec
}

var _ engine.MetricsRecorder = (*Recorder)(nil)

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer, namespace string) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	r := &Recorder{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of workflow engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		successes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Successful workflow engine operations.",
		}, []string{"operation"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Failed workflow engine operations by error code.",
		}, []string{"operation", "code"}),
	}
	for _, c := range []prometheus.Collector{r.duration, r.successes, r.failures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) RecordDuration(operation string, d time.Duration) {
	r.duration.WithLabelValues(operation).Observe(d.Seconds())
}

func (r *Recorder) RecordSuccess(operation string) {
	r.successes.WithLabelValues(operation).Inc()
}

func (r *Recorder) RecordError(operation, code string) {
	if code == "" {
		code = "unknown"
	}
	r.failures.WithLabelValues(operation, code).Inc()
}
