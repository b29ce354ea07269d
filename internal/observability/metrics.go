package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics of a polygon run. It satisfies
// geoprocessing.Recorder.
type Collector struct {
	gatherer prometheus.Gatherer

	Lines           *prometheus.CounterVec
	VerticesWritten prometheus.Counter
	Jobs            *prometheus.CounterVec
	PollStatuses    *prometheus.CounterVec
	JobPolls        prometheus.Histogram
	JobDurations    prometheus.Histogram
}

// NewCollector registers the run metrics against reg, defaulting to the global
// Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	lines, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polygons_input_lines_total",
		Help: "Input lines read, labeled by parse result.",
	}, []string{"result"}), "polygons_input_lines_total")
	if err != nil {
		return nil, err
	}

	vertices, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "polygons_vertex_rows_written_total",
		Help: "Vertex rows written to the polygon sink.",
	}), "polygons_vertex_rows_written_total")
	if err != nil {
		return nil, err
	}

	jobs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polygons_jobs_total",
		Help: "Geoprocessing jobs, labeled by terminal state (extracted, stuck, failed).",
	}, []string{"outcome"}), "polygons_jobs_total")
	if err != nil {
		return nil, err
	}

	statuses, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polygons_job_poll_statuses_total",
		Help: "Job status tokens observed while polling.",
	}, []string{"status"}), "polygons_job_poll_statuses_total")
	if err != nil {
		return nil, err
	}

	polls, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "polygons_job_polls",
		Help:    "Unsuccessful status polls per job.",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 30, 40, 50},
	}), "polygons_job_polls")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "polygons_job_duration_seconds",
		Help:    "Wall-clock time from submission to terminal state.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5min
	}), "polygons_job_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:        gatherer,
		Lines:           lines,
		VerticesWritten: vertices,
		Jobs:            jobs,
		PollStatuses:    statuses,
		JobPolls:        polls,
		JobDurations:    durations,
	}, nil
}

// ObserveLine counts one input line by result (parsed, parse_error, blank).
func (c *Collector) ObserveLine(result string) {
	if c == nil {
		return
	}
	c.Lines.WithLabelValues(result).Inc()
}

// AddVertices counts vertex rows written.
func (c *Collector) AddVertices(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.VerticesWritten.Add(float64(n))
}

// StatusOther labels poll statuses outside the ArcGIS job status set.
const StatusOther = "other"

var knownStatuses = map[string]struct{}{
	"esriJobNew":        {},
	"esriJobSubmitted":  {},
	"esriJobWaiting":    {},
	"esriJobExecuting":  {},
	"esriJobSucceeded":  {},
	"esriJobFailed":     {},
	"esriJobTimedOut":   {},
	"esriJobCancelling": {},
	"esriJobCancelled":  {},
	"esriJobDeleting":   {},
	"esriJobDeleted":    {},
}

// ObservePoll counts one status token. The token is server text, so anything
// outside the known set is folded into StatusOther.
func (c *Collector) ObservePoll(status string) {
	if c == nil {
		return
	}
	if _, ok := knownStatuses[status]; !ok {
		status = StatusOther
	}
	c.PollStatuses.WithLabelValues(status).Inc()
}

// ObserveJob records a finished job.
func (c *Collector) ObserveJob(outcome string, polls int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Jobs.WithLabelValues(outcome).Inc()
	c.JobPolls.Observe(float64(polls))
	c.JobDurations.Observe(elapsed.Seconds())
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}
