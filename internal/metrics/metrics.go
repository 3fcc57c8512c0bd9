// Package metrics exposes installer progress as Prometheus metrics.
//
// Collector implements both jobqueue.Recorder and requirements.Recorder:
//
//	installer_jobs_total{state="ok|failed|skipped"}  counter
//	installer_job_duration_seconds{module}           histogram
//	installer_progress_ratio                         gauge
//	installer_queue_state{state}                     gauge, 1 for the current state
//	installer_queue_duration_seconds                 gauge
//	installer_requirements_checked_total{module}     counter
//	installer_requirement_entries{module,status}     gauge
//	installer_requirements_satisfied                 gauge
//	installer_requirements_duration_seconds          gauge
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calamares-go/installer/internal/jobqueue"
	"github.com/calamares-go/installer/internal/requirements"
)

const namespace = "installer"

type Collector struct {
	gatherer prometheus.Gatherer

	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	progress      prometheus.Gauge
	queueState    *prometheus.GaugeVec
	queueDuration prometheus.Gauge
	probes        *prometheus.CounterVec
	entries       *prometheus.GaugeVec
	satisfied     prometheus.Gauge
	checkDuration prometheus.Gauge
}

// NewCollector creates the installer metrics on a dedicated registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	return NewCollectorFor(reg, reg)
}

// NewCollectorFor registers the metrics with reg, gatherer is used by
// Handler.
func NewCollectorFor(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	c := &Collector{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Number of jobs handled by the job queue, by outcome",
		}, []string{"state"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of executed jobs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"module"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_ratio",
			Help:      "Overall progress of the job queue between 0 and 1",
		}),
		queueState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_state",
			Help:      "State of the job queue, 1 for the current state",
		}, []string{"state"}),
		queueDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_duration_seconds",
			Help:      "Duration of the last job queue run in seconds",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requirements_checked_total",
			Help:      "Number of finished requirement probes",
		}, []string{"module"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requirement_entries",
			Help:      "Requirement entries reported by the last probe of a module",
		}, []string{"module", "status"}),
		satisfied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requirements_satisfied",
			Help:      "1 when all mandatory requirements are satisfied",
		}),
		checkDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requirements_duration_seconds",
			Help:      "Duration of the last requirements check in seconds",
		}),
	}

	reg.MustRegister(
		c.jobs,
		c.jobDuration,
		c.progress,
		c.queueState,
		c.queueDuration,
		c.probes,
		c.entries,
		c.satisfied,
		c.checkDuration,
	)
	c.gatherer = gatherer
	return c
}

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveJob(r jobqueue.EntryResult) {
	switch {
	case r.Skipped():
		c.jobs.WithLabelValues("skipped").Inc()
		return
	case r.Result.Success:
		c.jobs.WithLabelValues("ok").Inc()
	default:
		c.jobs.WithLabelValues("failed").Inc()
	}
	c.jobDuration.WithLabelValues(r.Module).Observe(r.Elapsed.Seconds())
}

func (c *Collector) ObserveProgress(fraction float64) {
	c.progress.Set(fraction)
}

func (c *Collector) ObserveQueue(state jobqueue.State, elapsed time.Duration) {
	for _, s := range []jobqueue.State{jobqueue.Idle, jobqueue.Running, jobqueue.Completed, jobqueue.Failed} {
		v := 0.0
		if s == state {
			v = 1
		}
		c.queueState.WithLabelValues(s.String()).Set(v)
	}
	c.queueDuration.Set(elapsed.Seconds())
}

func (c *Collector) ObserveProbe(instanceKey string, _ time.Duration, entries requirements.List) {
	c.probes.WithLabelValues(instanceKey).Inc()
	var ok, optional, blocking int
	for _, e := range entries {
		switch {
		case e.Satisfied:
			ok++
		case e.Mandatory:
			blocking++
		default:
			optional++
		}
	}
	c.entries.WithLabelValues(instanceKey, "satisfied").Set(float64(ok))
	c.entries.WithLabelValues(instanceKey, "unsatisfied").Set(float64(optional))
	c.entries.WithLabelValues(instanceKey, "blocking").Set(float64(blocking))
}

func (c *Collector) ObserveCheck(elapsed time.Duration, satisfied bool) {
	v := 0.0
	if satisfied {
		v = 1
	}
	c.satisfied.Set(v)
	c.checkDuration.Set(elapsed.Seconds())
}
