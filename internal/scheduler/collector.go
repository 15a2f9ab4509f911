package scheduler

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "deploygate"

// Collector exports scheduler sizes and persisted counters, and counts
// lifecycle transitions as an Observer.
type Collector struct {
	sched       *Scheduler
	transitions *prometheus.CounterVec

	active     *prometheus.Desc
	queued     *prometheus.Desc
	history    *prometheus.Desc
	total      *prometheus.Desc
	duplicates *prometheus.Desc
	processed  *prometheus.Desc
	errors     *prometheus.Desc
}

// NewCollector builds a collector bound to s. It is not registered.
func NewCollector(s *Scheduler) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "scheduler", name), help, nil, nil)
	}
	return &Collector{
		sched: s,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "transitions_total",
			Help:      "Deployment lifecycle transitions observed in this process",
		}, []string{"event", "source"}),
		active:     desc("active_deployments", "Deployments currently running"),
		queued:     desc("queued_deployments", "Deployments waiting for admission"),
		history:    desc("history_size", "Terminal deployments retained in history"),
		total:      desc("deployments_started_total", "Deployments started, persisted across restarts"),
		duplicates: desc("duplicates_prevented_total", "Duplicate deployment requests rejected, persisted across restarts"),
		processed:  desc("queue_processed_total", "Queued deployments promoted to running, persisted across restarts"),
		errors:     desc("errors_total", "Deployments that finished as failed, persisted across restarts"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.transitions.Describe(ch)
	for _, d := range []*prometheus.Desc{c.active, c.queued, c.history, c.total, c.duplicates, c.processed, c.errors} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.transitions.Collect(ch)
	stats := c.sched.Stats()
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(stats.Active))
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(stats.Queued))
	ch <- prometheus.MustNewConstMetric(c.history, prometheus.GaugeValue, float64(stats.History))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, float64(stats.Metrics.TotalDeployments))
	ch <- prometheus.MustNewConstMetric(c.duplicates, prometheus.CounterValue, float64(stats.Metrics.DuplicatesPrevented))
	ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(stats.Metrics.QueueProcessed))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(stats.Metrics.Errors))
}

// DeploymentChanged implements Observer.
func (c *Collector) DeploymentChanged(ev Event) {
	c.transitions.WithLabelValues(string(ev.Type), string(ev.Deployment.Source)).Inc()
}

// RegisterCollector registers a collector for s with reg and subscribes it to
// transitions. An already registered collector is reused.
func RegisterCollector(reg prometheus.Registerer, s *Scheduler) (*Collector, error) {
	c := NewCollector(s)
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*Collector)
		if !ok {
			return nil, err
		}
		c = existing
	}
	s.Observe(c)
	return c, nil
}
