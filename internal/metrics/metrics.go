// Package metrics exposes pbx's runtime state to Prometheus: a pull-based
// Collector over the registry's point-in-time snapshot, plus a small set
// of directly-incremented counters for the event-driven outcomes (engine
// transitions, notification failures, accepted/rejected connections) that
// a scrape-time poll can't observe after the fact.
package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/pbx/internal/pbx"
)

// StateProvider exposes the registry's point-in-time snapshot.
type StateProvider interface {
	Count() int
	StateHistogram() map[pbx.State]int
}

// Collector is a prometheus.Collector that gathers registry state at
// scrape time, mirroring the teacher's pull-based Collector pattern.
type Collector struct {
	registry  StateProvider
	startTime time.Time

	registeredDesc *prometheus.Desc
	tuStateDesc    *prometheus.Desc
	uptimeDesc     *prometheus.Desc
}

// NewCollector returns a Collector pulling from registry.
func NewCollector(registry StateProvider, startTime time.Time) *Collector {
	return &Collector{
		registry:  registry,
		startTime: startTime,

		registeredDesc: prometheus.NewDesc(
			"pbx_registered_extensions",
			"Number of extensions currently registered with the switch",
			nil, nil,
		),
		tuStateDesc: prometheus.NewDesc(
			"pbx_tu_state",
			"Number of telephone units currently in each state",
			[]string{"state"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"pbx_uptime_seconds",
			"Seconds since the pbx process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registeredDesc
	ch <- c.tuStateDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.registeredDesc, prometheus.GaugeValue,
		float64(c.registry.Count()),
	)

	hist := c.registry.StateHistogram()
	for _, state := range []pbx.State{
		pbx.OnHook, pbx.Ringing, pbx.DialTone, pbx.RingBack,
		pbx.BusySignal, pbx.Connected, pbx.Error,
	} {
		ch <- prometheus.MustNewConstMetric(
			c.tuStateDesc, prometheus.GaugeValue,
			float64(hist[state]), string(state),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Counters holds the event-driven counters the engine and switchboard
// report into directly, as opposed to the Collector's scrape-time pull.
// It implements both pbx.Metrics and switchboard.ConnMetrics.
type Counters struct {
	transitions   *prometheus.CounterVec
	notifyErrors  prometheus.Counter
	connsAccepted prometheus.Counter
	connsRejected prometheus.Counter
}

// NewCounters creates and registers the counter family against reg.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbx_transitions_total",
			Help: "Total number of engine transitions executed, by operation",
		}, []string{"op"}),
		notifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbx_notification_write_errors_total",
			Help: "Total number of failed best-effort notification writes",
		}),
		connsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbx_connections_accepted_total",
			Help: "Total number of connections accepted by the switchboard",
		}),
		connsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbx_connections_rejected_total",
			Help: "Total number of connections rejected by the per-IP rate limiter",
		}),
	}
	reg.MustRegister(c.transitions, c.notifyErrors, c.connsAccepted, c.connsRejected)
	return c
}

// ObserveTransition implements pbx.Metrics.
func (c *Counters) ObserveTransition(op string) {
	c.transitions.WithLabelValues(op).Inc()
}

// ObserveNotifyError implements pbx.Metrics.
func (c *Counters) ObserveNotifyError() {
	c.notifyErrors.Inc()
	slog.Debug("metrics: notification write failure recorded")
}

// ObserveConnectionAccepted implements switchboard.ConnMetrics.
func (c *Counters) ObserveConnectionAccepted() {
	c.connsAccepted.Inc()
}

// ObserveConnectionRejected implements switchboard.ConnMetrics.
func (c *Counters) ObserveConnectionRejected() {
	c.connsRejected.Inc()
}
