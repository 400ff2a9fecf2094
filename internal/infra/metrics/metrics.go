// Package metrics exposes Prometheus collectors for discovery and
// supervision activity.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oxsets"

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	scans              *prometheus.CounterVec
	agentsDiscovered   *prometheus.GaugeVec
	launches           *prometheus.CounterVec
	stops              *prometheus.CounterVec
	stopDuration       prometheus.Histogram
	agentsRunning      prometheus.Gauge
	checksumMismatches *prometheus.CounterVec
	events             *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// MustNewMetrics registers the collectors with reg, reusing any that are
// already registered. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		scans: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "scans_total",
			Help:      "Sets directory scans by outcome.",
		}, []string{"outcome"})),
		agentsDiscovered: mustRegister(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "agents",
			Help:      "Agents in the registry by verification state.",
		}, []string{"verification"})),
		launches: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "launches_total",
			Help:      "Agent launch attempts by outcome.",
		}, []string{"outcome"})),
		stops: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "stops_total",
			Help:      "Agent stop attempts by outcome.",
		}, []string{"outcome"})),
		stopDuration: mustRegister(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "stop_duration_seconds",
			Help:      "Time spent stopping an agent, grace period included.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 7.5, 10, 30},
		})),
		agentsRunning: mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "agents_running",
			Help:      "Agents with a tracked process handle.",
		})),
		checksumMismatches: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integrity",
			Name:      "checksum_mismatches_total",
			Help:      "Files that failed verification, by agent.",
		}, []string{"agent_id"})),
		events: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Lifecycle events published, by type.",
		}, []string{"type"})),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

func mustRegister[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler serves the registry the collectors were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveScan records one scan.
func (m *Metrics) ObserveScan(outcome string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(outcome).Inc()
}

// SetAgents sets the discovered-agent gauges.
func (m *Metrics) SetAgents(valid, invalid int) {
	if m == nil {
		return
	}
	m.agentsDiscovered.WithLabelValues("valid").Set(float64(valid))
	m.agentsDiscovered.WithLabelValues("invalid").Set(float64(invalid))
}

// ObserveLaunch records one launch attempt.
func (m *Metrics) ObserveLaunch(outcome string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(outcome).Inc()
}

// ObserveStop records one stop attempt and how long it took.
func (m *Metrics) ObserveStop(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stops.WithLabelValues(outcome).Inc()
	if outcome != OutcomeRejected {
		m.stopDuration.Observe(d.Seconds())
	}
}

// SetRunning sets the number of tracked running agents.
func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.agentsRunning.Set(float64(n))
}

// AddChecksumMismatches counts failed files for an agent.
func (m *Metrics) AddChecksumMismatches(agentID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.checksumMismatches.WithLabelValues(agentID).Add(float64(n))
}

// ObserveEvent counts one published lifecycle event.
func (m *Metrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}
