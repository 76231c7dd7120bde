// Package observability exposes pipeline metrics and the optional debug
// HTTP server (/healthz, /metrics, /debug/pprof/).
package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bosstracker/internal/dedup"
	"bosstracker/internal/eventbus"
	"bosstracker/internal/notifier"
	"bosstracker/internal/parser"
	"bosstracker/internal/tail"
)

const namespace = "bosstracker"

// Metrics owns a private registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	lines      prometheus.Counter
	candidates *prometheus.CounterVec
	decisions  *prometheus.CounterVec
	checks     *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	advances   prometheus.Counter
	switches   prometheus.Counter
	source     *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}
	m.lines = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lines_read_total",
		Help:      "Complete log lines read from the active source",
	})
	m.candidates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "candidates_total",
		Help:      "Kill candidates parsed, by kind",
	}, []string{"kind"})
	m.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_total",
		Help:      "Dedup decisions by kind and reason",
	}, []string{"kind", "reason"})
	m.checks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remote_checks_total",
		Help:      "Remote duplicate checks by result",
	}, []string{"result"})
	m.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Notification lifecycle events by result",
	}, []string{"result"})
	m.advances = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_advances_total",
		Help:      "Last-kill instants moved forward by reconciliation",
	})
	m.switches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_switches_total",
		Help:      "Changes of the active log file",
	})
	m.source = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_source_info",
		Help:      "Active log file (value is always 1)",
	}, []string{"label"})

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.lines, m.candidates, m.decisions, m.checks, m.deliveries, m.advances, m.switches, m.source,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Gauges registers live gauges read on scrape.
func (m *Metrics) Gauges(pendingBatches, queued func() int) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_batches",
			Help:      "Targets currently collecting candidates",
		}, func() float64 { return float64(pendingBatches()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notifier_queue_length",
			Help:      "Notifications waiting for the delivery worker",
		}, func() float64 { return float64(queued()) }),
	)
}

func (m *Metrics) ObserveLine() { m.lines.Inc() }

func (m *Metrics) ObserveCandidate(c parser.Candidate) {
	m.candidates.WithLabelValues(c.Kind.String()).Inc()
}

// Observe updates counters from one bus event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeDecision:
		d, ok := ev.Data.(dedup.Decision)
		if !ok {
			return
		}
		m.decisions.WithLabelValues(string(d.Kind), string(d.Reason)).Inc()
		if d.Check != dedup.CheckSkipped {
			m.checks.WithLabelValues(string(d.Check)).Inc()
		}
	case eventbus.TypeQueued, eventbus.TypeSent, eventbus.TypeFailed, eventbus.TypeDropped:
		if _, ok := ev.Data.(notifier.NotificationEvent); ok {
			m.deliveries.WithLabelValues(ev.Type[len("notifier."):]).Inc()
		}
	case eventbus.TypeReconciled:
		m.advances.Inc()
	case eventbus.TypeSourceSwitched:
		sw, ok := ev.Data.(tail.Switch)
		if !ok {
			return
		}
		m.switches.Inc()
		m.source.Reset()
		m.source.WithLabelValues(sw.Label).Set(1)
	}
}

// Consume feeds bus events into the counters until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}
