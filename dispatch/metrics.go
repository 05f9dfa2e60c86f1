package dispatch

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aperturerobotics/go-gisquick-bridge/envelope"
)

// unknownLabel replaces unregistered command types so remote peers cannot
// grow label cardinality.
const unknownLabel = "unknown"

// Metrics counts dispatched commands and observes handler latency.
type Metrics struct {
	commands *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the dispatch collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gisquick",
			Subsystem: "bridge",
			Name:      "commands_total",
			Help:      "Commands dispatched, by type and response status.",
		}, []string{"type", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gisquick",
			Subsystem: "bridge",
			Name:      "command_duration_seconds",
			Help:      "Time spent producing a command response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.duration)
	}
	return m
}

// Middleware records every command passing through it. Types missing from
// table are recorded under a single "unknown" label.
func (m *Metrics) Middleware(table *Table) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, cmd *envelope.Command) *envelope.Response {
			label := unknownLabel
			if _, ok := table.Lookup(cmd.Type); ok {
				label = cmd.Type
			}

			start := time.Now()
			resp := next(ctx, cmd)
			m.duration.WithLabelValues(label).Observe(time.Since(start).Seconds())
			m.commands.WithLabelValues(label, strconv.Itoa(resp.Status)).Inc()
			return resp
		}
	}
}
