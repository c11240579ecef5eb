// Package metrics exposes Prometheus metrics for the telemetry pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/obd-dash/internal/obd"
)

// Collector implements obd.Observer and tracks viewer fan-out.
type Collector struct {
	reg *prometheus.Registry

	ticks       *prometheus.CounterVec
	queryErrors *prometheus.CounterVec
	unsupported *prometheus.CounterVec
	values      *prometheus.GaugeVec
	connected   prometheus.Gauge
	viewers     prometheus.Gauge
	published   prometheus.Counter
	dropped     prometheus.Counter
}

// New creates a Collector on its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		reg: reg,
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "obddash_ticks_total",
			Help: "Polling ticks by adapter state",
		}, []string{"state"}),
		queryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "obddash_query_errors_total",
			Help: "Failed adapter queries by command",
		}, []string{"command"}),
		unsupported: f.NewCounterVec(prometheus.CounterOpts{
			Name: "obddash_unsupported_total",
			Help: "Standard commands skipped because the ECU does not advertise them",
		}, []string{"command"}),
		values: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "obddash_value",
			Help: "Last sampled value by command",
		}, []string{"command"}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "obddash_adapter_connected",
			Help: "1 while the adapter is connected",
		}),
		viewers: f.NewGauge(prometheus.GaugeOpts{
			Name: "obddash_viewers",
			Help: "Currently connected dashboard viewers",
		}),
		published: f.NewCounter(prometheus.CounterOpts{
			Name: "obddash_published_total",
			Help: "Records published to the viewer channel",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "obddash_dropped_messages_total",
			Help: "Messages dropped because a viewer's buffer was full",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Sampled records one tick: its adapter state and every value published.
func (c *Collector) Sampled(rec obd.Record, state obd.State) {
	c.ticks.WithLabelValues(state.String()).Inc()
	if state == obd.Connected {
		c.connected.Set(1)
	} else {
		c.connected.Set(0)
	}
	for name, v := range rec {
		c.values.WithLabelValues(name).Set(v)
	}
}

// QueryFailed counts a failed query for command.
func (c *Collector) QueryFailed(command string, _ error) {
	c.queryErrors.WithLabelValues(command).Inc()
}

// Unsupported counts a standard command skipped by the capability check.
func (c *Collector) Unsupported(command string) {
	c.unsupported.WithLabelValues(command).Inc()
}

// SetViewers sets the number of connected viewers.
func (c *Collector) SetViewers(n int) { c.viewers.Set(float64(n)) }

// Published counts one broadcast event.
func (c *Collector) Published() { c.published.Inc() }

// Dropped counts one event skipped for a viewer with a full queue.
func (c *Collector) Dropped() { c.dropped.Inc() }
