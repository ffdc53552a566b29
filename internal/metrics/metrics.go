// Package metrics exposes Prometheus instrumentation for the server:
// connection and session gauges, message and order counters, and
// process CPU/memory gauges sampled via gopsutil.
package metrics

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// CollectInterval is the system-gauge sampling cadence.
const CollectInterval = 15 * time.Second

type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	SessionsActive    prometheus.Gauge
	AdminConnections  prometheus.Gauge

	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	MessagesDropped  prometheus.Counter
	TicksPublished   prometheus.Counter

	OrdersPlaced    prometheus.Counter
	OrdersCancelled prometheus.Counter
	AdminEvents     prometheus.Counter

	goroutines  prometheus.Gauge
	memoryBytes prometheus.Gauge
	cpuPercent  prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_connections_total",
			Help: "Total WebSocket connections accepted",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Currently active WebSocket connections",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Currently registered sessions",
		}),
		AdminConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "admin_connections_active",
			Help: "Currently connected admin feeds",
		}),

		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_messages_sent_total",
			Help: "Total frames written to WebSocket clients",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_messages_received_total",
			Help: "Total frames read from WebSocket clients",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_messages_dropped_total",
			Help: "Frames dropped because a client send buffer was full",
		}),
		TicksPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticks_published_total",
			Help: "Total tick messages published to the bus",
		}),

		OrdersPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "orders_placed_total",
			Help: "Total orders accepted",
		}),
		OrdersCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "orders_cancelled_total",
			Help: "Total orders cancelled",
		}),
		AdminEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "admin_events_total",
			Help: "Total order events broadcast to admin feeds",
		}),

		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "process_goroutines",
			Help: "Number of goroutines",
		}),
		memoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "process_memory_rss_bytes",
			Help: "Resident set size in bytes",
		}),
		cpuPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "process_cpu_percent",
			Help: "Process CPU usage percentage",
		}),
	}
}

// Handler serves this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Collect samples process gauges every CollectInterval until ctx ends.
func (m *Metrics) Collect(ctx context.Context, log zerolog.Logger) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn().Err(err).Msg("process metrics unavailable")
		return
	}

	ticker := time.NewTicker(CollectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.goroutines.Set(float64(runtime.NumGoroutine()))
		if mem, err := proc.MemoryInfo(); err == nil {
			m.memoryBytes.Set(float64(mem.RSS))
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			m.cpuPercent.Set(cpu)
		}
	}
}
