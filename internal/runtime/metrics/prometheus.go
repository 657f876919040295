package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	tracepkg "github.com/ipcflow/ipcflow/internal/runtime/trace"
)

// Collectors mirrors the trace event stream into Prometheus. It implements
// trace.Observer so the Recorder can feed it directly.
type Collectors struct {
	mu         sync.Mutex
	registered bool
	registerer prometheus.Registerer

	eventsTotal      *prometheus.CounterVec
	durationMs       *prometheus.HistogramVec
	streamBytesTotal *prometheus.CounterVec
	chunksTotal      *prometheus.CounterVec
}

// NewCollectors builds the collector set. A nil registerer falls back to the
// default registry.
func NewCollectors(registerer prometheus.Registerer) *Collectors {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Collectors{
		registerer: registerer,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipcflow",
			Subsystem: "trace",
			Name:      "events_total",
			Help:      "Trace events recorded, by channel, kind, and status",
		}, []string{"channel", "kind", "status"}),
		durationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ipcflow",
			Subsystem: "trace",
			Name:      "duration_milliseconds",
			Help:      "Duration of completed exchanges in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"channel", "kind"}),
		streamBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipcflow",
			Subsystem: "trace",
			Name:      "stream_bytes_total",
			Help:      "Bytes carried by stream chunk events",
		}, []string{"channel", "kind"}),
		chunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipcflow",
			Subsystem: "trace",
			Name:      "stream_chunks_total",
			Help:      "Stream chunk events recorded",
		}, []string{"channel", "kind"}),
	}
}

// Register attaches the collectors to the registry. Safe to call repeatedly.
func (c *Collectors) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil
	}
	for _, col := range []prometheus.Collector{c.eventsTotal, c.durationMs, c.streamBytesTotal, c.chunksTotal} {
		if err := c.registerer.Register(col); err != nil {
			return err
		}
	}
	c.registered = true
	return nil
}

// ObserveEvent updates the collectors from one trace event.
func (c *Collectors) ObserveEvent(ev tracepkg.Event) {
	labels := prometheus.Labels{
		"channel": ev.Channel,
		"kind":    string(ev.Kind),
		"status":  string(ev.Status),
	}
	c.eventsTotal.With(labels).Inc()

	if ev.Status == tracepkg.StatusStreaming {
		c.chunksTotal.WithLabelValues(ev.Channel, string(ev.Kind)).Inc()
		if size := ev.Payload.Size(); size > 0 {
			c.streamBytesTotal.WithLabelValues(ev.Channel, string(ev.Kind)).Add(float64(size))
		}
		return
	}
	if d, ok := ev.Duration(); ok {
		c.durationMs.WithLabelValues(ev.Channel, string(ev.Kind)).Observe(d)
	}
}
