// Package metrics exposes registry, capture and transport counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/funnyzak/tapkit/pkg/capture"
	"github.com/funnyzak/tapkit/pkg/progress"
	"github.com/funnyzak/tapkit/pkg/registry"
	"github.com/funnyzak/tapkit/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tapkit"

// Collector owns every tapkit metric on a private registry.
type Collector struct {
	registry *prometheus.Registry

	builds          *prometheus.CounterVec
	resets          *prometheus.CounterVec
	captures        *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	progressBytes   *prometheus.CounterVec
}

// NewCollector registers the metrics on reg, or on a fresh registry when reg
// is nil. Process and Go runtime collectors are added to fresh registries.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	c := &Collector{
		registry: reg,
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "builds_total",
			Help:      "Client builds by key and result.",
		}, []string{"key", "result"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "resets_total",
			Help:      "Completed client resets by key.",
		}, []string{"key"}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "records_total",
			Help:      "Capture outcomes by module and result.",
		}, []string{"module", "result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Outgoing requests by service and status code. Code 0 is a transport failure.",
		}, []string{"service", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "request_duration_seconds",
			Help:      "Time until response headers arrived.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"service"}),
		progressBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "bytes_total",
			Help:      "Bytes moved through tracked streams.",
		}, []string{"service", "direction"}),
	}
	reg.MustRegister(c.builds, c.resets, c.captures, c.requests, c.requestDuration, c.progressBytes)
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ObserveRequest implements transport.RequestObserver.
func (c *Collector) ObserveRequest(service string, code int, elapsed time.Duration) {
	c.requests.WithLabelValues(service, strconv.Itoa(code)).Inc()
	c.requestDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// CaptureResult implements capture.Observer.
func (c *Collector) CaptureResult(module, result string) {
	c.captures.WithLabelValues(module, result).Inc()
}

// ObserveBuild counts a registry build attempt. Pass it to Registry.ObserveBuilds.
func (c *Collector) ObserveBuild(key string, reset bool, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.builds.WithLabelValues(key, result).Inc()
}

// ResetObserver returns a registry observer counting completed resets.
func ResetObserver[C any](c *Collector) registry.Observer[C] {
	return func(ev registry.Event[C]) {
		if ev.Phase == registry.PhaseReset {
			c.resets.WithLabelValues(ev.Key).Inc()
		}
	}
}

// Bytes returns a progress listener that adds the bytes of one stream to the
// service counter. Each stream needs its own listener.
func (c *Collector) Bytes(service, direction string) progress.Listener {
	var mu sync.Mutex
	var last int64
	counter := c.progressBytes.WithLabelValues(service, direction)
	return func(ev progress.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Current > last {
			counter.Add(float64(ev.Current - last))
			last = ev.Current
		}
	}
}

var (
	_ transport.RequestObserver = (*Collector)(nil)
	_ capture.Observer          = (*Collector)(nil)
)
