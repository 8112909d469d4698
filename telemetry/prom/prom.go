// Package prom implements the telemetry.Sink interface with Prometheus
// collectors. Collectors are registered lazily on first use so the sink does
// not need the full metric catalog up front.
package prom

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"

	"github.com/chatbridge/chat-server-go/telemetry"
)

// Sink registers and updates Prometheus collectors on its own registry.
type Sink struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

// New creates a Sink with a fresh registry.
func New() *Sink {
	return &Sink{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Handler returns the HTTP handler serving the registry in the Prometheus
// exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

func (s *Sink) IncCounter(name string, delta float64) {
	if delta < 0 {
		return
	}
	s.mu.Lock()
	c, ok := s.counters[name]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{Name: name})
		s.reg.MustRegister(c)
		s.counters[name] = c
	}
	s.mu.Unlock()
	c.Add(delta)
}

func (s *Sink) SetGauge(name string, value float64) {
	s.mu.Lock()
	g, ok := s.gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{Name: name})
		s.reg.MustRegister(g)
		s.gauges[name] = g
	}
	s.mu.Unlock()
	g.Set(value)
}

func (s *Sink) Observe(name string, value float64) {
	s.mu.Lock()
	h, ok := s.histograms[name]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{Name: name})
		s.reg.MustRegister(h)
		s.histograms[name] = h
	}
	s.mu.Unlock()
	h.Observe(value)
}

var _ telemetry.Sink = (*Sink)(nil)
