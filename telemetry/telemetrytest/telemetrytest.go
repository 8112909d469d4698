// Package telemetrytest provides a recording Sink for assertions in tests.
package telemetrytest

import (
	"sync"

	"github.com/chatbridge/chat-server-go/telemetry"
)

// Recorder implements telemetry.Sink and remembers every update.
type Recorder struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (r *Recorder) IncCounter(name string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += delta
}

func (r *Recorder) SetGauge(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

func (r *Recorder) Observe(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms[name] = append(r.histograms[name], value)
}

// Counter returns the current value of a counter.
func (r *Recorder) Counter(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Gauge returns the last value set on a gauge.
func (r *Recorder) Gauge(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[name]
}

// Observations returns the recorded histogram observations.
func (r *Recorder) Observations(name string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.histograms[name]))
	copy(out, r.histograms[name])
	return out
}

var _ telemetry.Sink = (*Recorder)(nil)
