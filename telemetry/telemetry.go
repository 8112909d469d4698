// Package telemetry defines the counter/gauge/histogram sink consumed by the
// core components. The core only ever writes; it never queries. Sinks may be
// no-ops.
package telemetry

// Metric names are flat and namespaced by component.
const (
	CounterConnectionsAccepted  = "sessions_connections_accepted_total"
	CounterConnectionsRejected  = "sessions_connections_rejected_total"
	CounterMessagesAccepted     = "sessions_messages_accepted_total"
	CounterMalformedEnvelopes   = "sessions_malformed_envelopes_total"
	GaugeSessionsActive         = "sessions_active"
	CounterRateLimitDenied      = "ratelimit_denied_total"
	CounterRateLimitKVFailures  = "ratelimit_kv_unavailable_total"
	CounterRateLimitBypass      = "ratelimit_system_bypass_total"
	CounterBridgeChunks         = "bridge_chunks_total"
	CounterBridgeCacheHits      = "bridge_cache_hits_total"
	CounterBridgeCacheMisses    = "bridge_cache_misses_total"
	CounterBridgeUpstreamErrors = "bridge_upstream_errors_total"
	CounterBridgeCancelled      = "bridge_cancelled_total"
	HistogramBridgeLatency      = "bridge_first_chunk_seconds"
	CounterHistoryAppends       = "history_appends_total"
	CounterBroadcastDropped     = "registry_broadcast_dropped_total"
)

// Sink receives metric updates. Implementations must be safe for concurrent
// use and must not block the caller.
type Sink interface {
	// IncCounter adds delta (>= 0) to an increment-only counter.
	IncCounter(name string, delta float64)
	// SetGauge sets a gauge to value.
	SetGauge(name string, value float64)
	// Observe records one observation on a histogram.
	Observe(name string, value float64)
}

// Noop discards all updates. It is the default sink everywhere a sink is
// optional.
type Noop struct{}

func (Noop) IncCounter(string, float64) {}
func (Noop) SetGauge(string, float64)   {}
func (Noop) Observe(string, float64)    {}

var _ Sink = Noop{}
