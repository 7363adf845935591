// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for connection-level monitoring.
// Counters and gauges share one thread-safe map with dynamic registration.

package control

import (
	"sync"
	"time"
)

// Counter names maintained by the connection driver and the facade.
const (
	MetricRxPackets        = "rx_packets"
	MetricTxPackets        = "tx_packets"
	MetricTxDropped        = "tx_dropped"
	MetricWriteMoreRetries = "write_more_retries"
	MetricStreamConsumed   = "stream_bytes_consumed"
	MetricFramesFlushed    = "frames_flushed"
	MetricRxStreamBytes    = "rx_stream_bytes"
	MetricRxDroppedBytes   = "rx_dropped_bytes"
	MetricExpiryEvents     = "expiry_events"
	MetricLockTimeouts     = "lock_timeouts"
	MetricReentrantRejects = "reentrant_rejects"
)

// MetricsRegistry holds counters and gauges.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]any
	updated time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]any),
	}
}

// Set sets or updates a gauge.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Add increments an int64 counter, creating it on first use. A key that
// currently holds a non-counter value is overwritten.
func (mr *MetricsRegistry) Add(key string, delta int64) {
	mr.mu.Lock()
	cur, _ := mr.metrics[key].(int64)
	mr.metrics[key] = cur + delta
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Counter returns the current value of an int64 counter.
func (mr *MetricsRegistry) Counter(key string) int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	v, _ := mr.metrics[key].(int64)
	return v
}

// Updated is the time of the last write.
func (mr *MetricsRegistry) Updated() time.Time {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.updated
}

// GetSnapshot returns the latest metrics.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}
