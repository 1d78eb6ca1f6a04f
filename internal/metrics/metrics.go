// Package metrics contains wrapper around VictoriaMetrics
// functions to interact with counters, gauges etc. It also has functions
// to write the metrics output to to an `io.Writer` interface.
package metrics

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Manager represents options for storing metrics.
type Manager struct {
	metrics   *metrics.Set
	namespace string // Optional string to prepend all label names.
	startTime time.Time
}

// New returns a new configured instance of Manager.
func New(ns string) *Manager {
	return &Manager{
		metrics:   metrics.NewSet(),
		namespace: ns,
		startTime: time.Now(),
	}
}

// Increment the counter for the corresponding key.
// This is used for Counter metric type.
func (s *Manager) Increment(label string) {
	s.metrics.GetOrCreateCounter(s.getFormattedLabel(label)).Inc()
}

// Add adds n to the counter for the corresponding key.
func (s *Manager) Add(label string, n int) {
	s.metrics.GetOrCreateCounter(s.getFormattedLabel(label)).Add(n)
}

// Duration updates the key with time delta value of `startTime`.
// This is used for Histogram metric type.
func (s *Manager) Duration(label string, startTime time.Time) {
	s.metrics.GetOrCreateHistogram(s.getFormattedLabel(label)).UpdateDuration(startTime)
}

// Set updates the key with a float64 value.
// This is used for Gauge metric type.
func (s *Manager) Set(label string, val float64) {
	s.metrics.GetOrCreateFloatCounter(s.getFormattedLabel(label)).Set(val)
}

// FlushMetrics writes the metrics data from the internal store
// to the buffer.
func (s *Manager) FlushMetrics(buf io.Writer) {
	metrics.WriteProcessMetrics(buf)
	s.metrics.WritePrometheus(buf)

	// Export start time and uptime in seconds
	fmt.Fprintf(buf, "%s %d\n", s.getFormattedLabel("start_timestamp"), s.startTime.Unix())
	fmt.Fprintf(buf, "%s %d\n", s.getFormattedLabel("uptime_seconds"), int(time.Since(s.startTime).Seconds()))
}

// Label builds a metric key such as `name{k1="v1",k2="v2"}` from name and
// alternating label names and values. A trailing name without value is ignored.
func Label(name string, kv ...string) string {
	if len(kv) < 2 {
		return name
	}

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", kv[i], kv[i+1])
	}
	b.WriteByte('}')
	return b.String()
}

// getFormattedLabel prefixes the label with namespace (if non empty).
func (s *Manager) getFormattedLabel(l string) string {
	if s.namespace != "" {
		return s.namespace + "_" + l
	}
	return l
}
