// Package telemetry counts what the scheduler does and serves the live run
// status over HTTP.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is the current value of one named series.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector aggregates metrics in memory. Counters accumulate, gauges and
// timers keep the last value. A nil or disabled collector ignores everything.
type Collector struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
	enabled bool
}

func NewCollector(enabled bool) *Collector {
	return &Collector{metrics: map[string]*Metric{}, enabled: enabled}
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.record(name, Counter, value, labels, "", true)
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.record(name, Gauge, value, labels, "", false)
}

// Timer records a duration in seconds.
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.record(name, Timer, d.Seconds(), labels, "s", false)
}

func (c *Collector) record(name string, typ MetricType, value float64, labels map[string]string, unit string, add bool) {
	if c == nil || !c.enabled {
		return
	}
	key := seriesKey(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metrics[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Labels: labels, Unit: unit}
		c.metrics[key] = m
	}
	if add {
		m.Value += value
	} else {
		m.Value = value
	}
	m.Timestamp = time.Now()
}

// Value returns the current value of a series, zero if it was never recorded.
func (c *Collector) Value(name string, labels map[string]string) float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.metrics[seriesKey(name, labels)]; ok {
		return m.Value
	}
	return 0
}

// GetMetrics returns a copy of current metrics, ordered by series.
func (c *Collector) GetMetrics() []Metric {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.metrics))
	for k := range c.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Metric, 0, len(keys))
	for _, k := range keys {
		out = append(out, *c.metrics[k])
	}
	return out
}

// Flush writes every metric to the debug log.
func (c *Collector) Flush() {
	for _, m := range c.GetMetrics() {
		log.Debug().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels).
			Msg("telemetry_metric")
	}
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}
