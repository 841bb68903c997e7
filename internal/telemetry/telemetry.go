package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/3cpo-dev/fleetd/pkg/api"
	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
)

// Metric is one aggregated series.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Collector aggregates supervisor metrics in memory. Counters accumulate,
// gauges keep the last value.
type Collector struct {
	mu      sync.RWMutex
	series  map[string]*Metric
	enabled bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCollector creates a collector. An enabled collector logs its series
// every flushEvery; zero disables the periodic flush.
func NewCollector(enabled bool, flushEvery time.Duration) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		series:  map[string]*Metric{},
		enabled: enabled,
		ctx:     ctx,
		cancel:  cancel,
	}
	if enabled && flushEvery > 0 {
		go c.periodicFlush(flushEvery)
	}
	return c
}

func seriesKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func (c *Collector) record(name string, typ MetricType, value float64, labels map[string]string) {
	if !c.enabled {
		return
	}
	key := seriesKey(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.series[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Labels: labels}
		c.series[key] = m
	}
	if typ == Counter {
		m.Value += value
	} else {
		m.Value = value
	}
	m.Timestamp = time.Now()
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.record(name, Counter, value, labels)
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.record(name, Gauge, value, labels)
}

// Emit counts a supervisor event by outcome and error kind.
func (c *Collector) Emit(ev api.Event) {
	labels := map[string]string{"outcome": string(ev.Outcome)}
	if ev.Kind != api.KindNone {
		labels["kind"] = string(ev.Kind)
	}
	c.Counter("fleetd_events_total", 1, labels)
	c.Gauge("fleetd_cycle", float64(ev.Cycle), nil)
}

// GetMetrics returns a copy of every series sorted by name and labels.
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Metric, 0, len(keys))
	for _, k := range keys {
		out = append(out, *c.series[k])
	}
	return out
}

// Value returns the current value of a series, or 0.
func (c *Collector) Value(name string, labels map[string]string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.series[seriesKey(name, labels)]; ok {
		return m.Value
	}
	return 0
}

// FlushMetrics logs every series.
func (c *Collector) FlushMetrics() {
	for _, metric := range c.GetMetrics() {
		log.Debug().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Interface("labels", metric.Labels).
			Msg("telemetry_metric")
	}
}

func (c *Collector) periodicFlush(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.FlushMetrics()
		}
	}
}

// Shutdown stops the collector
func (c *Collector) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	c.FlushMetrics()
}
