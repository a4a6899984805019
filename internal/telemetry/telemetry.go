package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// CounterStat is the aggregated state of one counter.
type CounterStat struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// TimerStat is the aggregated state of one timer.
type TimerStat struct {
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels,omitempty"`
	Count   int64             `json:"count"`
	TotalMS float64           `json:"total_ms"`
	MaxMS   float64           `json:"max_ms"`
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Counters []CounterStat `json:"counters"`
	Timers   []TimerStat   `json:"timers"`
	Since    time.Time     `json:"since"`
}

type timerState struct {
	count int64
	total time.Duration
	max   time.Duration
}

// Collector aggregates counters and timers in memory; the relay serves them
// as a read endpoint rather than pushing them anywhere.
type Collector struct {
	mu       sync.Mutex
	counters map[string]float64
	timers   map[string]*timerState
	labels   map[string]map[string]string
	names    map[string]string
	started  time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		counters: make(map[string]float64),
		timers:   make(map[string]*timerState),
		labels:   make(map[string]map[string]string),
		names:    make(map[string]string),
		started:  time.Now(),
	}
}

// Counter adds value to the named counter.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)
	c.mu.Lock()
	c.counters[key] += value
	c.remember(key, name, labels)
	c.mu.Unlock()
}

// Timer records one duration observation.
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	key := metricKey(name, labels)
	c.mu.Lock()
	state := c.timers[key]
	if state == nil {
		state = &timerState{}
		c.timers[key] = state
	}
	state.count++
	state.total += d
	if d > state.max {
		state.max = d
	}
	c.remember(key, name, labels)
	c.mu.Unlock()
}

func (c *Collector) remember(key, name string, labels map[string]string) {
	c.names[key] = name
	if labels != nil {
		c.labels[key] = labels
	}
}

// Snapshot copies out all aggregated metrics, sorted by key for stable
// output.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{Since: c.started}
	counterKeys := make([]string, 0, len(c.counters))
	for key := range c.counters {
		counterKeys = append(counterKeys, key)
	}
	sort.Strings(counterKeys)
	for _, key := range counterKeys {
		snap.Counters = append(snap.Counters, CounterStat{
			Name:   c.names[key],
			Labels: c.labels[key],
			Value:  c.counters[key],
		})
	}

	timerKeys := make([]string, 0, len(c.timers))
	for key := range c.timers {
		timerKeys = append(timerKeys, key)
	}
	sort.Strings(timerKeys)
	for _, key := range timerKeys {
		state := c.timers[key]
		snap.Timers = append(snap.Timers, TimerStat{
			Name:    c.names[key],
			Labels:  c.labels[key],
			Count:   state.count,
			TotalMS: float64(state.total) / float64(time.Millisecond),
			MaxMS:   float64(state.max) / float64(time.Millisecond),
		})
	}
	return snap
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

var (
	globalMu        sync.RWMutex
	globalCollector = NewCollector()
)

// Global returns the process-wide collector.
func Global() *Collector {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalCollector
}

// SetGlobal swaps the process-wide collector. Test hook.
func SetGlobal(c *Collector) {
	globalMu.Lock()
	globalCollector = c
	globalMu.Unlock()
}

// CounterGlobal adds to a counter on the global collector.
func CounterGlobal(name string, value float64, labels map[string]string) {
	Global().Counter(name, value, labels)
}

// TimerGlobal records a duration on the global collector.
func TimerGlobal(name string, d time.Duration, labels map[string]string) {
	Global().Timer(name, d, labels)
}
