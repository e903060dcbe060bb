// Package metrics keeps in-process counters, timings and outcome
// tallies for the routing pipeline. Everything lives in memory and is
// exported on demand; there is no background flusher.
//
// Callers use the Metric* helpers from export.go, usually via dot
// import, and address metrics with a topic ("orchestrator",
// "provider/anthropic") and a function ("route", "generate").
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Manager holds the metric registries keyed by "topic/function".
type Manager struct {
	mu       sync.RWMutex
	timings  map[string]*TimingMetric
	counters map[string]*CounterMetric
	outcomes map[string]*OutcomeMetric
}

var (
	instance *Manager
	once     sync.Once
)

// GetInstance returns the process-wide manager.
func GetInstance() *Manager {
	once.Do(func() {
		instance = newManager()
	})
	return instance
}

func newManager() *Manager {
	return &Manager{
		timings:  make(map[string]*TimingMetric),
		counters: make(map[string]*CounterMetric),
		outcomes: make(map[string]*OutcomeMetric),
	}
}

func metricKey(topic, function string) string {
	return topic + "/" + function
}

// RecordDuration adds one observation to the named timing.
func (m *Manager) RecordDuration(topic, function string, d time.Duration) {
	m.timing(metricKey(topic, function)).record(d)
}

// AddCounter adds delta to the named counter.
func (m *Manager) AddCounter(topic, function string, delta int64) {
	m.counter(metricKey(topic, function)).add(delta)
}

// IncrementCounter adds one to the named counter.
func (m *Manager) IncrementCounter(topic, function string) {
	m.AddCounter(topic, function, 1)
}

// RecordOutcome tallies one occurrence of outcome under the named
// operation.
func (m *Manager) RecordOutcome(topic, operation, outcome string) {
	m.outcome(metricKey(topic, operation)).record(outcome)
}

func (m *Manager) timing(key string) *TimingMetric {
	m.mu.RLock()
	t, ok := m.timings[key]
	m.mu.RUnlock()
	if ok {
		return t
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.timings[key]; ok {
		return t
	}
	t = &TimingMetric{}
	m.timings[key] = t
	return t
}

func (m *Manager) counter(key string) *CounterMetric {
	m.mu.RLock()
	c, ok := m.counters[key]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[key]; ok {
		return c
	}
	c = &CounterMetric{}
	m.counters[key] = c
	return c
}

func (m *Manager) outcome(key string) *OutcomeMetric {
	m.mu.RLock()
	o, ok := m.outcomes[key]
	m.mu.RUnlock()
	if ok {
		return o
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok = m.outcomes[key]; ok {
		return o
	}
	o = &OutcomeMetric{}
	m.outcomes[key] = o
	return o
}

// Snapshot exports every metric, sorted by path for stable output.
type Snapshot struct {
	Timings  map[string]TimingSnapshot  `json:"timings,omitempty"`
	Counters map[string]CounterSnapshot `json:"counters,omitempty"`
	Outcomes map[string]OutcomeSnapshot `json:"outcomes,omitempty"`
}

// Snapshot returns a point-in-time copy of all metrics.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		Timings:  make(map[string]TimingSnapshot, len(m.timings)),
		Counters: make(map[string]CounterSnapshot, len(m.counters)),
		Outcomes: make(map[string]OutcomeSnapshot, len(m.outcomes)),
	}
	for k, t := range m.timings {
		s.Timings[k] = t.snapshot()
	}
	for k, c := range m.counters {
		s.Counters[k] = c.snapshot()
	}
	for k, o := range m.outcomes {
		s.Outcomes[k] = o.snapshot()
	}
	return s
}

// Paths lists every metric path currently registered, sorted.
func (m *Manager) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.timings)+len(m.counters)+len(m.outcomes))
	for k := range m.timings {
		paths = append(paths, k)
	}
	for k := range m.counters {
		paths = append(paths, k)
	}
	for k := range m.outcomes {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	return paths
}

// Reset drops every metric. Test hook.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings = make(map[string]*TimingMetric)
	m.counters = make(map[string]*CounterMetric)
	m.outcomes = make(map[string]*OutcomeMetric)
}
