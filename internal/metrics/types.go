package metrics

import (
	"sort"
	"sync"
	"time"
)

// timingWindow bounds the per-metric sample ring used for
// percentiles. Count/total/min/max cover the full lifetime.
const timingWindow = 512

// TimingMetric accumulates durations for one operation.
type TimingMetric struct {
	mu      sync.Mutex
	count   int64
	total   time.Duration
	min     time.Duration
	max     time.Duration
	last    time.Duration
	samples []time.Duration // ring of the most recent observations
	next    int
}

func (t *TimingMetric) record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	t.total += d
	t.last = d
	if t.count == 1 || d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	if len(t.samples) < timingWindow {
		t.samples = append(t.samples, d)
		return
	}
	t.samples[t.next] = d
	t.next = (t.next + 1) % timingWindow
}

// TimingSnapshot is the exportable view of a TimingMetric. Times are
// milliseconds; percentiles are computed over the recent-sample ring.
type TimingSnapshot struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avgMs"`
	MinMs float64 `json:"minMs"`
	MaxMs float64 `json:"maxMs"`
	LastMs float64 `json:"lastMs"`
	P50Ms float64 `json:"p50Ms"`
	P95Ms float64 `json:"p95Ms"`
	P99Ms float64 `json:"p99Ms"`
}

func (t *TimingMetric) snapshot() TimingSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := TimingSnapshot{
		Count:  t.count,
		MinMs:  ms(t.min),
		MaxMs:  ms(t.max),
		LastMs: ms(t.last),
	}
	if t.count > 0 {
		s.AvgMs = ms(t.total) / float64(t.count)
	}
	if len(t.samples) > 0 {
		sorted := make([]time.Duration, len(t.samples))
		copy(sorted, t.samples)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		s.P50Ms = ms(percentile(sorted, 0.50))
		s.P95Ms = ms(percentile(sorted, 0.95))
		s.P99Ms = ms(percentile(sorted, 0.99))
	}
	return s
}

// percentile picks by nearest rank from an ascending slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(float64(len(sorted)-1)*q + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// CounterMetric is a monotonically growing sum.
type CounterMetric struct {
	mu    sync.Mutex
	value int64
	last  time.Time
}

func (c *CounterMetric) add(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += delta
	c.last = time.Now()
}

// CounterSnapshot is the exportable view of a CounterMetric.
type CounterSnapshot struct {
	Value int64     `json:"value"`
	Last  time.Time `json:"last,omitzero"`
}

func (c *CounterMetric) snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CounterSnapshot{Value: c.value, Last: c.last}
}

// OutcomeMetric counts occurrences of named result states
// (done, fallback, exhausted, ...).
type OutcomeMetric struct {
	mu       sync.Mutex
	outcomes map[string]int64
	total    int64
	lastName string
}

func (o *OutcomeMetric) record(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int64)
	}
	o.outcomes[outcome]++
	o.total++
	o.lastName = outcome
}

// OutcomeSnapshot is the exportable view of an OutcomeMetric.
type OutcomeSnapshot struct {
	Outcomes map[string]int64 `json:"outcomes"`
	Total    int64            `json:"total"`
	Last     string           `json:"last,omitempty"`
}

func (o *OutcomeMetric) snapshot() OutcomeSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int64, len(o.outcomes))
	for k, v := range o.outcomes {
		out[k] = v
	}
	return OutcomeSnapshot{Outcomes: out, Total: o.total, Last: o.lastName}
}
