package metrics

import (
	"time"
)

// Global helpers for dot-import usage.

// MetricDuration records a duration directly.
func MetricDuration(topic, function string, d time.Duration) {
	GetInstance().RecordDuration(topic, function, d)
}

// MetricTime starts a timer; call the returned func to record it.
//
//	defer MetricTime("orchestrator", "route")()
func MetricTime(topic, function string) func() {
	start := time.Now()
	return func() {
		GetInstance().RecordDuration(topic, function, time.Since(start))
	}
}

// MetricInc increments a counter by 1.
func MetricInc(topic, function string) {
	GetInstance().IncrementCounter(topic, function)
}

// MetricAdd adds a value to a counter.
func MetricAdd(topic, function string, delta int64) {
	GetInstance().AddCounter(topic, function, delta)
}

// MetricOutcome records a named result state.
func MetricOutcome(topic, operation, outcome string) {
	GetInstance().RecordOutcome(topic, operation, outcome)
}

// MetricCost accumulates spend in micro-dollars so the counter stays
// integral.
func MetricCost(topic string, costUSD float64) {
	GetInstance().AddCounter(topic, "cost_micro_usd", int64(costUSD*1e6))
}

// MetricsSnapshot exports every metric.
func MetricsSnapshot() Snapshot {
	return GetInstance().Snapshot()
}
