package types

import "time"

// Outcome describes how an executed attempt ended.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeRetried      Outcome = "retried"
	OutcomeFallbackUsed Outcome = "fallback_used"
	OutcomeFailed       Outcome = "failed"
)

// UsageRecord is the append-only accounting row emitted once per
// executed attempt. Sink failures never propagate to the caller.
type UsageRecord struct {
	TraceID  string `json:"traceId"`
	ModelID  string `json:"modelId"`
	Provider string `json:"provider"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`

	Outcome Outcome `json:"outcome"`

	// Error holds the classified kind when Outcome is failed.
	Error string `json:"error,omitempty"`
}
