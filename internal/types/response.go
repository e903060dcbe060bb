package types

// Response is the orchestrator's output for one routed request.
type Response struct {
	Content string `json:"content"`

	// ModelID is the model that actually answered; it differs from
	// the request's hint or the primary pick when fallback fired.
	ModelID string `json:"modelId"`

	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`

	LatencyMS int64   `json:"latencyMs"`
	CostUSD   float64 `json:"costUsd"`

	// AttemptIndex is 0 for the primary pick, 1 for the first
	// fallback, and so on.
	AttemptIndex int `json:"attemptIndex"`

	FinishReason string `json:"finishReason,omitempty"`

	TraceID  string   `json:"traceId"`
	Warnings []string `json:"warnings,omitempty"`
}
