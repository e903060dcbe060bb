package types

// Consensus strategies.
const (
	ConsensusVote      = "vote"
	ConsensusSynthesis = "synthesis"
)

// Agreement bands over the agreement score.
const (
	AgreementLow    = "low"
	AgreementMedium = "medium"
	AgreementHigh   = "high"
)

// ConsensusRequest asks for one prompt to be answered by several
// models and aggregated.
type ConsensusRequest struct {
	Prompt string     `json:"prompt"`
	Images []ImageRef `json:"images,omitempty"`

	// Models is the number of participants (n). Default 3, minimum 2.
	Models int `json:"models,omitempty"`

	// Strategy is "vote" or "synthesis".
	Strategy string `json:"strategy,omitempty"`

	// SelectStrategy names the scorer profile used to rank
	// participants ("auto" for the configured default).
	SelectStrategy string `json:"selectStrategy,omitempty"`

	// Stances optionally assigns a stance instruction per model id.
	// The stance text is prepended verbatim to that participant's
	// prompt; it is advisory, never enforced.
	Stances map[string]string `json:"stances,omitempty"`

	// Arbiter overrides the synthesis arbiter model.
	Arbiter string `json:"arbiter,omitempty"`

	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`

	TraceID string `json:"traceId,omitempty"`
}

// IndividualResult is one participant's answer inside a consensus run.
type IndividualResult struct {
	ModelID string  `json:"modelId"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// ConsensusResult is the aggregated output of a consensus run.
type ConsensusResult struct {
	AggregatedContent string             `json:"aggregatedContent"`
	Individual        []IndividualResult `json:"individual"`

	AgreementScore float64 `json:"agreementScore"` // in [0,1]
	AgreementBand  string  `json:"agreementBand"`  // low | medium | high

	StrategyUsed string `json:"strategyUsed"` // vote | synthesis

	TraceID  string   `json:"traceId"`
	Warnings []string `json:"warnings,omitempty"`
}
