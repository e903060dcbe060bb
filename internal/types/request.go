package types

// ImageRef is an opaque reference to an image attached to a prompt.
// Either Data (base64) or URL is set; adapters pick whichever their
// wire format supports.
type ImageRef struct {
	MimeType string `json:"mimeType"` // e.g. "image/png"
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// StrategyAuto selects the operator-configured default strategy.
const StrategyAuto = "auto"

// Request is the orchestrator's input: a prompt plus optional
// constraints and hints. A Request is consumed by exactly one
// RouteRequest call and discarded afterwards.
type Request struct {
	Prompt string     `json:"prompt"`
	Images []ImageRef `json:"images,omitempty"`

	// ModelHint, when set and resolvable, overrides the selector.
	ModelHint string `json:"modelHint,omitempty"`

	// TaskTypeHint skips the analyzer entirely when combined with
	// ModelHint.
	TaskTypeHint TaskType `json:"taskTypeHint,omitempty"`

	// Strategy names a scorer weight profile, or "auto" for the
	// configured default.
	Strategy string `json:"strategy,omitempty"`

	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`

	RequireTools bool `json:"requireTools,omitempty"`
	RequireJSON  bool `json:"requireJson,omitempty"`

	// RequireVision forces a vision-capable model even when no image
	// is attached; attached images imply it.
	RequireVision bool `json:"requireVision,omitempty"`

	// System is an optional system prompt passed through to the
	// provider.
	System string `json:"system,omitempty"`

	// TraceID correlates attempts, usage records and log lines for
	// one request. Generated when empty.
	TraceID string `json:"traceId,omitempty"`

	// OnDelta, when non-nil, requests streaming: the selected
	// provider invokes it once per token delta. Totals still arrive
	// in the Response. Fallback only happens before the first delta.
	OnDelta func(delta string) `json:"-"`
}

// WantsStream reports whether the caller asked for token deltas.
func (r *Request) WantsStream() bool {
	return r != nil && r.OnDelta != nil
}
