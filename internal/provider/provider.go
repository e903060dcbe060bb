// Package provider adapts heterogeneous model backends (Anthropic,
// OpenAI-compatible endpoints, xAI, AWS Bedrock, local Ollama) to one
// narrow client interface. Adapters translate a Call into the wire
// format, classify failures, and report health; they never retry,
// since retry and fallback policy belongs to the executor and
// orchestrator.
package provider

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// ErrNoStream is returned by Stream on adapters without streaming
// support. Callers fall back to Generate.
var ErrNoStream = errors.New("provider does not support streaming")

// HealthStatus is one cached health probe result.
type HealthStatus struct {
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Call is a single model invocation, already resolved to a concrete
// catalog entry.
type Call struct {
	Model *registry.Model

	Prompt string
	System string
	Images []types.ImageRef

	MaxTokens   int
	Temperature *float64
	TopP        *float64

	// RequireJSON asks the adapter to enable provider-native JSON
	// mode when the model is capable. Selection already filtered on
	// the json_mode capability; this is belt on top.
	RequireJSON bool
}

// Result is what one successful invocation produced.
type Result struct {
	Content string

	InputTokens  int
	OutputTokens int

	// RawLatencyMS is the wall time of the wire call itself, without
	// pool waits or retries.
	RawLatencyMS int64

	FinishReason string
}

// Client is the uniform surface every backend adapter implements.
type Client interface {
	// Provider returns the registry provider tag, e.g. "anthropic".
	Provider() string

	// Health reports whether the backend is reachable. Results are
	// cached per client up to the configured TTL.
	Health(ctx context.Context) HealthStatus

	// Generate runs one non-streaming completion.
	Generate(ctx context.Context, call Call) (*Result, error)

	// Stream runs one completion delivering token deltas through
	// onDelta. Totals still arrive in the Result. Adapters without
	// streaming return ErrNoStream.
	Stream(ctx context.Context, call Call, onDelta func(string)) (*Result, error)

	// Cost prices a token count against the model's catalog rates.
	Cost(inTokens, outTokens int, m *registry.Model) float64
}

// Options configures adapter construction. Zero values fall back to
// the defaults below.
type Options struct {
	// MaxTokens caps completions when a Call does not set its own.
	MaxTokens int

	// Timeout bounds the underlying HTTP client. The per-attempt
	// context deadline is the executor's job; this is a backstop.
	Timeout time.Duration

	// HealthTTL is how long a health probe result stays cached.
	HealthTTL time.Duration

	// BedrockRuntime injects the AWS runtime client; required for
	// the bedrock tag, ignored elsewhere. Tests pass fakes.
	BedrockRuntime RuntimeClient

	// HTTPClient overrides the transport for adapters that speak
	// plain HTTP (ollama). Tests point it at a local server.
	HTTPClient *http.Client
}

const (
	defaultMaxTokens = 8192
	defaultTimeout   = 5 * time.Minute
	defaultHealthTTL = 60 * time.Second
)

func (o Options) maxTokens() int {
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return defaultMaxTokens
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return defaultTimeout
}

func (o Options) healthTTL() time.Duration {
	if o.HealthTTL > 0 {
		return o.HealthTTL
	}
	return defaultHealthTTL
}

// tokenCost prices tokens against per-1K catalog rates. Shared by
// every adapter's Cost method.
func tokenCost(inTokens, outTokens int, m *registry.Model) float64 {
	if m == nil {
		return 0
	}
	return float64(inTokens)/1000*m.InputCostPer1K + float64(outTokens)/1000*m.OutputCostPer1K
}

// wireName resolves the provider-side model identifier.
func wireName(m *registry.Model) string {
	if m == nil {
		return ""
	}
	if m.APIName != "" {
		return m.APIName
	}
	return m.ID
}

// callMaxTokens resolves the completion cap for one call.
func callMaxTokens(call Call, fallback int) int {
	if call.MaxTokens > 0 {
		return call.MaxTokens
	}
	return fallback
}

// healthCache memoizes the last probe per client so Health stays
// cheap between TTL expiries.
type healthCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	status HealthStatus
}

func newHealthCache(ttl time.Duration) *healthCache {
	return &healthCache{ttl: ttl}
}

// get returns the cached status and true while it is still fresh.
func (h *healthCache) get() (HealthStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.CheckedAt.IsZero() || time.Since(h.status.CheckedAt) > h.ttl {
		return HealthStatus{}, false
	}
	return h.status, true
}

// put stores a probe result and returns it.
func (h *healthCache) put(available bool, reason string) HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = HealthStatus{Available: available, Reason: reason, CheckedAt: time.Now()}
	return h.status
}
