// Package tokens provides token estimation utilities using tiktoken.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	. "github.com/roelfdiedericks/goherd/internal/logging"
)

// Estimator provides token estimation using tiktoken
type Estimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

// DefaultEncoding is cl100k_base, a reasonable cross-provider proxy
const DefaultEncoding = "cl100k_base"

var (
	globalEstimator     *Estimator
	globalEstimatorOnce sync.Once
)

// Get returns the global token estimator (singleton)
func Get() *Estimator {
	globalEstimatorOnce.Do(func() {
		var err error
		globalEstimator, err = New()
		if err != nil {
			L_warn("tokens: failed to create estimator, using fallback", "error", err)
			globalEstimator = &Estimator{} // fallback to char-based estimation
		}
	})
	return globalEstimator
}

// New creates a new token estimator
func New() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: enc}, nil
}

// Count returns the token count for a string.
// Falls back to chars/4 if tiktoken unavailable.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return len(text) / 4
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	tokens := e.encoding.Encode(text, nil, nil)
	return len(tokens)
}

// Estimate is a convenience function using the global estimator.
func Estimate(text string) int {
	return Get().Count(text)
}

// SafetyMargin accounts for tokenizer inaccuracies across providers.
// cl100k_base may undercount for non-OpenAI models; 1.2 = 20% buffer.
const SafetyMargin = 1.2

// MinContext estimates the context window a prompt needs: the token
// count under the safety margin plus headroom for the reply.
func MinContext(prompt string, replyHeadroom int) int {
	if replyHeadroom <= 0 {
		replyHeadroom = 1024
	}
	n := int(float64(Estimate(prompt))*SafetyMargin) + replyHeadroom
	if n < 1 {
		n = 1
	}
	return n
}

// CapMaxTokens calculates a safe max_tokens value that won't exceed
// the model's context window. Applies SafetyMargin to estimatedInput.
// Returns min(requestedMax, contextWindow - safeInput - buffer).
func CapMaxTokens(requestedMax, contextWindow, estimatedInput, buffer int) int {
	if contextWindow <= 0 {
		return requestedMax // No context info, use requested
	}

	safeInput := int(float64(estimatedInput) * SafetyMargin)
	available := contextWindow - safeInput - buffer
	if available < 100 {
		available = 100 // Minimum output
	}

	if requestedMax > 0 && requestedMax < available {
		return requestedMax
	}
	return available
}
