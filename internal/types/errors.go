package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an orchestration error. Kinds are structural, not
// string-matched: components branch on the kind, never on the message.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindConfiguration       Kind = "configuration"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindRateLimited         Kind = "rate_limited"
	KindTimeout             Kind = "timeout"
	KindNetworkTransient    Kind = "network_transient"
	KindContentPolicy       Kind = "content_policy"
	KindLowQuorum           Kind = "low_quorum"
	KindTemplate            Kind = "template"
	KindResumeSchemaDrift   Kind = "resume_schema_drift"
	KindCancelled           Kind = "cancelled"
	KindExhaustedFallbacks  Kind = "exhausted_fallbacks"
	KindFeatureDisabled     Kind = "feature_disabled"
	KindNotFound            Kind = "not_found"
)

// IsTransient reports whether an attempt failing with this kind may
// be retried against the same model.
func IsTransient(k Kind) bool {
	switch k {
	case KindRateLimited, KindTimeout, KindNetworkTransient:
		return true
	}
	return false
}

// AttemptError records how one model failed during a fallback walk.
type AttemptError struct {
	ModelID string `json:"modelId"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Error is the classified error value every component returns.
// It carries the kind, a human message, the trace id, the attempts
// observed so far, and an optional remediation hint.
type Error struct {
	Kind    Kind
	Message string
	TraceID string
	Hint    string

	// RetryAfter is set when the provider supplied one (rate limits).
	RetryAfter time.Duration

	// Attempts lists every model tried, in order, for aggregate
	// kinds such as exhausted_fallbacks.
	Attempts []AttemptError

	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Attempts) > 0 {
		b.WriteString(" (tried")
		for _, a := range e.Attempts {
			fmt.Fprintf(&b, " %s=%s", a.ModelID, a.Kind)
		}
		b.WriteString(")")
	}
	if e.Hint != "" {
		b.WriteString("; hint: ")
		b.WriteString(e.Hint)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, keeping it on the Unwrap chain.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithHint attaches a remediation hint and returns the same error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithTrace stamps the trace id and returns the same error.
func (e *Error) WithTrace(traceID string) *Error {
	e.TraceID = traceID
	return e
}

// AsError extracts a classified *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind carried by err, or "" when err is not
// classified. Context cancellation and deadline errors map to
// KindCancelled and KindTimeout so callers can pass raw ctx errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ""
}
