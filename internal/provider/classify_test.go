package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/roelfdiedericks/goherd/internal/types"
)

func TestClassifyContextErrors(t *testing.T) {
	if e := Classify("openai", context.Canceled); e.Kind != types.KindCancelled {
		t.Errorf("cancelled: got kind %s", e.Kind)
	}
	if e := Classify("openai", context.DeadlineExceeded); e.Kind != types.KindTimeout {
		t.Errorf("deadline: got kind %s", e.Kind)
	}
	if Classify("openai", nil) != nil {
		t.Error("nil error should classify to nil")
	}
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := types.Errorf(types.KindValidation, "bad prompt")
	got := Classify("anthropic", orig)
	if got != orig {
		t.Errorf("classified error should pass through unchanged")
	}
}

func TestClassifyStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		msg    string
		want   types.Kind
	}{
		{"rate limited", 429, "Too Many Requests", types.KindRateLimited},
		{"unauthorized", 401, "invalid x-api-key", types.KindConfiguration},
		{"forbidden", 403, "permission denied", types.KindConfiguration},
		{"payment required", 402, "billing hard limit", types.KindConfiguration},
		{"request timeout", 408, "client read timeout", types.KindTimeout},
		{"gateway timeout", 504, "upstream timeout", types.KindTimeout},
		{"payload too large", 413, "request entity too large", types.KindValidation},
		{"server error", 500, "internal server error", types.KindProviderUnavailable},
		{"overloaded", 529, "overloaded_error", types.KindProviderUnavailable},
		{"plain bad request", 400, "temperature out of range", types.KindValidation},
		{"safety block as 400", 400, "blocked by content policy", types.KindContentPolicy},
		{"overflow as 400", 400, "prompt is too long: 210000 tokens", types.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &openai.APIError{HTTPStatusCode: tt.status, Message: tt.msg}
			got := Classify("openai", err)
			if got.Kind != tt.want {
				t.Errorf("status %d: got kind %s, want %s", tt.status, got.Kind, tt.want)
			}
		})
	}
}

func TestClassifyMessageCascade(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want types.Kind
	}{
		{"context overflow", "maximum context length is 128000 tokens", types.KindValidation},
		// overflow mentions tokens and limits; it must win over rate limiting
		{"overflow beats rate limit", "context_length_exceeded: reduce prompt or hit rate limit", types.KindValidation},
		{"rate limit", "rate limit exceeded, retry shortly", types.KindRateLimited},
		{"quota", "you exceeded your current quota", types.KindRateLimited},
		{"content policy", "your request was flagged as potentially violating our usage policy", types.KindContentPolicy},
		{"billing", "insufficient credits to complete request", types.KindConfiguration},
		{"auth", "invalid api key provided", types.KindConfiguration},
		{"network", "dial tcp: connection refused", types.KindNetworkTransient},
		{"timeout wording", "request timed out waiting for model", types.KindTimeout},
		{"overloaded", "the server is overloaded, please retry", types.KindProviderUnavailable},
		{"unknown", "something inexplicable happened", types.KindProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("openai", errors.New(tt.msg))
			if got.Kind != tt.want {
				t.Errorf("%q: got kind %s, want %s", tt.msg, got.Kind, tt.want)
			}
		})
	}
}

func TestClassifyRetryAfter(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want time.Duration
	}{
		{"seconds", "rate limit exceeded, retry after 30 seconds", 30 * time.Second},
		{"header style", "429 too many requests. retry-after: 12", 12 * time.Second},
		{"try again ms", "rate limit reached, please try again in 391ms", 391 * time.Millisecond},
		{"try again fractional", "rate limit reached, please try again in 2.5s", 2500 * time.Millisecond},
		{"minutes", "rate limit hit, retry after 1 minute", time.Minute},
		{"absent", "rate limit exceeded", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("openai", errors.New(tt.msg))
			if got.Kind != types.KindRateLimited {
				t.Fatalf("%q: got kind %s, want rate_limited", tt.msg, got.Kind)
			}
			if got.RetryAfter != tt.want {
				t.Errorf("%q: got retryAfter %v, want %v", tt.msg, got.RetryAfter, tt.want)
			}
		})
	}
}

func TestClassifyHintNamesProvider(t *testing.T) {
	err := &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}
	got := Classify("azure", err)
	if got.Hint != "check the azure API key" {
		t.Errorf("got hint %q", got.Hint)
	}
}

func TestClassifyHTTP(t *testing.T) {
	e := ClassifyHTTP("local", 503, "model is loading")
	if e.Kind != types.KindProviderUnavailable {
		t.Errorf("503: got kind %s", e.Kind)
	}
	e = ClassifyHTTP("local", 404, "model 'missing' not found")
	if e.Kind != types.KindValidation {
		t.Errorf("404: got kind %s", e.Kind)
	}
	e = ClassifyHTTP("local", 429, "busy, retry after 5 seconds")
	if e.Kind != types.KindRateLimited {
		t.Errorf("429: got kind %s", e.Kind)
	}
	if e.RetryAfter != 5*time.Second {
		t.Errorf("429: got retryAfter %v", e.RetryAfter)
	}
}

func TestCompactMessage(t *testing.T) {
	got := compactMessage("line one\n   line   two\n")
	if got != "line one line two" {
		t.Errorf("got %q", got)
	}

	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	if got := compactMessage(string(long)); len(got) != 300 {
		t.Errorf("long message: got len %d, want 300", len(got))
	}
}
