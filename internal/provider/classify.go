package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	openai "github.com/sashabaranov/go-openai"

	"github.com/roelfdiedericks/goherd/internal/types"
)

// Classify turns a raw adapter failure into a classified *types.Error.
// Already-classified errors pass through untouched; context errors map
// to cancelled/timeout; everything else is judged by HTTP status when
// the SDK exposes one, then by message patterns, most specific first.
func Classify(provider string, err error) *types.Error {
	if err == nil {
		return nil
	}
	if e, ok := types.AsError(err); ok {
		return e
	}
	if errors.Is(err, context.Canceled) {
		return types.Wrap(types.KindCancelled, err, "%s: call cancelled", provider)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.Wrap(types.KindTimeout, err, "%s: attempt deadline exceeded", provider)
	}

	msg := err.Error()
	kind, hint := classifyStatus(statusOf(err), msg)
	if kind == "" {
		kind, hint = classifyMessage(msg)
	}

	e := types.Wrap(kind, err, "%s: %s", provider, compactMessage(msg))
	if hint != "" {
		e.Hint = strings.ReplaceAll(hint, "{provider}", provider)
	}
	if kind == types.KindRateLimited {
		e.RetryAfter = parseRetryAfter(msg)
	}
	return e
}

// ClassifyHTTP classifies a failure where the adapter already holds
// the raw status code and response body (the local adapter speaks
// plain HTTP with no SDK error types).
func ClassifyHTTP(provider string, status int, body string) *types.Error {
	msg := fmt.Sprintf("status %d: %s", status, compactMessage(body))
	kind, hint := classifyStatus(status, msg)
	if kind == "" {
		kind, hint = classifyMessage(msg)
	}
	e := types.Errorf(kind, "%s: %s", provider, msg)
	if hint != "" {
		e.Hint = strings.ReplaceAll(hint, "{provider}", provider)
	}
	if kind == types.KindRateLimited {
		e.RetryAfter = parseRetryAfter(body)
	}
	return e
}

// statusOf extracts an HTTP status code from the SDK error types the
// adapters produce. 0 means no structured status was available.
func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	var smErr smithy.APIError
	if errors.As(err, &smErr) {
		switch smErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return http.StatusTooManyRequests
		case "AccessDeniedException", "UnrecognizedClientException":
			return http.StatusForbidden
		case "ValidationException":
			return http.StatusBadRequest
		case "ServiceUnavailableException", "ModelNotReadyException":
			return http.StatusServiceUnavailable
		}
	}
	return 0
}

// classifyStatus maps a structured status code to a kind. Message
// patterns refine ambiguous 4xx codes.
func classifyStatus(status int, msg string) (types.Kind, string) {
	switch {
	case status == 0:
		return "", ""
	case status == http.StatusTooManyRequests:
		return types.KindRateLimited, ""
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.KindConfiguration, "check the {provider} API key"
	case status == http.StatusPaymentRequired:
		return types.KindConfiguration, "check the {provider} account credits"
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return types.KindTimeout, ""
	case status == http.StatusRequestEntityTooLarge:
		return types.KindValidation, "prompt exceeds what this model accepts"
	case status >= 500:
		return types.KindProviderUnavailable, ""
	case status >= 400:
		// 400s cover everything from bad params to safety blocks;
		// let the message decide before defaulting to validation.
		if isContentPolicyMessage(msg) {
			return types.KindContentPolicy, ""
		}
		if isContextOverflowMessage(msg) {
			return types.KindValidation, "prompt exceeds the model context window"
		}
		if isBillingMessage(msg) {
			return types.KindConfiguration, "check the {provider} account credits"
		}
		if isAuthMessage(msg) {
			return types.KindConfiguration, "check the {provider} API key"
		}
		return types.KindValidation, ""
	}
	return "", ""
}

// classifyMessage is the fallback cascade for opaque errors, checked
// in order of specificity. The catch-all is provider_unavailable so
// an unrecognized failure still lets the orchestrator move on.
func classifyMessage(msg string) (types.Kind, string) {
	switch {
	case isContextOverflowMessage(msg):
		return types.KindValidation, "prompt exceeds the model context window"
	case isRateLimitMessage(msg):
		return types.KindRateLimited, ""
	case isContentPolicyMessage(msg):
		return types.KindContentPolicy, ""
	case isBillingMessage(msg):
		return types.KindConfiguration, "check the {provider} account credits"
	case isAuthMessage(msg):
		return types.KindConfiguration, "check the {provider} API key"
	case isNetworkMessage(msg):
		return types.KindNetworkTransient, ""
	case isTimeoutMessage(msg):
		return types.KindTimeout, ""
	case isOverloadedMessage(msg):
		return types.KindProviderUnavailable, ""
	case isFormatMessage(msg):
		return types.KindValidation, ""
	}
	return types.KindProviderUnavailable, ""
}

// isContextOverflowMessage reports a prompt-too-large rejection.
// Patterns collected across providers; local servers word it yet
// another way.
func isContextOverflowMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "context_length_exceeded") ||
		strings.Contains(lower, "context length exceeded") ||
		strings.Contains(lower, "context size has been exceeded") ||
		strings.Contains(lower, "maximum context length") ||
		strings.Contains(lower, "prompt is too long") ||
		strings.Contains(lower, "request_too_large") ||
		strings.Contains(lower, "exceeds model context window") ||
		strings.Contains(lower, "context overflow")
}

func isRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "429") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "exceeded your current quota") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "requests per minute")
}

func isContentPolicyMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "content policy") ||
		strings.Contains(lower, "content_policy") ||
		strings.Contains(lower, "content_filter") ||
		strings.Contains(lower, "content filtering") ||
		strings.Contains(lower, "safety system") ||
		strings.Contains(lower, "flagged as potentially violating")
}

func isBillingMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "402") ||
		strings.Contains(lower, "payment required") ||
		strings.Contains(lower, "insufficient credits") ||
		strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "credit balance") ||
		strings.Contains(lower, "account balance")
}

func isAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "401") ||
		strings.Contains(lower, "403") ||
		strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "invalid_api_key") ||
		strings.Contains(lower, "incorrect api key") ||
		strings.Contains(lower, "no api key") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "authentication")
}

func isNetworkMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "broken pipe") ||
		strings.Contains(lower, "tls handshake") ||
		strings.Contains(lower, "unexpected eof") ||
		strings.Contains(lower, "network is unreachable")
}

func isTimeoutMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "408") ||
		strings.Contains(lower, "504") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded")
}

func isOverloadedMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "503") {
		return true
	}
	return strings.Contains(lower, "overloaded_error") ||
		strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "server is busy") ||
		strings.Contains(lower, "temporarily unavailable") ||
		strings.Contains(lower, "service unavailable")
}

func isFormatMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "invalid_request_error") ||
		strings.Contains(lower, "invalid request") ||
		strings.Contains(lower, "malformed") ||
		strings.Contains(lower, "schema validation")
}

var retryAfterPatterns = []*regexp.Regexp{
	// "retry after 30 seconds", "retry-after: 30"
	regexp.MustCompile(`(?i)retry[- ]after:?\s*(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|seconds?|m|minutes?)?`),
	// "please try again in 2.5s" / "try again in 391ms"
	regexp.MustCompile(`(?i)try again in\s*(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|seconds?|m|minutes?)?`),
}

// parseRetryAfter pulls a retry interval out of a rate-limit message.
// Providers embed it in wildly different phrasings; 0 means none found.
func parseRetryAfter(msg string) time.Duration {
	for _, re := range retryAfterPatterns {
		m := re.FindStringSubmatch(msg)
		if len(m) < 2 {
			continue
		}
		val, err := strconv.ParseFloat(m[1], 64)
		if err != nil || val <= 0 {
			continue
		}
		unit := time.Second
		if len(m) > 2 {
			switch {
			case strings.HasPrefix(strings.ToLower(m[2]), "ms"), strings.HasPrefix(strings.ToLower(m[2]), "millisecond"):
				unit = time.Millisecond
			case strings.HasPrefix(strings.ToLower(m[2]), "m") && !strings.HasPrefix(strings.ToLower(m[2]), "ms"):
				unit = time.Minute
			}
		}
		return time.Duration(val * float64(unit))
	}
	return 0
}

// compactMessage trims an SDK error down to one log-friendly line.
func compactMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > 300 {
		msg = msg[:297] + "..."
	}
	return msg
}
