package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/enrybds/sayless/internal/executor"
)

// ErrEmptyResponse is returned when a provider answers without content.
var ErrEmptyResponse = errors.New("empty model response")

// langchaingo reports provider HTTP failures as plain errors with the status
// in the message.
var (
	cooldownMarkers = []string{
		"throttlingexception",
		"tokens per min",
		"requests per min",
		"requests per day",
	}
	rateLimitMarkers = []string{
		"429",
		"rate limit",
		"rate_limit",
		"too many requests",
	}
	fatalMarkers = []string{
		"insufficient_quota",
		"credit balance",
		"billing",
		"invalid api key",
		"invalid_api_key",
		"incorrect api key",
		"authentication",
		"unauthorized",
		"permission denied",
		"401",
		"403",
		"400",
		"invalid_request_error",
		"content_policy",
		"unsupported image",
		"model_not_found",
	}
)

// classifyProviderError wraps err with the executor sentinel matching its
// retry class. Errors that already carry a class pass through unchanged.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, executor.ErrFatal) || errors.Is(err, executor.ErrRateLimited) || errors.Is(err, executor.ErrTransient) {
		return err
	}

	switch {
	case containsAny(err, cooldownMarkers):
		return &cooldownError{err: err}
	case isRateLimitError(err):
		return executor.RateLimited(err, 0)
	case isFatalAPIError(err):
		return executor.Fatal(err)
	}
	return executor.Transient(err)
}

// cooldownError classifies as the dedicated quota signal.
type cooldownError struct{ err error }

func (e *cooldownError) Error() string   { return e.err.Error() }
func (e *cooldownError) Unwrap() []error { return []error{executor.ErrRateLimitCooldown, e.err} }

func isRateLimitError(err error) bool {
	return containsAny(err, rateLimitMarkers)
}

// isFatalAPIError reports failures retrying cannot fix: credentials,
// billing, malformed requests.
func isFatalAPIError(err error) bool {
	if err == nil || isRateLimitError(err) {
		return false
	}
	return containsAny(err, fatalMarkers)
}

func containsAny(err error, markers []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
