package provider

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is a structured error from an LLM API. It carries enough context
// for the engine to build a useful error payload even when the provider
// returns no message: the status code, request URL, and raw response body
// each serve as fallbacks.
type APIError struct {
	// Provider is the provider name ("anthropic", "openai").
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if applicable.
	Status int

	// Code is the provider-specific error code ("rate_limit_error").
	Code string

	// Message is the human-readable error message, may be empty.
	Message string

	// URL is the request URL, if known.
	URL string

	// ResponseBody is the raw response body, if captured.
	ResponseBody string

	// Cause is the underlying error.
	Cause error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, " (%s)", e.Model)
	}
	b.WriteString(": ")
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Cause != nil:
		b.WriteString(e.Cause.Error())
	case e.Status != 0:
		fmt.Fprintf(&b, "HTTP %d", e.Status)
	default:
		b.WriteString("request failed")
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a retry may succeed: rate limits, server errors
// and transport-level failures are retryable; auth and validation errors
// are not.
func (e *APIError) Retryable() bool {
	switch {
	case e.Status == 429:
		return true
	case e.Status >= 500:
		return true
	case e.Status >= 400:
		return false
	}
	if e.Cause == nil {
		return false
	}
	msg := e.Cause.Error()
	for _, s := range []string{
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// AsAPIError extracts an *APIError from an error chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
