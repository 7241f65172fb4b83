package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/jonathan/collagent/internal/searchtools"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"
)

// ErrorClass says how the orchestrator should react to a provider failure.
type ErrorClass int

const (
	// ClassOther is a failure local to one call; it is not retried.
	ClassOther ErrorClass = iota
	// ClassTransient is a timeout or rate limit worth a single retry.
	ClassTransient
	// ClassUnavailable means the provider cannot serve this job at all.
	ClassUnavailable
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassUnavailable:
		return "unavailable"
	default:
		return "other"
	}
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	Provider string
	Class    ErrorClass
	Message  string
	HelpURL  string
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Wrap classifies err and attaches the provider name. Nil stays nil.
func Wrap(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	class, message, help := classify(err)
	return &ProviderError{Provider: provider, Class: class, Message: message, HelpURL: help, Cause: err}
}

// Classify returns the class of err.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	class, _, _ := classify(err)
	return class
}

type pattern struct {
	match   string
	class   ErrorClass
	message string
	help    string
}

// Checked in order; quota exhaustion must win over the generic rate-limit patterns.
var patterns = []pattern{
	{"insufficient_quota", ClassUnavailable, "API quota exceeded", "https://platform.openai.com/account/billing"},
	{"exceeded your current quota", ClassUnavailable, "API quota exhausted", "https://console.cloud.google.com/billing"},
	{"invalid_api_key", ClassUnavailable, "invalid API key", "https://platform.openai.com/api-keys"},
	{"API key not valid", ClassUnavailable, "invalid API key", "https://aistudio.google.com/apikey"},
	{"UNAUTHENTICATED", ClassUnavailable, "invalid API key", "https://aistudio.google.com/apikey"},
	{"Unauthenticated", ClassUnavailable, "invalid API key", "https://aistudio.google.com/apikey"},
	{"PERMISSION_DENIED", ClassUnavailable, "API permission denied", ""},
	{"PermissionDenied", ClassUnavailable, "API permission denied", ""},
	{"RESOURCE_EXHAUSTED", ClassTransient, "rate limited", ""},
	{"ResourceExhausted", ClassTransient, "rate limited", ""},
	{"rate_limit_exceeded", ClassTransient, "rate limited", ""},
	{"UNAVAILABLE", ClassTransient, "service unavailable", ""},
	{"DEADLINE_EXCEEDED", ClassTransient, "deadline exceeded", ""},
	{"DeadlineExceeded", ClassTransient, "deadline exceeded", ""},
}

func classify(err error) (ErrorClass, string, string) {
	text := err.Error()
	for _, p := range patterns {
		if strings.Contains(text, p.match) {
			return p.class, p.message, p.help
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient, "call timed out", ""
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient, "network timeout", ""
	}

	if code := statusCode(err); code != 0 {
		return classifyStatus(code)
	}
	return ClassOther, "request failed", ""
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code
	}
	var sErr *searchtools.StatusError
	if errors.As(err, &sErr) {
		return sErr.StatusCode
	}
	return 0
}

func classifyStatus(code int) (ErrorClass, string, string) {
	switch {
	case code == http.StatusUnauthorized:
		return ClassUnavailable, "authentication failed, check the API key", ""
	case code == http.StatusForbidden:
		return ClassUnavailable, "access forbidden, check API permissions", ""
	case code == http.StatusPaymentRequired:
		return ClassUnavailable, "payment required", ""
	case code == http.StatusTooManyRequests:
		return ClassTransient, "too many requests", ""
	case code == http.StatusRequestTimeout, code >= 500:
		return ClassTransient, fmt.Sprintf("server error %d", code), ""
	default:
		return ClassOther, fmt.Sprintf("request failed with status %d", code), ""
	}
}
