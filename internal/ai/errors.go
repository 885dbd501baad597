package ai

import "strings"

// ProviderError represents an error reported by a backend API.
type ProviderError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func (e *ProviderError) Error() string {
	return e.Message
}

// IsContextOverflow checks if an error indicates context window overflow.
func IsContextOverflow(err error) bool {
	pe, ok := err.(*ProviderError)
	if !ok {
		return false
	}
	if pe.Code == "context_length_exceeded" {
		return true
	}
	return pe.Type == "invalid_request_error" && containsAny(pe.Message, []string{
		"context", "token", "length", "exceeded", "too long",
	})
}

// IsRateLimitOrAuth checks if an error is due to rate limiting or auth issues.
func IsRateLimitOrAuth(err error) bool {
	if pe, ok := err.(*ProviderError); ok {
		return pe.Code == "rate_limit_exceeded" ||
			pe.Code == "authentication_error" ||
			pe.Type == "rate_limit_error" ||
			pe.Type == "authentication_error"
	}
	return false
}

// ClassifyErrorReason determines the category of a provider error.
// Returns "billing", "rate_limit", "auth", "timeout", or "other".
func ClassifyErrorReason(err error) string {
	if err == nil {
		return "other"
	}

	if pe, ok := err.(*ProviderError); ok {
		switch pe.Code {
		case "rate_limit_exceeded":
			return "rate_limit"
		case "authentication_error", "invalid_api_key", "unauthorized":
			return "auth"
		case "insufficient_quota", "billing_error", "payment_required":
			return "billing"
		}
		switch pe.Type {
		case "rate_limit_error":
			return "rate_limit"
		case "authentication_error":
			return "auth"
		}
	}

	msg := err.Error()
	switch {
	case containsAny(msg, []string{"billing", "quota", "payment", "credit", "insufficient", "spending limit"}):
		return "billing"
	case containsAny(msg, []string{"rate limit", "rate_limit", "too many requests", "429", "throttl"}):
		return "rate_limit"
	case containsAny(msg, []string{"authentication", "unauthorized", "api key", "401", "403", "forbidden"}):
		return "auth"
	case containsAny(msg, []string{"timeout", "timed out", "deadline exceeded", "context canceled"}):
		return "timeout"
	}
	return "other"
}

func containsAny(s string, patterns []string) bool {
	lower := strings.ToLower(s)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
