package llm

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/helixir/doicache/internal/domain"
)

// StatusOverloaded is returned by Anthropic when the model is over capacity.
const StatusOverloaded = 529

// Failure kinds of an analysis request. They label failed LLM requests in
// metrics.
const (
	KindNetwork       = "network"
	KindRateLimited   = "rate_limited"
	KindOverloaded    = "overloaded"
	KindServer        = "server"
	KindAuth          = "auth"
	KindContextLength = "context_length"
	KindRejected      = "rejected"
)

// APIError is an analysis request that the provider refused or never
// answered.
type APIError struct {
	Provider string
	// StatusCode is zero when no response arrived.
	StatusCode int
	Message    string
	// Type and Code are the provider's own classification, when sent.
	Type string
	Code string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.StatusCode == 0 {
		b.WriteString(": analysis request got no response")
	} else {
		fmt.Fprintf(&b, ": analysis request failed with status %d", e.StatusCode)
	}
	fmt.Fprintf(&b, " (%s)", e.Kind())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Kind classifies the failure. The provider's type wins over the status
// where both are known.
func (e *APIError) Kind() string {
	switch {
	case e.StatusCode == 0:
		return KindNetwork
	case e.StatusCode == StatusOverloaded, e.Type == "overloaded_error":
		return KindOverloaded
	case e.StatusCode == http.StatusTooManyRequests, e.Type == "rate_limit_error":
		return KindRateLimited
	case e.StatusCode >= 500:
		return KindServer
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return KindAuth
	case e.Code == "context_length_exceeded", strings.Contains(e.Message, "prompt is too long"):
		return KindContextLength
	default:
		return KindRejected
	}
}

// Unwrap maps the failure kind onto the domain sentinels. A paper too long
// for the model is bad input, not a service fault.
func (e *APIError) Unwrap() error {
	switch e.Kind() {
	case KindRateLimited:
		return domain.ErrRateLimited
	case KindOverloaded, KindServer, KindNetwork:
		return domain.ErrServiceUnavailable
	case KindContextLength:
		return domain.ErrInvalidInput
	default:
		return nil
	}
}

// IsTransient reports whether the same request may succeed on retry.
func (e *APIError) IsTransient() bool {
	switch e.Kind() {
	case KindNetwork, KindRateLimited, KindOverloaded, KindServer:
		return true
	default:
		return false
	}
}
