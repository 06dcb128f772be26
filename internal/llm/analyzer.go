// Package llm runs article analysis against chat-completion LLM providers
// (OpenAI, Anthropic).
//
// An analysis sends a system prompt, selected from the prompts directory or
// the built-in default, together with an article's body text, and expects a
// single JSON object back. The object is stored verbatim as the article's
// analysis artifact.
//
// Example usage:
//
//	analyzer, err := llm.NewAnalyzer(llm.FactoryConfig{Provider: "openai", ...})
//	prompt, err := llm.LoadPrompt(cfg.PromptsDir, cfg.Prompt)
//	result, err := analyzer.Analyze(ctx, llm.AnalysisRequest{
//		SystemPrompt: prompt,
//		Text:         body,
//	})
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/observability"
)

// Generation defaults used when the configuration leaves them unset.
const (
	DefaultTemperature = 0.25
	DefaultMaxTokens   = 2048
)

// AnalysisRequest is one article analysis call.
type AnalysisRequest struct {
	// SystemPrompt instructs the model and fixes the response schema.
	SystemPrompt string

	// Text is the article text to analyze.
	Text string
}

// AnalysisResult holds the model's JSON object and usage metadata.
type AnalysisResult struct {
	// Content is the JSON object returned by the model.
	Content json.RawMessage

	// Model is the model that produced the result.
	Model string

	// InputTokens is the number of input tokens used.
	InputTokens int

	// OutputTokens is the number of output tokens used.
	OutputTokens int
}

// Analyzer defines the interface for LLM-based article analysis.
type Analyzer interface {
	// Analyze sends the request and returns the model's JSON object. A reply
	// that is not a JSON object yields an error matching
	// domain.ErrMalformedRecord.
	Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error)

	// Provider returns the name of the LLM provider (e.g., "openai", "anthropic").
	Provider() string

	// Model returns the model identifier being used (e.g., "gpt-4o").
	Model() string
}

// parseObject validates that content is a single JSON object, tolerating a
// surrounding Markdown code fence.
func parseObject(provider, content string) (json.RawMessage, error) {
	raw := bytes.TrimSpace([]byte(content))
	raw = bytes.TrimPrefix(raw, []byte("```json"))
	raw = bytes.TrimPrefix(raw, []byte("```"))
	raw = bytes.TrimSuffix(raw, []byte("```"))
	raw = bytes.TrimSpace(raw)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, domain.NewMalformedRecordError(provider, fmt.Errorf("LLM reply is not a JSON object: %w", err))
	}
	if obj == nil {
		return nil, domain.NewMalformedRecordError(provider, errors.New("LLM reply is null"))
	}
	return json.RawMessage(raw), nil
}

// isTransientError reports whether err is an API error worth retrying.
func isTransientError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsTransient()
	}
	return false
}

// instrumented records request metrics around an Analyzer.
type instrumented struct {
	Analyzer
	metrics *observability.Metrics
}

// Instrument wraps a so that every call is recorded in metrics. A nil
// metrics returns a unchanged.
func Instrument(a Analyzer, metrics *observability.Metrics) Analyzer {
	if metrics == nil {
		return a
	}
	return &instrumented{Analyzer: a, metrics: metrics}
}

func (i *instrumented) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error) {
	start := time.Now()
	result, err := i.Analyzer.Analyze(ctx, req)
	if err != nil {
		i.metrics.RecordLLMRequestFailed(i.Model(), errorType(err))
		return nil, err
	}
	i.metrics.RecordLLMRequest(i.Model(), time.Since(start).Seconds(), result.InputTokens, result.OutputTokens)
	return result, nil
}

func errorType(err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, domain.ErrMalformedRecord):
		return "malformed"
	case errors.As(err, &apiErr):
		return apiErr.Kind()
	default:
		return "other"
	}
}
