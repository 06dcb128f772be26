package llm

import (
	"fmt"
	"strings"
	"time"
)

// Generation holds the sampling and transport settings shared by providers.
type Generation struct {
	// Temperature is the sampling temperature.
	Temperature float64
	// MaxTokens caps the response length.
	MaxTokens int
	// Timeout is the timeout for a single API call.
	Timeout time.Duration
	// MaxRetries is the maximum number of retries for transient failures.
	MaxRetries int
}

func (g Generation) withDefaults() Generation {
	if g.Temperature == 0 {
		g.Temperature = DefaultTemperature
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = DefaultMaxTokens
	}
	if g.Timeout == 0 {
		g.Timeout = 120 * time.Second
	}
	if g.MaxRetries < 0 {
		g.MaxRetries = 0
	}
	return g
}

// FactoryConfig holds the parameters needed to create an Analyzer.
// This is defined in the llm package to avoid importing the config package,
// keeping the llm package free of infrastructure dependencies.
type FactoryConfig struct {
	// Provider is the LLM provider name ("openai" or "anthropic").
	Provider string
	// Model overrides the provider's model when set.
	Model string
	// Generation carries the sampling settings.
	Generation Generation
	// OpenAI contains OpenAI-specific settings.
	OpenAI OpenAIConfig
	// Anthropic contains Anthropic-specific settings.
	Anthropic AnthropicConfig
}

// NewAnalyzer creates an Analyzer based on the configuration.
// Supports "openai" and "anthropic" providers. Returns an error for unsupported
// or empty provider values.
func NewAnalyzer(cfg FactoryConfig) (Analyzer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		oc := cfg.OpenAI
		if cfg.Model != "" {
			oc.Model = cfg.Model
		}
		return NewOpenAIProvider(oc, cfg.Generation), nil
	case "anthropic":
		ac := cfg.Anthropic
		if cfg.Model != "" {
			ac.Model = cfg.Model
		}
		return NewAnthropicProvider(ac, cfg.Generation), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}
