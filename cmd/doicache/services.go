package main

import (
	"fmt"

	"github.com/helixir/doicache/internal/cache"
	"github.com/helixir/doicache/internal/config"
	"github.com/helixir/doicache/internal/crossref"
	"github.com/helixir/doicache/internal/grobid"
	"github.com/helixir/doicache/internal/llm"
	"github.com/helixir/doicache/internal/observability"
	"github.com/helixir/doicache/internal/papersources/biorxiv"
	"github.com/helixir/doicache/internal/pdf"
	"github.com/helixir/doicache/internal/pipeline"
	"github.com/helixir/doicache/internal/resolver"
)

func newBioRxiv(cfg *config.Config, metrics *observability.Metrics) *biorxiv.Client {
	return biorxiv.New(biorxiv.Config{
		APIBaseURL:  cfg.BioRxiv.APIBaseURL,
		SiteBaseURL: cfg.BioRxiv.SiteBaseURL,
		Servers:     cfg.BioRxiv.Servers,
		Timeout:     cfg.BioRxiv.Timeout,
		RateLimit:   cfg.BioRxiv.RateLimit,
		Burst:       cfg.BioRxiv.Burst,
	}, metrics)
}

func newAnalyzer(cfg *config.Config, metrics *observability.Metrics) (llm.Analyzer, error) {
	if err := cfg.ValidateLLMCredentials(); err != nil {
		return nil, err
	}
	analyzer, err := llm.NewAnalyzer(llm.FactoryConfig{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		Generation: llm.Generation{
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout,
			MaxRetries:  cfg.LLM.MaxRetries,
		},
		OpenAI: llm.OpenAIConfig{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
		},
		Anthropic: llm.AnthropicConfig{
			APIKey:  cfg.LLM.Anthropic.APIKey,
			BaseURL: cfg.LLM.Anthropic.BaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create analyzer: %w", err)
	}
	return llm.Instrument(analyzer, metrics), nil
}

// newPipeline builds the full resolution and artifact pipeline from cfg.
// Every DOI processed by this process shares it.
func (a *app) newPipeline(metrics *observability.Metrics) (*pipeline.Pipeline, error) {
	cfg := a.cfg

	prompt, err := llm.LoadPrompt(cfg.LLM.PromptsDir, cfg.LLM.Prompt)
	if err != nil {
		return nil, fmt.Errorf("load prompt: %w", err)
	}
	analyzer, err := newAnalyzer(cfg, metrics)
	if err != nil {
		return nil, err
	}

	c, err := cache.New(cfg.Cache.Root, cache.WithVersion(version), cache.WithLogOutput(a.logOutput))
	if err != nil {
		return nil, err
	}

	tracker := newBioRxiv(cfg, metrics)
	metadata := crossref.New(crossref.Config{
		BaseURL:   cfg.CrossRef.BaseURL,
		Mailto:    cfg.CrossRef.Mailto,
		Timeout:   cfg.CrossRef.Timeout,
		RateLimit: cfg.CrossRef.RateLimit,
		Burst:     cfg.CrossRef.Burst,
	}, metrics)

	res := resolver.New(c, resolver.NewRecords(metadata, tracker),
		resolver.Config{MaxDepth: cfg.Cache.ResolveMaxDepth}, metrics, a.logger)

	services := pipeline.Services{
		Resolver: res,
		Downloader: pdf.NewDownloader(pdf.Config{
			Timeout:   cfg.Download.Timeout,
			MaxSize:   cfg.Download.MaxSize,
			UserAgent: cfg.Download.UserAgent,
		}),
		PreprintURLs: tracker,
		Converter: grobid.New(grobid.Config{
			BaseURL:    cfg.Grobid.BaseURL,
			Timeout:    cfg.Grobid.Timeout,
			MaxRetries: cfg.Grobid.MaxRetries,
		}, metrics),
		Analyzer: analyzer,
	}
	if cfg.Unpaywall.Enabled && cfg.Unpaywall.Email != "" {
		services.Fallback = pdf.NewUnpaywallResolver(pdf.UnpaywallConfig{
			BaseURL: cfg.Unpaywall.BaseURL,
			Email:   cfg.Unpaywall.Email,
			Timeout: cfg.Unpaywall.Timeout,
		}, metrics)
	} else {
		a.logger.Debug().Msg("unpaywall fallback disabled")
	}

	return pipeline.New(services, prompt, metrics, a.logger), nil
}
