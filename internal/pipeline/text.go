package pipeline

import (
	"context"
	"fmt"

	"github.com/helixir/doicache/internal/cache"
	"github.com/helixir/doicache/internal/llm"
	"github.com/helixir/doicache/internal/tei"
)

// extract is one plain-text artifact derived from the markup.
type extract struct {
	stem     string
	key      string
	sections []tei.Section
}

// extracts lists the text artifacts. The body leaves out the author list and
// references to keep the analysis input compact.
var extracts = []extract{
	{stem: cache.StemBody, key: cache.KeyTextBodyExtracted, sections: tei.BodyOrder},
	{stem: cache.StemAuthors, key: cache.KeyTextAuthorsExtracted, sections: []tei.Section{tei.SectionAuthors}},
	{stem: cache.StemReferences, key: cache.KeyTextReferencesExtracted, sections: []tei.Section{tei.SectionReferences}},
}

func (p *Pipeline) ensureTEI(ctx context.Context, e *cache.Entry) (bool, error) {
	if e.Exists(cache.StemTEI) {
		return false, nil
	}

	data, err := e.ReadArtifact(cache.StemPDF)
	if err != nil {
		return false, err
	}
	markup, err := p.services.Converter.Convert(ctx, cache.FormatFilename(e.DOI(), cache.StemPDF), data)
	if err != nil {
		return false, err
	}
	if err := e.WriteArtifact(cache.StemTEI, markup); err != nil {
		return false, err
	}

	e.Mark(cache.KeyPDFConverted, true)
	e.Logger().Info().Int("bytes", len(markup)).Msg("PDF converted")
	return true, nil
}

// ensureText writes every missing extract. The markup is parsed at most once.
func (p *Pipeline) ensureText(e *cache.Entry) (bool, error) {
	var doc *tei.Document
	did := false

	for _, x := range extracts {
		if e.Exists(x.stem) {
			continue
		}
		if doc == nil {
			data, err := e.ReadArtifact(cache.StemTEI)
			if err != nil {
				return did, err
			}
			doc, err = tei.Parse(data)
			if err != nil {
				return did, fmt.Errorf("%s: %w", e.Path(cache.StemTEI), err)
			}
		}

		text, err := doc.Render(x.sections...)
		if err != nil {
			return did, err
		}
		if err := e.WriteArtifact(x.stem, []byte(text)); err != nil {
			return did, err
		}
		e.Mark(x.key, true)
		e.Logger().Info().Str("artifact", x.stem).Msg("text extracted")
		did = true
	}
	return did, nil
}

func (p *Pipeline) ensureAnalysis(ctx context.Context, e *cache.Entry) (bool, error) {
	if e.Exists(cache.StemAnalysis) {
		return false, nil
	}

	body, err := e.ReadArtifact(cache.StemBody)
	if err != nil {
		return false, err
	}
	result, err := p.services.Analyzer.Analyze(ctx, llm.AnalysisRequest{
		SystemPrompt: p.prompt,
		Text:         string(body),
	})
	if err != nil {
		return false, err
	}
	if err := e.WriteArtifact(cache.StemAnalysis, result.Content); err != nil {
		return false, err
	}

	e.Mark(cache.KeyArticleAnalyzed, true)
	e.Logger().Info().
		Str("model", result.Model).
		Int("input_tokens", result.InputTokens).
		Int("output_tokens", result.OutputTokens).
		Msg("article analyzed")
	return true, nil
}
