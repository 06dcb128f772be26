package pdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/doicache/internal/crossref"
)

func link(url, contentType, version, application string) crossref.Link {
	return crossref.Link{URL: url, ContentType: contentType, ContentVersion: version, IntendedApplication: application}
}

func urls(links []crossref.Link) []string {
	out := make([]string, len(links))
	for i, l := range links {
		out[i] = l.URL
	}
	return out
}

func TestRankLinks(t *testing.T) {
	t.Run("full match wins", func(t *testing.T) {
		links := []crossref.Link{
			link("html-am-tm", "text/html", "am", "text-mining"),
			link("pdf-am-syn", "application/pdf", "am", "syndication"),
			link("html-vor-syn", "text/html", "vor", "syndication"),
			link("pdf-vor-syn", "application/pdf", "vor", "syndication"),
			link("pdf-vor-tm", "application/pdf", "vor", "text-mining"),
		}

		ranked := RankLinks(links)
		assert.Equal(t, []string{"pdf-vor-syn", "pdf-vor-tm", "pdf-am-syn", "html-vor-syn", "html-am-tm"}, urls(ranked))
	})

	t.Run("pdf beats vor and syndication together", func(t *testing.T) {
		ranked := RankLinks([]crossref.Link{
			link("html-vor-syn", "text/html", "vor", "syndication"),
			link("pdf-am-tm", "application/pdf", "am", "text-mining"),
		})
		assert.Equal(t, "pdf-am-tm", ranked[0].URL)
	})

	t.Run("vor beats syndication", func(t *testing.T) {
		ranked := RankLinks([]crossref.Link{
			link("am-syn", "unspecified", "am", "syndication"),
			link("vor-tm", "unspecified", "vor", "text-mining"),
		})
		assert.Equal(t, "vor-tm", ranked[0].URL)
	})

	t.Run("equal ranks keep metadata order", func(t *testing.T) {
		links := []crossref.Link{
			link("a", "application/pdf", "vor", "text-mining"),
			link("b", "text/xml", "am", "similarity-checking"),
			link("c", "application/pdf", "vor", "text-mining"),
			link("d", "text/xml", "am", "similarity-checking"),
		}
		assert.Equal(t, []string{"a", "c", "b", "d"}, urls(RankLinks(links)))
	})

	t.Run("input is untouched", func(t *testing.T) {
		links := []crossref.Link{
			link("low", "text/html", "am", ""),
			link("high", "application/pdf", "vor", "syndication"),
		}
		ranked := RankLinks(links)
		require.Len(t, ranked, 2)
		assert.Equal(t, "low", links[0].URL)
		assert.Equal(t, "high", ranked[0].URL)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, RankLinks(nil))
	})
}
