package biorxiv

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/helixir/doicache/internal/papersources"
)

// DateLayout is the date format used by the search index and run parameters.
const DateLayout = "2006-01-02"

const (
	searchJournals   = "medrxiv||biorxiv"
	searchPageSize   = 100
	searchSort       = "relevance-rank"
	searchResultMode = "condensed"
	maxPageBytes     = 16 << 20
)

var doiPattern = regexp.MustCompile(`https://doi\.org/10\.\d{4,9}/[\w.\-]+(?:/[\w.\-]+)?`)

// SearchURL builds the search-index URL for one results page. Search terms
// are path-encoded and joined with %20 the way the index expects them.
func SearchURL(siteBaseURL, query string, from, to time.Time, page int) string {
	parts := []string{
		quote(query),
		"jcode%3A" + quote(searchJournals),
		"limit_from%3A" + quote(from.Format(DateLayout)),
		"limit_to%3A" + quote(to.Format(DateLayout)),
		fmt.Sprintf("numresults%%3A%d", searchPageSize),
		"sort%3A" + quote(searchSort),
		"format_result%3A" + quote(searchResultMode),
	}
	return fmt.Sprintf("%s/search/%s?page=%d", strings.TrimRight(siteBaseURL, "/"), strings.Join(parts, "%20"), page)
}

// ExtractDOIs returns the doi.org URLs found in page, in order of first
// appearance, without duplicates.
func ExtractDOIs(page []byte) []string {
	matches := doiPattern.FindAll(page, -1)
	seen := make(map[string]struct{}, len(matches))
	dois := make([]string, 0, len(matches))
	for _, m := range matches {
		s := string(m)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		dois = append(dois, s)
	}
	return dois
}

// Search pages through the search index for query between from and to and
// returns every DOI URL found. Paging stops at the first page that yields no
// DOI not already seen. A non-200 page fails the whole search.
func (c *Client) Search(ctx context.Context, query string, from, to time.Time) ([]string, error) {
	seen := make(map[string]struct{})
	var dois []string

	for page := 1; ; page++ {
		body, err := c.fetchPage(ctx, SearchURL(c.config.SiteBaseURL, query, from, to, page))
		if err != nil {
			return nil, err
		}
		c.metrics.RecordDiscoveryPage()

		fresh := 0
		for _, doi := range ExtractDOIs(body) {
			if _, ok := seen[doi]; ok {
				continue
			}
			seen[doi] = struct{}{}
			dois = append(dois, doi)
			fresh++
		}
		if fresh == 0 {
			return dois, nil
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	resp, err := c.httpClient.Get(ctx, pageURL, map[string]string{"Accept": "text/html"})
	if err != nil {
		return nil, fmt.Errorf("fetching search page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, papersources.ReadError(serviceName, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("reading search page: %w", err)
	}
	return body, nil
}

// DateRange is one [From, To] window of a sweep.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Key returns the "start,end" form used to cache a window's results.
func (r DateRange) Key() string {
	return r.From.Format(DateLayout) + "," + r.To.Format(DateLayout)
}

// DateRanges splits [start, end] into consecutive windows of intervalDays.
// Adjacent windows share their boundary date. An interval of zero or less
// yields a single window covering the whole range.
func DateRanges(start, end time.Time, intervalDays int) []DateRange {
	if intervalDays <= 0 {
		return []DateRange{{From: start, To: end}}
	}

	delta := time.Duration(intervalDays) * 24 * time.Hour
	var ranges []DateRange
	for cur := start; cur.Before(end); {
		next := cur.Add(delta)
		if next.After(end) {
			next = end
		}
		ranges = append(ranges, DateRange{From: cur, To: next})
		cur = next
	}
	return ranges
}

// quote percent-encodes s, leaving only unreserved characters and "/".
func quote(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case 'a' <= ch && ch <= 'z', 'A' <= ch && ch <= 'Z', '0' <= ch && ch <= '9',
			ch == '-', ch == '_', ch == '.', ch == '~', ch == '/':
			b.WriteByte(ch)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[ch>>4])
			b.WriteByte(hex[ch&0x0f])
		}
	}
	return b.String()
}
