package crossref

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/helixir/doicache/internal/domain"
)

// Link is one full-text link declared by a work.
type Link struct {
	URL                 string `json:"URL"`
	ContentType         string `json:"content-type"`
	ContentVersion      string `json:"content-version"`
	IntendedApplication string `json:"intended-application"`
}

// Relation is one entry of a work's relation graph.
type Relation struct {
	ID         string `json:"id"`
	IDType     string `json:"id-type"`
	AssertedBy string `json:"asserted-by"`
}

// Record is a verbatim Crossref work message. Only the fields the pipeline
// needs are exposed; the raw bytes are what gets cached.
type Record struct {
	raw    []byte
	result gjson.Result
}

// ParseRecord validates data as a JSON object and wraps it.
func ParseRecord(data []byte) (*Record, error) {
	if !gjson.ValidBytes(data) {
		return nil, domain.NewMalformedRecordError("crossref", errors.New("invalid JSON"))
	}
	result := gjson.ParseBytes(data)
	if !result.IsObject() {
		return nil, domain.NewMalformedRecordError("crossref", errors.New("work is not a JSON object"))
	}
	return &Record{raw: data, result: result}, nil
}

// Raw returns the record bytes as fetched.
func (r *Record) Raw() []byte {
	return r.raw
}

// Title returns the first title, if any.
func (r *Record) Title() string {
	return r.result.Get("title.0").String()
}

// Links returns the declared full-text links in metadata order.
func (r *Record) Links() []Link {
	var links []Link
	r.result.Get("link").ForEach(func(_, v gjson.Result) bool {
		links = append(links, Link{
			URL:                 v.Get("URL").String(),
			ContentType:         v.Get("content-type").String(),
			ContentVersion:      v.Get("content-version").String(),
			IntendedApplication: v.Get("intended-application").String(),
		})
		return true
	})
	return links
}

// PreprintOf returns the relation.is-preprint-of entries.
func (r *Record) PreprintOf() []Relation {
	var rels []Relation
	r.result.Get(`relation.is-preprint-of`).ForEach(func(_, v gjson.Result) bool {
		rels = append(rels, Relation{
			ID:         v.Get("id").String(),
			IDType:     v.Get("id-type").String(),
			AssertedBy: v.Get("asserted-by").String(),
		})
		return true
	})
	return rels
}

// IsPublished reports whether the work carries a print or online
// publication stamp.
func (r *Record) IsPublished() bool {
	return r.result.Get("published-print").Exists() || r.result.Get("published-online").Exists()
}

// IsDOI reports whether the relation identifies its target by DOI.
func (rel Relation) IsDOI() bool {
	return strings.EqualFold(rel.IDType, "doi")
}
