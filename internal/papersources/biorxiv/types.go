package biorxiv

import (
	"errors"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/helixir/doicache/internal/domain"
)

// Version is one row of the tracker's details collection.
type Version struct {
	DOI       string
	Title     string
	Version   int
	Date      string
	Server    string
	Published string
}

// Info is the tracker record for a DOI: every posted version, oldest first.
// An empty Info means the DOI is unknown to every consulted server.
type Info []Version

// ParseInfo decodes a cached or fetched details collection.
func ParseInfo(data []byte) (Info, error) {
	if !gjson.ValidBytes(data) {
		return nil, domain.NewMalformedRecordError("biorxiv", errors.New("invalid JSON"))
	}
	collection := gjson.ParseBytes(data)
	if !collection.IsArray() {
		return nil, domain.NewMalformedRecordError("biorxiv", errors.New("preprint info is not a JSON array"))
	}

	info := Info{}
	collection.ForEach(func(_, v gjson.Result) bool {
		info = append(info, Version{
			DOI:       v.Get("doi").String(),
			Title:     v.Get("title").String(),
			Version:   parseVersion(v.Get("version")),
			Date:      v.Get("date").String(),
			Server:    v.Get("server").String(),
			Published: v.Get("published").String(),
		})
		return true
	})
	return info, nil
}

// parseVersion accepts the version as a number or a numeric string.
func parseVersion(v gjson.Result) int {
	if v.Type == gjson.Number {
		return int(v.Int())
	}
	n, err := strconv.Atoi(strings.TrimSpace(v.String()))
	if err != nil {
		return 0
	}
	return n
}

// PublishedDOI returns the published target recorded on the latest version,
// or "" when the preprint has not been published.
func (i Info) PublishedDOI() string {
	if len(i) == 0 {
		return ""
	}
	published := strings.TrimSpace(i[len(i)-1].Published)
	if published == "" || strings.EqualFold(published, "NA") {
		return ""
	}
	return published
}

// LatestVersion returns the latest posted version number, defaulting to 1.
func (i Info) LatestVersion() int {
	if len(i) == 0 || i[len(i)-1].Version < 1 {
		return 1
	}
	return i[len(i)-1].Version
}
