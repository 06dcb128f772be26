package pdf

import (
	"slices"

	"github.com/helixir/doicache/internal/crossref"
)

// linkRank is the (pdf, vor, syndication) priority of a link. Higher
// components dominate lower ones.
type linkRank [3]int

func rankOf(link crossref.Link) linkRank {
	var r linkRank
	if link.ContentType == "application/pdf" {
		r[0] = 1
	}
	if link.ContentVersion == "vor" {
		r[1] = 1
	}
	if link.IntendedApplication == "syndication" {
		r[2] = 1
	}
	return r
}

func compareRank(a, b linkRank) int {
	for i := range a {
		if a[i] != b[i] {
			return a[i] - b[i]
		}
	}
	return 0
}

// RankLinks returns links ordered most-likely-to-succeed first: PDF content
// over other types, then version-of-record, then syndication. Links of equal
// rank keep their metadata order. The input is not modified.
func RankLinks(links []crossref.Link) []crossref.Link {
	ranked := slices.Clone(links)
	slices.SortStableFunc(ranked, func(a, b crossref.Link) int {
		return compareRank(rankOf(b), rankOf(a))
	})
	return ranked
}
