// Package tei renders GROBID TEI XML as Markdown-flavoured plain text,
// one section at a time, so callers can choose which parts of an article
// end up in each text artifact.
package tei

import (
	"fmt"
	"slices"
	"strings"
)

// Section names one renderable part of an article.
type Section string

// Renderable sections.
const (
	SectionTitle         Section = "title"
	SectionAuthors       Section = "authors"
	SectionAbstract      Section = "abstract"
	SectionBody          Section = "body"
	SectionReferences    Section = "references"
	SectionFunding       Section = "funding"
	SectionPublisher     Section = "publisher"
	SectionLicense       Section = "license"
	SectionDataSources   Section = "data_sources"
	SectionArticleStatus Section = "article_status"
)

// DefaultOrder renders every section.
var DefaultOrder = []Section{
	SectionTitle, SectionAuthors, SectionAbstract,
	SectionBody, SectionReferences, SectionFunding,
	SectionPublisher, SectionLicense,
	SectionDataSources, SectionArticleStatus,
}

// BodyOrder is DefaultOrder without authors and references. The author list
// and bibliography are long and add little for analysis.
var BodyOrder = slices.DeleteFunc(slices.Clone(DefaultOrder), func(s Section) bool {
	return s == SectionAuthors || s == SectionReferences
})

var renderers = map[Section]func(*element) string{
	SectionTitle:         renderTitle,
	SectionAuthors:       renderAuthors,
	SectionAbstract:      renderAbstract,
	SectionBody:          renderBody,
	SectionReferences:    renderReferences,
	SectionFunding:       renderFunding,
	SectionPublisher:     renderPublisher,
	SectionLicense:       renderLicense,
	SectionDataSources:   renderDataSources,
	SectionArticleStatus: renderArticleStatus,
}

// UnknownSectionError is returned for a section name with no renderer.
type UnknownSectionError struct {
	Section Section
}

func (e *UnknownSectionError) Error() string {
	return fmt.Sprintf("tei: unknown section %q", string(e.Section))
}

// Document is a parsed TEI document.
type Document struct {
	root *element
}

// Parse parses a TEI document. Malformed XML yields an error matching
// domain.ErrMalformedRecord.
func Parse(data []byte) (*Document, error) {
	root, err := parseTree(data)
	if err != nil {
		return nil, err
	}
	return &Document{root: root}, nil
}

// Render concatenates the given sections in order. With no sections,
// DefaultOrder is used. Every name is checked before anything is rendered.
func (d *Document) Render(sections ...Section) (string, error) {
	if len(sections) == 0 {
		sections = DefaultOrder
	}
	for _, s := range sections {
		if _, ok := renderers[s]; !ok {
			return "", &UnknownSectionError{Section: s}
		}
	}

	var b strings.Builder
	for _, s := range sections {
		b.WriteString(renderers[s](d.root))
	}
	return b.String(), nil
}

// Convert parses data and renders sections.
func Convert(data []byte, sections ...Section) (string, error) {
	doc, err := Parse(data)
	if err != nil {
		return "", err
	}
	return doc.Render(sections...)
}

func renderTitle(root *element) string {
	title := root.path(named("titleStmt"), namedWith("title", "type", "main"))
	if text := strings.TrimSpace(textOf(title)); text != "" {
		return "# " + text + "\n\n"
	}
	return "# Untitled\n\n"
}

func renderAuthors(root *element) string {
	var authors []*element
	for _, desc := range root.descendants(named("sourceDesc")) {
		for _, analytic := range desc.descendants(named("analytic")) {
			authors = append(authors, analytic.descendants(named("author"))...)
		}
	}
	if len(authors) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Authors\n\n")
	for _, author := range authors {
		pers := author.child(named("persName"))
		if pers == nil {
			continue
		}
		b.WriteString("- **" + personName(pers) + "**")

		if aff := author.child(named("affiliation")); aff != nil {
			var country string
			if addr := aff.child(named("address")); addr != nil {
				country = textOf(addr.child(named("country")))
			}
			parts := nonEmpty(
				textOf(aff.child(namedWith("orgName", "type", "department"))),
				textOf(aff.child(namedWith("orgName", "type", "institution"))),
				country,
			)
			if len(parts) > 0 {
				b.WriteString(", " + strings.Join(parts, ", "))
			}
		}

		if email := author.child(named("email")); email != nil {
			b.WriteString(", Email: " + strings.TrimSpace(email.text))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func renderAbstract(root *element) string {
	abstract := root.path(named("profileDesc"), named("abstract"))
	if abstract == nil {
		return ""
	}
	return "## Abstract\n\n" + strings.TrimSpace(abstract.content()) + "\n\n"
}

func renderBody(root *element) string {
	body := root.path(named("text"), named("body"))
	if body == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Body\n\n")
	for _, div := range body.childrenMatching(named("div")) {
		if head := strings.TrimSpace(textOf(div.child(named("head")))); head != "" {
			b.WriteString("### " + head + "\n\n")
		}
		for _, p := range div.childrenMatching(named("p")) {
			b.WriteString(strings.TrimSpace(p.content()) + "\n\n")
		}
	}
	b.WriteString("\n")
	return b.String()
}

func renderReferences(root *element) string {
	var b strings.Builder
	b.WriteString("## References\n\n")

	for i, ref := range root.pathAll(named("listBibl"), named("biblStruct")) {
		title := "Untitled"
		if t := ref.find(named("title")); t != nil {
			title = strings.TrimSpace(t.content())
		}

		var names []string
		for _, author := range ref.descendants(named("author")) {
			for _, pers := range author.childrenMatching(named("persName")) {
				if name := personName(pers); name != "" {
					names = append(names, name)
				}
			}
		}
		authors := "Unknown authors"
		if len(names) > 0 {
			authors = strings.Join(names, ", ")
		}

		journal := "Unknown journal"
		if j := ref.find(namedWith("title", "level", "j")); j != nil {
			journal = strings.TrimSpace(j.content())
		}

		date := "Unknown date"
		if d := ref.find(namedWith("date", "type", "published")); d != nil && d.attrs["when"] != "" {
			date = d.attrs["when"]
		}

		fields := nonEmpty(journal, date, pages(ref))
		fmt.Fprintf(&b, "%d. %s. *\"%s\"*. %s\n", i+1, authors, title, strings.Join(fields, ", "))
	}

	b.WriteString("\n")
	return b.String()
}

// pages formats a biblScope page range, given either as from/to attributes
// or as element text.
func pages(ref *element) string {
	scope := ref.find(namedWith("biblScope", "unit", "page"))
	if scope == nil {
		return ""
	}
	from, to := scope.attrs["from"], scope.attrs["to"]
	switch {
	case from != "" && to != "":
		return "pp. " + from + "-" + to
	case from != "":
		return "p. " + from
	case strings.TrimSpace(scope.text) != "":
		return "p. " + strings.TrimSpace(scope.text)
	}
	return ""
}

func renderFunding(root *element) string {
	funders := root.pathAll(named("funder"), namedWith("orgName", "type", "full"))
	if len(funders) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Funding Sources\n\n")
	for _, f := range funders {
		b.WriteString("- " + strings.TrimSpace(f.content()) + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

func renderPublisher(root *element) string {
	publisher := strings.TrimSpace(textOf(root.path(named("publicationStmt"), named("publisher"))))
	if publisher == "" {
		return ""
	}
	return "## Publisher\n\n" + publisher + "\n\n"
}

func renderLicense(root *element) string {
	status := "unknown"
	if avail := root.path(named("publicationStmt"), namedHaving("availability", "status")); avail != nil {
		status = avail.attrs["status"]
	}
	return "## License\n\n**Status:** " + status + "\n\n"
}

func renderDataSources(root *element) string {
	for _, back := range root.descendants(named("back")) {
		for _, div := range back.descendants(namedWith("div", "type", "availability")) {
			if p := div.find(named("p")); p != nil {
				if text := strings.TrimSpace(p.content()); text != "" {
					return "## Data Sources\n\n" + text + "\n\n"
				}
				return ""
			}
		}
	}
	return ""
}

func renderArticleStatus(root *element) string {
	note := root.path(named("sourceDesc"), named("biblStruct"), namedWith("note", "type", "submission"))
	if text := strings.TrimSpace(textOf(note)); text != "" {
		return "## Article Status\n\n" + text + "\n\n"
	}
	return ""
}

// personName joins the first, middle and last names of a persName.
func personName(pers *element) string {
	return strings.Join(nonEmpty(
		textOf(pers.child(namedWith("forename", "type", "first"))),
		textOf(pers.child(namedWith("forename", "type", "middle"))),
		textOf(pers.child(named("surname"))),
	), " ")
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
