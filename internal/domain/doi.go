package domain

import (
	"fmt"
	"strings"
)

// ResolverURLPrefix is the canonical DOI resolver prefix used when rendering
// a DOI as a URL.
const ResolverURLPrefix = "https://doi.org/"

// resolverPrefixes are the URL forms accepted by ParseDOI. The canonical
// prefix comes first.
var resolverPrefixes = []string{
	ResolverURLPrefix,
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
}

// DOI is an immutable Digital Object Identifier split into its registrant
// prefix and opaque suffix. The suffix may itself contain slashes.
//
// DOI is a comparable value type: two DOIs are equal iff their prefix and
// suffix match exactly. No case folding or other normalization is applied.
type DOI struct {
	prefix string
	suffix string
}

// ParseDOI parses a bare DOI ("10.1101/2022.04.21.488948") or a resolver URL
// ("https://doi.org/10.1101/2022.04.21.488948"). Everything before the first
// slash is the prefix, everything after it is the suffix.
func ParseDOI(input string) (DOI, error) {
	s := input
	for _, p := range resolverPrefixes {
		if strings.HasPrefix(s, p) {
			s = s[len(p):]
			break
		}
	}

	prefix, suffix, found := strings.Cut(s, "/")
	if !found {
		return DOI{}, &DOIParseError{Input: input, Reason: "must contain '/' to separate prefix and suffix"}
	}
	if prefix == "" {
		return DOI{}, &DOIParseError{Input: input, Reason: "empty prefix"}
	}
	if suffix == "" {
		return DOI{}, &DOIParseError{Input: input, Reason: "empty suffix"}
	}
	if strings.ContainsRune(s, 0) {
		return DOI{}, &DOIParseError{Input: input, Reason: "contains a NUL byte"}
	}
	// Prefix and flattened suffix become cache path components.
	if isDotSegment(prefix) || isDotSegment(strings.ReplaceAll(suffix, "/", "_")) {
		return DOI{}, &DOIParseError{Input: input, Reason: "prefix and suffix must not be '.' or '..'"}
	}

	return DOI{prefix: prefix, suffix: suffix}, nil
}

func isDotSegment(s string) bool {
	return s == "." || s == ".."
}

// MustParseDOI is like ParseDOI but panics on error. Intended for constants
// and tests.
func MustParseDOI(input string) DOI {
	d, err := ParseDOI(input)
	if err != nil {
		panic(err)
	}
	return d
}

// Prefix returns the registrant code, e.g. "10.1101".
func (d DOI) Prefix() string { return d.prefix }

// Suffix returns the opaque remainder after the first slash.
func (d DOI) Suffix() string { return d.suffix }

// Stem returns the bare "prefix/suffix" form.
func (d DOI) Stem() string { return d.prefix + "/" + d.suffix }

// URL returns the resolver URL for the DOI.
func (d DOI) URL() string { return ResolverURLPrefix + d.Stem() }

// String implements fmt.Stringer and returns the resolver URL.
func (d DOI) String() string { return d.URL() }

// IsZero reports whether d is the zero value.
func (d DOI) IsZero() bool { return d.prefix == "" && d.suffix == "" }

// FlatSuffix returns the suffix with every '/' replaced by '_', suitable for
// use as a single path component.
func (d DOI) FlatSuffix() string { return strings.ReplaceAll(d.suffix, "/", "_") }

// MarshalText implements encoding.TextMarshaler using the bare stem.
func (d DOI) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	return []byte(d.Stem()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DOI) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = DOI{}
		return nil
	}
	parsed, err := ParseDOI(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DOIParseError reports a malformed DOI string.
type DOIParseError struct {
	Input  string
	Reason string
}

// Error implements the error interface.
func (e *DOIParseError) Error() string {
	return fmt.Sprintf("invalid DOI %q: %s", e.Input, e.Reason)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *DOIParseError) Unwrap() error {
	return ErrInvalidDOI
}
