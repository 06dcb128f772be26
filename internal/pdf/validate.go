package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	lpdf "github.com/ledongthuc/pdf"
)

// ErrInvalidPDF is returned when content cannot be parsed as a PDF document.
var ErrInvalidPDF = errors.New("pdf: not a well-formed PDF document")

// Validate reports whether content parses as a PDF with at least one page.
func Validate(content []byte) error {
	r := bytes.NewReader(content)
	return validateReader(r, r.Size())
}

// ValidateFile is Validate for a file on disk. It has the signature the
// cache expects for a pre-commit check.
func ValidateFile(path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidPDF, r)
		}
	}()

	f, reader, err := lpdf.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPDF, err)
	}
	defer f.Close()

	return checkPages(reader)
}

// validateReader guards against the parser panicking on truncated input.
func validateReader(r io.ReaderAt, size int64) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidPDF, rec)
		}
	}()

	reader, err := lpdf.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPDF, err)
	}
	return checkPages(reader)
}

func checkPages(reader *lpdf.Reader) error {
	if reader.NumPage() < 1 {
		return fmt.Errorf("%w: document has no pages", ErrInvalidPDF)
	}
	return nil
}
