// Command doicache sweeps preprint search results into a local DOI artifact
// cache: metadata, full-text PDF, structured markup, text extracts and an
// LLM analysis per published article.
package main

import (
	"errors"
	"fmt"
	"os"
)

// version is stamped into new status ledgers. Set at build time with
// -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// exitError ends the process with code without printing; the failure has
// already been logged.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }
