package llm

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/helixir/doicache/internal/domain"
)

//go:embed prompts/default.txt
var defaultPrompt string

// DefaultPrompt returns the built-in analysis prompt.
func DefaultPrompt() string {
	return defaultPrompt
}

// FindPrompt returns the path of the prompt called name. An absolute name is
// returned unchanged. Otherwise exactly one regular file in dir must contain
// name in its file name, compared case-insensitively.
func FindPrompt(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", domain.NewNotFoundError("prompt", name)
		}
		return "", fmt.Errorf("list prompts in %s: %w", dir, err)
	}

	needle := strings.ToLower(name)
	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.Contains(strings.ToLower(e.Name()), needle) {
			matches = append(matches, e.Name())
		}
	}

	switch len(matches) {
	case 0:
		return "", domain.NewNotFoundError("prompt", name)
	case 1:
		return filepath.Join(dir, matches[0]), nil
	default:
		slices.Sort(matches)
		return "", domain.NewValidationError("prompt",
			fmt.Sprintf("%q is ambiguous, matches %s", name, strings.Join(matches, ", ")))
	}
}

// LoadPrompt returns the text of the prompt called name, or the built-in
// prompt when name is empty.
func LoadPrompt(dir, name string) (string, error) {
	if name == "" {
		return defaultPrompt, nil
	}
	path, err := FindPrompt(dir, name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", domain.NewNotFoundError("prompt", path)
		}
		return "", fmt.Errorf("read prompt %s: %w", path, err)
	}
	return string(data), nil
}
