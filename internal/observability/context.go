package observability

import (
	"context"
)

// Context keys for observability data.
type contextKey string

const (
	runIDKey contextKey = "run_id"
	doiKey   contextKey = "doi"
	slotKey  contextKey = "slot"
)

// WithRunID adds a sweep run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext retrieves the run ID from context.
// Returns empty string if not present.
func RunIDFromContext(ctx context.Context) string {
	if v := ctx.Value(runIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// WithDOI adds the DOI being processed to the context.
func WithDOI(ctx context.Context, doi string) context.Context {
	return context.WithValue(ctx, doiKey, doi)
}

// DOIFromContext retrieves the DOI from context.
// Returns empty string if not present.
func DOIFromContext(ctx context.Context) string {
	if v := ctx.Value(doiKey); v != nil {
		if doi, ok := v.(string); ok {
			return doi
		}
	}
	return ""
}

// WithSlot adds a worker slot number to the context.
func WithSlot(ctx context.Context, slot int) context.Context {
	return context.WithValue(ctx, slotKey, slot)
}

// SlotFromContext retrieves the worker slot from context.
// Returns -1 if not present.
func SlotFromContext(ctx context.Context) int {
	if v := ctx.Value(slotKey); v != nil {
		if slot, ok := v.(int); ok {
			return slot
		}
	}
	return -1
}

// LoggerFields returns the observability fields carried by ctx, suitable for
// zerolog's Fields.
func LoggerFields(ctx context.Context) map[string]interface{} {
	fields := map[string]interface{}{}
	if id := RunIDFromContext(ctx); id != "" {
		fields["run_id"] = id
	}
	if doi := DOIFromContext(ctx); doi != "" {
		fields["doi"] = doi
	}
	if slot := SlotFromContext(ctx); slot >= 0 {
		fields["slot"] = slot
	}
	return fields
}
