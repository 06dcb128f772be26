package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants for published run events.
const (
	EventTypeRunStarted   = "sweep.run_started"
	EventTypeRunCompleted = "sweep.run_completed"
	EventTypeDOISucceeded = "sweep.doi_succeeded"
	EventTypeDOIFailed    = "sweep.doi_failed"
	EventTypeDOICancelled = "sweep.doi_cancelled"
)

// Event is a run lifecycle notification.
type Event struct {
	EventID      string
	EventVersion int
	RunID        string
	EventType    string
	Key          string
	Payload      []byte
	CreatedAt    time.Time
}

// NewEvent creates a new event with the given parameters. The payload is
// JSON-serialized automatically. key selects the partition; an empty key
// falls back to the run ID.
func NewEvent(eventType string, runID uuid.UUID, key string, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = runID.String()
	}

	return &Event{
		EventID:      uuid.New().String(),
		EventVersion: 1,
		RunID:        runID.String(),
		EventType:    eventType,
		Key:          key,
		Payload:      payloadBytes,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// EventTypeForOutcome maps an outcome status to its event type.
func EventTypeForOutcome(status OutcomeStatus) string {
	switch status {
	case OutcomeSucceeded:
		return EventTypeDOISucceeded
	case OutcomeCancelled:
		return EventTypeDOICancelled
	default:
		return EventTypeDOIFailed
	}
}

// RunStartedPayload is the payload for sweep.run_started events.
type RunStartedPayload struct {
	RunID     uuid.UUID `json:"run_id"`
	Query     string    `json:"query"`
	StartDate string    `json:"start_date"`
	EndDate   string    `json:"end_date"`
	Interval  int       `json:"interval"`
	Workers   int       `json:"workers"`
}

// RunCompletedPayload is the payload for sweep.run_completed events.
type RunCompletedPayload struct {
	RunID    uuid.UUID     `json:"run_id"`
	Status   RunStatus     `json:"status"`
	Summary  RunSummary    `json:"summary"`
	Duration time.Duration `json:"duration_ns"`
}

// DOIOutcomePayload is the payload for per-DOI outcome events.
type DOIOutcomePayload struct {
	RunID    uuid.UUID     `json:"run_id"`
	DOI      string        `json:"doi"`
	Status   OutcomeStatus `json:"status"`
	Slot     int           `json:"slot"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}
