package domain

import (
	"time"

	"github.com/google/uuid"
)

// Stage identifies a step of per-DOI processing.
type Stage string

// Processing stages in execution order.
const (
	StageResolve   Stage = "resolve"
	StageMetadata  Stage = "metadata"
	StageDownload  Stage = "download"
	StageConvert   Stage = "convert"
	StageExtract   Stage = "extract"
	StageAnalyze   Stage = "analyze"
	StageIsolation Stage = "isolation"
	StageUnknown   Stage = "unknown"
)

// String implements fmt.Stringer.
func (s Stage) String() string { return string(s) }

// OutcomeStatus is the terminal state of one DOI within a run.
type OutcomeStatus string

// Outcome statuses.
const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// RunStatus is the lifecycle state of a sweep run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Outcome records how one queued DOI finished.
type Outcome struct {
	RunID      uuid.UUID     `json:"run_id"`
	DOI        string        `json:"doi"`
	Status     OutcomeStatus `json:"status"`
	Slot       int           `json:"slot"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Duration returns how long the DOI was in flight.
func (o Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// RunSummary aggregates per-DOI outcomes for a run.
type RunSummary struct {
	Enqueued  int `json:"enqueued"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Done returns the number of DOIs that reached a terminal outcome.
func (s RunSummary) Done() int {
	return s.Succeeded + s.Failed + s.Cancelled
}

// Add folds one outcome into the summary.
func (s *RunSummary) Add(status OutcomeStatus) {
	switch status {
	case OutcomeSucceeded:
		s.Succeeded++
	case OutcomeFailed:
		s.Failed++
	case OutcomeCancelled:
		s.Cancelled++
	}
}

// Run describes one sweep invocation.
type Run struct {
	ID         uuid.UUID  `json:"id"`
	Query      string     `json:"query"`
	StartDate  string     `json:"start_date"`
	EndDate    string     `json:"end_date"`
	Interval   int        `json:"interval"`
	Workers    int        `json:"workers"`
	Status     RunStatus  `json:"status"`
	Summary    RunSummary `json:"summary"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
