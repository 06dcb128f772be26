// Package journal records sweep runs and per-DOI outcomes.
//
// The journal is optional telemetry: the cache remains the source of truth
// for what has been processed, and a journal failure never fails a DOI.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/doicache/internal/database"
	"github.com/helixir/doicache/internal/domain"
)

// Journal records run lifecycle and outcomes.
type Journal interface {
	StartRun(ctx context.Context, run *domain.Run) error
	FinishRun(ctx context.Context, run *domain.Run) error
	RecordOutcome(ctx context.Context, outcome domain.Outcome) error
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	ListOutcomes(ctx context.Context, runID uuid.UUID) ([]domain.Outcome, error)
}

var (
	_ Journal = (*PgJournal)(nil)
	_ Journal = Nop{}
)

// PgJournal is a PostgreSQL Journal.
type PgJournal struct {
	db database.DBTX
}

// NewPgJournal creates a journal on db.
func NewPgJournal(db database.DBTX) *PgJournal {
	return &PgJournal{db: db}
}

// StartRun inserts run.
func (j *PgJournal) StartRun(ctx context.Context, run *domain.Run) error {
	if run == nil {
		return domain.NewValidationError("run", "run cannot be nil")
	}
	if run.ID == uuid.Nil {
		return domain.NewValidationError("id", "run ID is required")
	}

	query := `
		INSERT INTO sweep_runs (
			id, query, start_date, end_date, interval_days, workers, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := j.db.Exec(ctx, query,
		run.ID, run.Query, run.StartDate, run.EndDate, run.Interval, run.Workers,
		string(run.Status), run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// FinishRun stores run's final status, summary and finish time.
func (j *PgJournal) FinishRun(ctx context.Context, run *domain.Run) error {
	if run == nil {
		return domain.NewValidationError("run", "run cannot be nil")
	}

	query := `
		UPDATE sweep_runs
		SET status = $2, enqueued = $3, succeeded = $4, failed = $5, cancelled = $6, finished_at = $7
		WHERE id = $1`

	tag, err := j.db.Exec(ctx, query,
		run.ID, string(run.Status),
		run.Summary.Enqueued, run.Summary.Succeeded, run.Summary.Failed, run.Summary.Cancelled,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("run", run.ID.String())
	}
	return nil
}

// RecordOutcome appends one per-DOI outcome.
func (j *PgJournal) RecordOutcome(ctx context.Context, o domain.Outcome) error {
	if o.DOI == "" {
		return domain.NewValidationError("doi", "outcome DOI is required")
	}

	query := `
		INSERT INTO doi_outcomes (
			run_id, doi, status, slot, error, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	var errMsg *string
	if o.Error != "" {
		errMsg = &o.Error
	}

	_, err := j.db.Exec(ctx, query,
		o.RunID, o.DOI, string(o.Status), o.Slot, errMsg, o.StartedAt, o.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}
	return nil
}

// GetRun loads a run by ID.
func (j *PgJournal) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `
		SELECT id, query, to_char(start_date, 'YYYY-MM-DD'), to_char(end_date, 'YYYY-MM-DD'),
			interval_days, workers, status, enqueued, succeeded, failed, cancelled,
			started_at, finished_at
		FROM sweep_runs
		WHERE id = $1`

	var (
		run    domain.Run
		status string
	)
	err := j.db.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.Query, &run.StartDate, &run.EndDate,
		&run.Interval, &run.Workers, &status,
		&run.Summary.Enqueued, &run.Summary.Succeeded, &run.Summary.Failed, &run.Summary.Cancelled,
		&run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("run", id.String())
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run.Status = domain.RunStatus(status)
	return &run, nil
}

// ListOutcomes returns a run's outcomes in the order they finished.
func (j *PgJournal) ListOutcomes(ctx context.Context, runID uuid.UUID) ([]domain.Outcome, error) {
	query := `
		SELECT run_id, doi, status, slot, COALESCE(error, ''), started_at, finished_at
		FROM doi_outcomes
		WHERE run_id = $1
		ORDER BY finished_at, id`

	rows, err := j.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []domain.Outcome
	for rows.Next() {
		var (
			o      domain.Outcome
			status string
		)
		if err := rows.Scan(&o.RunID, &o.DOI, &status, &o.Slot, &o.Error, &o.StartedAt, &o.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Status = domain.OutcomeStatus(status)
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outcomes: %w", err)
	}
	return outcomes, nil
}

// Nop discards everything. It is used when the journal is disabled.
type Nop struct{}

// StartRun implements Journal.
func (Nop) StartRun(context.Context, *domain.Run) error { return nil }

// FinishRun implements Journal.
func (Nop) FinishRun(context.Context, *domain.Run) error { return nil }

// RecordOutcome implements Journal.
func (Nop) RecordOutcome(context.Context, domain.Outcome) error { return nil }

// GetRun implements Journal.
func (Nop) GetRun(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	return nil, domain.NewNotFoundError("run", id.String())
}

// ListOutcomes implements Journal.
func (Nop) ListOutcomes(context.Context, uuid.UUID) ([]domain.Outcome, error) { return nil, nil }

// outcomeTimeout bounds a single outcome write from a worker slot.
const outcomeTimeout = 5 * time.Second

// OutcomeRecorder adapts j to a worker outcome handler. Write failures are
// passed to onError.
func OutcomeRecorder(j Journal, onError func(domain.Outcome, error)) func(context.Context, domain.Outcome) {
	return func(ctx context.Context, o domain.Outcome) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
		defer cancel()
		if err := j.RecordOutcome(ctx, o); err != nil && onError != nil {
			onError(o, err)
		}
	}
}
