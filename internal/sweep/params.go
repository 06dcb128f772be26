package sweep

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/papersources/biorxiv"
)

// DefaultStartDate is the first day searched when no start date is given.
const DefaultStartDate = "1970-01-01"

// Params are the user-supplied parameters of one sweep.
type Params struct {
	// Query is the search-index query.
	Query string `validate:"required"`
	// Workers is the number of worker slots.
	Workers int `validate:"min=1"`
	// StartDate and EndDate bound the search, as YYYY-MM-DD.
	StartDate string `validate:"required,datetime=2006-01-02"`
	EndDate   string `validate:"required,datetime=2006-01-02"`
	// Interval splits the range into windows of this many days. Zero
	// searches the whole range at once.
	Interval int `validate:"min=0"`
}

// WithDefaults fills an empty start date with DefaultStartDate and an empty
// end date with today's date.
func (p Params) WithDefaults(now time.Time) Params {
	if p.StartDate == "" {
		p.StartDate = DefaultStartDate
	}
	if p.EndDate == "" {
		p.EndDate = now.Format(biorxiv.DateLayout)
	}
	return p
}

// Validate checks field formats and that the range is not inverted.
func (p Params) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return &domain.ValidationError{Field: "params", Message: err.Error()}
	}
	start, end, err := p.Range()
	if err != nil {
		return err
	}
	if end.Before(start) {
		return &domain.ValidationError{
			Field:   "end_date",
			Message: fmt.Sprintf("%s is before start date %s", p.EndDate, p.StartDate),
		}
	}
	return nil
}

// Range parses the start and end dates.
func (p Params) Range() (start, end time.Time, err error) {
	start, err = time.Parse(biorxiv.DateLayout, p.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, &domain.ValidationError{Field: "start_date", Message: err.Error()}
	}
	end, err = time.Parse(biorxiv.DateLayout, p.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, &domain.ValidationError{Field: "end_date", Message: err.Error()}
	}
	return start, end, nil
}
