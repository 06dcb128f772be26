package httpserver

import (
	"time"

	"github.com/helixir/doicache/internal/domain"
)

// RunStatus is the /status response.
type RunStatus struct {
	RunID     string            `json:"run_id,omitempty"`
	Query     string            `json:"query,omitempty"`
	Running   bool              `json:"running"`
	Queued    int               `json:"queued"`
	Summary   domain.RunSummary `json:"summary"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
	Error    string `json:"error,omitempty"`
}
