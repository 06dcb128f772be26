package observability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sample kinds carried by a Report.
const (
	SampleStage           = "stage"
	SamplePDFAttempt      = "pdf_attempt"
	SampleResolution      = "resolution"
	SampleResolutionError = "resolution_error"
	SampleServiceRequest  = "service_request"
	SampleServiceFailed   = "service_failed"
	SampleRateLimited     = "rate_limited"
	SampleLLMRequest      = "llm_request"
	SampleLLMFailed       = "llm_failed"
)

// Sample is one recorded measurement.
type Sample struct {
	Kind         string   `json:"kind"`
	Labels       []string `json:"labels,omitempty"`
	Value        float64  `json:"value,omitempty"`
	InputTokens  int      `json:"input_tokens,omitempty"`
	OutputTokens int      `json:"output_tokens,omitempty"`
}

// Report collects the per-DOI measurements of a worker child so that the
// parent can record them on the metrics it serves. Pool and discovery
// measurements belong to the parent and are not collected.
//
// A nil *Report is valid and collects nothing.
type Report struct {
	mu      sync.Mutex
	Samples []Sample `json:"samples"`
}

func (r *Report) add(s Sample) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.Samples = append(r.Samples, s)
	r.mu.Unlock()
}

// Len returns the number of samples collected.
func (r *Report) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Samples)
}

// Encode writes the report to w as a single JSON line.
func (r *Report) Encode(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Samples == nil {
		r.Samples = []Sample{}
	}
	return json.NewEncoder(w).Encode(r)
}

// DecodeReport reads the report from the last non-empty line of out.
func DecodeReport(out []byte) (*Report, error) {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	last := bytes.TrimSpace(lines[len(lines)-1])
	if len(last) == 0 {
		return nil, fmt.Errorf("decode metrics report: no output")
	}

	var r Report
	if err := json.Unmarshal(last, &r); err != nil {
		return nil, fmt.Errorf("decode metrics report: %w", err)
	}
	return &r, nil
}

// Replay records every sample on m.
func (r *Report) Replay(m *Metrics) {
	if r == nil || m == nil {
		return
	}
	r.mu.Lock()
	samples := append([]Sample(nil), r.Samples...)
	r.mu.Unlock()

	for _, s := range samples {
		switch s.Kind {
		case SampleStage:
			if len(s.Labels) == 2 {
				m.RecordStage(s.Labels[0], s.Labels[1])
			}
		case SamplePDFAttempt:
			if len(s.Labels) == 2 {
				m.RecordPDFAttempt(s.Labels[0], s.Labels[1])
			}
		case SampleResolution:
			m.RecordResolution(int(s.Value))
		case SampleResolutionError:
			if len(s.Labels) == 1 {
				m.RecordResolutionError(s.Labels[0])
			}
		case SampleServiceRequest:
			if len(s.Labels) == 2 {
				m.RecordServiceRequest(s.Labels[0], s.Labels[1], s.Value)
			}
		case SampleServiceFailed:
			if len(s.Labels) == 3 {
				m.RecordServiceRequestFailed(s.Labels[0], s.Labels[1], s.Labels[2])
			}
		case SampleRateLimited:
			if len(s.Labels) == 1 {
				m.RecordServiceRateLimited(s.Labels[0])
			}
		case SampleLLMRequest:
			if len(s.Labels) == 1 {
				m.RecordLLMRequest(s.Labels[0], s.Value, s.InputTokens, s.OutputTokens)
			}
		case SampleLLMFailed:
			if len(s.Labels) == 2 {
				m.RecordLLMRequestFailed(s.Labels[0], s.Labels[1])
			}
		}
	}
}

// NewReportingMetrics creates metrics on a private registry that also
// collect every per-DOI measurement into the returned Report. Worker
// children use it in place of the served metrics.
func NewReportingMetrics(namespace string) (*Metrics, *Report) {
	report := &Report{}
	m := NewMetricsWith(prometheus.NewRegistry(), namespace)
	m.report = report
	return m, report
}
