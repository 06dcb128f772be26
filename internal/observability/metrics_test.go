package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every test uses its own registry, so the same namespace can be reused.
func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetricsWith(prometheus.NewRegistry(), "test_doicache")
}

func TestNewMetrics(t *testing.T) {
	// The default registry is global; use a unique namespace.
	m := NewMetrics("test_doicache_default")

	assert.NotNil(t, m.DOIsEnqueued)
	assert.NotNil(t, m.DOIsProcessed)
	assert.NotNil(t, m.DOIDuration)
	assert.NotNil(t, m.DOIsInFlight)
	assert.NotNil(t, m.StageResults)
	assert.NotNil(t, m.PDFAttempts)
	assert.NotNil(t, m.ResolverHops)
	assert.NotNil(t, m.ServiceRequestsTotal)
	assert.NotNil(t, m.LLMTokensUsed)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordEnqueued(3)
		m.SetQueueDepth(1)
		m.RecordDOIStarted()
		m.RecordDOIFinished("succeeded", 1)
		m.RecordStage("download", ResultDone)
		m.RecordPDFAttempt("links", ResultFailed)
		m.RecordResolution(2)
		m.RecordResolutionError("cycle")
		m.RecordDiscovered("search", 4)
		m.RecordDiscoveryPage()
		m.RecordServiceRequest("crossref", "works", 0.1)
		m.RecordServiceRequestFailed("crossref", "works", "timeout")
		m.RecordServiceRateLimited("crossref")
		m.RecordLLMRequest("gpt-4o", 1, 10, 10)
		m.RecordLLMRequestFailed("gpt-4o", "rate_limit")
	})
}

func TestRecordWorkerLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordEnqueued(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.DOIsEnqueued))

	m.RecordDOIStarted()
	m.RecordDOIStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DOIsInFlight))

	m.RecordDOIFinished("succeeded", 2.5)
	m.RecordDOIFinished("failed", 0.5)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.DOIsInFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DOIsProcessed.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DOIsProcessed.WithLabelValues("failed")))

	m.SetQueueDepth(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(m.QueueDepth))
}

func TestRecordPipeline(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordStage("convert", ResultDone)
	m.RecordStage("convert", ResultSkipped)
	m.RecordStage("convert", ResultSkipped)
	m.RecordPDFAttempt("fallback", ResultFailed)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.StageResults.WithLabelValues("convert", ResultDone)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.StageResults.WithLabelValues("convert", ResultSkipped)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PDFAttempts.WithLabelValues("fallback", ResultFailed)))
}

func TestRecordResolution(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordResolution(1)
	m.RecordResolutionError("ambiguous")

	count, err := getHistogramSampleCount(m.ResolverHops)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ResolverErrors.WithLabelValues("ambiguous")))
}

func TestRecordServiceRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordServiceRequest("grobid", "processFulltextDocument", 1.2)
	m.RecordServiceRequestFailed("grobid", "processFulltextDocument", "server_error")
	m.RecordServiceRateLimited("grobid")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ServiceRequestsTotal.WithLabelValues("grobid", "processFulltextDocument")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ServiceRequestsFailed.WithLabelValues("grobid", "processFulltextDocument", "server_error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ServiceRateLimited.WithLabelValues("grobid")))
}

func TestRecordDiscovery(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDiscovered("cache", 4)
	m.RecordDiscovered("search", 2)
	m.RecordDiscoveryPage()

	assert.Equal(t, float64(4), testutil.ToFloat64(m.DiscoveryDOIs.WithLabelValues("cache")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DiscoveryDOIs.WithLabelValues("search")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DiscoveryPages))
}

func TestRecordLLMRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLLMRequest("gpt-4o", 2.5, 100, 50)
	m.RecordLLMRequestFailed("gpt-4o", "rate_limit")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.LLMRequestsTotal.WithLabelValues("gpt-4o")))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("gpt-4o", "input")))
	assert.Equal(t, float64(50), testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("gpt-4o", "output")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LLMRequestsFailed.WithLabelValues("gpt-4o", "rate_limit")))
}

// Helper to get histogram sample count
func getHistogramSampleCount(h prometheus.Histogram) (uint64, error) {
	ch := make(chan prometheus.Metric, 1)
	h.Collect(ch)
	close(ch)

	var m prometheus.Metric
	for m = range ch {
		break
	}

	var dto = &dto.Metric{}
	if err := m.Write(dto); err != nil {
		return 0, err
	}

	return dto.Histogram.GetSampleCount(), nil
}
