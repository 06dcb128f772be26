package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for stage and strategy results.
const (
	ResultDone    = "done"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// Metrics contains all Prometheus metrics for the DOI cache. Metrics are
// organized by subsystem: worker pool, pipeline stages, PDF download
// strategies, preprint resolution, discovery, external services, and LLM
// analysis.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// DOIsEnqueued counts DOIs pushed onto the work queue.
	DOIsEnqueued prometheus.Counter

	// DOIsProcessed counts DOIs that left a worker slot, labeled by outcome status.
	DOIsProcessed *prometheus.CounterVec

	// DOIDuration observes per-DOI processing time in seconds, labeled by outcome status.
	DOIDuration *prometheus.HistogramVec

	// DOIsInFlight is the number of DOIs currently held by worker slots.
	DOIsInFlight prometheus.Gauge

	// QueueDepth is the number of DOIs waiting in the work queue.
	QueueDepth prometheus.Gauge

	// StageResults counts pipeline stage executions, labeled by stage and result.
	StageResults *prometheus.CounterVec

	// PDFAttempts counts PDF download attempts, labeled by strategy and result.
	PDFAttempts *prometheus.CounterVec

	// ResolverHops observes the number of preprint hops taken per resolution.
	ResolverHops prometheus.Histogram

	// ResolverErrors counts resolution failures, labeled by kind (ambiguous, cycle, other).
	ResolverErrors *prometheus.CounterVec

	// DiscoveryDOIs counts DOIs produced by discovery, labeled by origin (search, cache).
	DiscoveryDOIs *prometheus.CounterVec

	// DiscoveryPages counts search result pages fetched.
	DiscoveryPages prometheus.Counter

	// ServiceRequestsTotal counts HTTP requests to external services, labeled by service and endpoint.
	ServiceRequestsTotal *prometheus.CounterVec

	// ServiceRequestsFailed counts failed HTTP requests, labeled by service, endpoint, and error type.
	ServiceRequestsFailed *prometheus.CounterVec

	// ServiceRequestDuration observes HTTP request duration to external services in seconds.
	ServiceRequestDuration *prometheus.HistogramVec

	// ServiceRateLimited counts rate-limited responses, labeled by service.
	ServiceRateLimited *prometheus.CounterVec

	// LLMRequestsTotal counts LLM API requests, labeled by model.
	LLMRequestsTotal *prometheus.CounterVec

	// LLMRequestsFailed counts failed LLM API requests, labeled by model and error type.
	LLMRequestsFailed *prometheus.CounterVec

	// LLMRequestDuration observes LLM API request duration in seconds, labeled by model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed counts tokens consumed, labeled by model and token type.
	LLMTokensUsed *prometheus.CounterVec

	report *Report
}

// NewMetrics creates a new Metrics instance registered with the default
// Prometheus registry. The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith creates a new Metrics instance registered with reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Worker pool
		DOIsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dois_enqueued_total",
			Help:      "Total number of DOIs pushed onto the work queue",
		}),
		DOIsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dois_processed_total",
			Help:      "Total number of DOIs processed by worker slots",
		}, []string{"status"}),
		DOIDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "doi_duration_seconds",
			Help:      "Per-DOI processing duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		DOIsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dois_in_flight",
			Help:      "Number of DOIs currently being processed",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of DOIs waiting in the work queue",
		}),

		// Pipeline
		StageResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_results_total",
			Help:      "Pipeline stage executions by stage and result",
		}, []string{"stage", "result"}),
		PDFAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pdf_download_attempts_total",
			Help:      "PDF download attempts by strategy and result",
		}, []string{"strategy", "result"}),

		// Resolver
		ResolverHops: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolver_hops",
			Help:      "Number of preprint hops per resolution",
			Buckets:   []float64{0, 1, 2, 3, 5, 10},
		}),
		ResolverErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_errors_total",
			Help:      "Preprint resolution failures by kind",
		}, []string{"kind"}),

		// Discovery
		DiscoveryDOIs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_dois_total",
			Help:      "DOIs produced by discovery by origin",
		}, []string{"origin"}),
		DiscoveryPages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_pages_total",
			Help:      "Search result pages fetched",
		}),

		// External services
		ServiceRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_requests_total",
			Help:      "Total HTTP requests to external services",
		}, []string{"service", "endpoint"}),
		ServiceRequestsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_requests_failed_total",
			Help:      "Failed HTTP requests to external services",
		}, []string{"service", "endpoint", "error_type"}),
		ServiceRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_request_duration_seconds",
			Help:      "HTTP request duration to external services in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "endpoint"}),
		ServiceRateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_rate_limited_total",
			Help:      "Rate-limited responses from external services",
		}, []string{"service"}),

		// LLM
		LLMRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total LLM API requests",
		}, []string{"model"}),
		LLMRequestsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_failed_total",
			Help:      "Failed LLM API requests",
		}, []string{"model", "error_type"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM API request duration in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Tokens consumed by LLM requests",
		}, []string{"model", "type"}),
	}
}

// RecordEnqueued records DOIs pushed onto the work queue.
func (m *Metrics) RecordEnqueued(count int) {
	if m == nil {
		return
	}
	m.DOIsEnqueued.Add(float64(count))
}

// SetQueueDepth records the current queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordDOIStarted records that a slot picked up a DOI.
func (m *Metrics) RecordDOIStarted() {
	if m == nil {
		return
	}
	m.DOIsInFlight.Inc()
}

// RecordDOIFinished records a DOI leaving a slot with the given status.
func (m *Metrics) RecordDOIFinished(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DOIsInFlight.Dec()
	m.DOIsProcessed.WithLabelValues(status).Inc()
	m.DOIDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordStage records the result of one pipeline stage.
func (m *Metrics) RecordStage(stage, result string) {
	if m == nil {
		return
	}
	m.StageResults.WithLabelValues(stage, result).Inc()
	m.report.add(Sample{Kind: SampleStage, Labels: []string{stage, result}})
}

// RecordPDFAttempt records the result of one PDF download strategy.
func (m *Metrics) RecordPDFAttempt(strategy, result string) {
	if m == nil {
		return
	}
	m.PDFAttempts.WithLabelValues(strategy, result).Inc()
	m.report.add(Sample{Kind: SamplePDFAttempt, Labels: []string{strategy, result}})
}

// RecordResolution records a successful resolution and its hop count.
func (m *Metrics) RecordResolution(hops int) {
	if m == nil {
		return
	}
	m.ResolverHops.Observe(float64(hops))
	m.report.add(Sample{Kind: SampleResolution, Value: float64(hops)})
}

// RecordResolutionError records a failed resolution.
func (m *Metrics) RecordResolutionError(kind string) {
	if m == nil {
		return
	}
	m.ResolverErrors.WithLabelValues(kind).Inc()
	m.report.add(Sample{Kind: SampleResolutionError, Labels: []string{kind}})
}

// RecordDiscovered records DOIs produced by discovery.
func (m *Metrics) RecordDiscovered(origin string, count int) {
	if m == nil {
		return
	}
	m.DiscoveryDOIs.WithLabelValues(origin).Add(float64(count))
}

// RecordDiscoveryPage records one fetched search page.
func (m *Metrics) RecordDiscoveryPage() {
	if m == nil {
		return
	}
	m.DiscoveryPages.Inc()
}

// RecordServiceRequest records a request to an external service.
func (m *Metrics) RecordServiceRequest(service, endpoint string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ServiceRequestsTotal.WithLabelValues(service, endpoint).Inc()
	m.ServiceRequestDuration.WithLabelValues(service, endpoint).Observe(durationSeconds)
	m.report.add(Sample{Kind: SampleServiceRequest, Labels: []string{service, endpoint}, Value: durationSeconds})
}

// RecordServiceRequestFailed records a failed request to an external service.
func (m *Metrics) RecordServiceRequestFailed(service, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.ServiceRequestsFailed.WithLabelValues(service, endpoint, errorType).Inc()
	m.report.add(Sample{Kind: SampleServiceFailed, Labels: []string{service, endpoint, errorType}})
}

// RecordServiceRateLimited records a rate limit response from a service.
func (m *Metrics) RecordServiceRateLimited(service string) {
	if m == nil {
		return
	}
	m.ServiceRateLimited.WithLabelValues(service).Inc()
	m.report.add(Sample{Kind: SampleRateLimited, Labels: []string{service}})
}

// RecordLLMRequest records an LLM request.
func (m *Metrics) RecordLLMRequest(model string, durationSeconds float64, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestsTotal.WithLabelValues(model).Inc()
	m.LLMRequestDuration.WithLabelValues(model).Observe(durationSeconds)
	m.LLMTokensUsed.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.LLMTokensUsed.WithLabelValues(model, "output").Add(float64(outputTokens))
	m.report.add(Sample{
		Kind:         SampleLLMRequest,
		Labels:       []string{model},
		Value:        durationSeconds,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
}

// RecordLLMRequestFailed records a failed LLM request.
func (m *Metrics) RecordLLMRequestFailed(model, errorType string) {
	if m == nil {
		return
	}
	m.LLMRequestsFailed.WithLabelValues(model, errorType).Inc()
	m.report.add(Sample{Kind: SampleLLMFailed, Labels: []string{model, errorType}})
}
