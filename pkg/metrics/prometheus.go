package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager manages all Prometheus metrics of the tally engine.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	commitBuckets    []float64
	refreshInterval  time.Duration
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Accumulator Metrics
	contributions      prometheus.Counter
	offGridContribs    prometheus.Counter
	historiesCommitted prometheus.Counter
	slotsUpdated       prometheus.Counter
	commitLatency      prometheus.Histogram
	resets             prometheus.Counter
	contractViolations *prometheus.CounterVec
	entityCount        prometheus.Gauge
	binCount           prometheus.Gauge
	workerSlots        prometheus.Gauge

	// Reduction Metrics
	reductions         *prometheus.CounterVec
	reductionLatency   prometheus.Histogram
	reductionRetries   prometheus.Counter
	payloadBytes       prometheus.Histogram
	payloadDuplicates  prometheus.Counter
	reducedHistories   prometheus.Gauge
	snapshotLastUnix   prometheus.Gauge
	snapshotsPublished prometheus.Counter

	// Archive Metrics
	archiveWrites  *prometheus.CounterVec
	archiveLatency prometheus.Histogram

	// Batch Metrics
	batchesCompleted prometheus.Counter
	batchDuration    prometheus.Histogram

	// HTTP Performance Metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Queue Metrics
	queueSize              prometheus.Gauge
	queueCapacity          prometheus.Gauge
	queueUtilization       prometheus.Gauge
	queueEnqueueRate       prometheus.Counter
	queueDequeueRate       prometheus.Counter
	queueEnqueueErrors     prometheus.Counter
	queueProcessingLatency prometheus.Histogram

	// Worker Metrics
	workerCount              prometheus.Gauge
	workerActiveCount        prometheus.Gauge
	workerIdleCount          prometheus.Gauge
	workerHistoriesPerSecond prometheus.Gauge
	workerProcessingLatency  prometheus.Histogram
	workerErrorRate          prometheus.Counter

	// Error Metrics
	errorRateByComponent *prometheus.CounterVec
	errorRateByType      *prometheus.CounterVec
	errorRateByEndpoint  *prometheus.CounterVec
	errorLatency         *prometheus.HistogramVec

	// System Performance Metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// Configure rebuilds the global manager on a fresh registry. Call it once at
// startup, before anything records; earlier samples are discarded.
func Configure(opts ...Option) {
	customRegistry = prometheus.NewRegistry()
	globalManager = NewManager(append([]Option{WithPrometheusRegistry(customRegistry)}, opts...)...)
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "tally",
		subsystem:        "engine",
		histogramBuckets: prometheus.DefBuckets,
		commitBuckets:    []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		refreshInterval:  defaultRefreshInterval,
		constLabels:      prometheus.Labels{},
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

// RefreshInterval returns how often gauge-style system metrics should be sampled.
func (m *Manager) RefreshInterval() time.Duration { return m.refreshInterval }

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	// Accumulator Metrics
	m.contributions = m.counter("contributions_total", "Total number of point and range contributions scored")
	m.offGridContribs = m.counter("contributions_off_grid_total", "Contributions that resolved to no bin for any response function")
	m.historiesCommitted = m.counter("histories_committed_total", "Total number of non-empty histories committed")
	m.slotsUpdated = m.counter("slots_updated_total", "Total number of (entity, bin) slots updated by commits")
	m.commitLatency = m.histogram("commit_latency_microseconds", "Histogram of commit latency in microseconds", m.commitBuckets)
	m.resets = m.counter("resets_total", "Total number of accumulator resets")
	m.contractViolations = m.counterVec("contract_violations_total", "Contract violations by operation", "operation")
	m.entityCount = m.gauge("entities", "Number of registered entities")
	m.binCount = m.gauge("bins", "Number of linear bins per entity")
	m.workerSlots = m.gauge("worker_slots", "Number of worker tracker slots")

	// Reduction Metrics
	m.reductions = m.counterVec("reductions_total", "Collective reductions by outcome", "status")
	m.reductionLatency = m.histogram("reduction_latency_milliseconds", "Reduction latency in milliseconds", m.histogramBuckets)
	m.reductionRetries = m.counter("reduction_retries_total", "Total number of reduction retries")
	m.payloadBytes = m.histogram("reduction_payload_bytes", "Size of encoded snapshot payloads",
		prometheus.ExponentialBuckets(256, 4, 10))
	m.payloadDuplicates = m.counter("reduction_payload_duplicates_total", "Payloads dropped because they were already applied")
	m.reducedHistories = m.gauge("reduced_histories", "Histories covered by the last published snapshot")
	m.snapshotLastUnix = m.gauge("snapshot_last_unix", "Unix timestamp of the last snapshot publish")
	m.snapshotsPublished = m.counter("snapshots_published_total", "Total number of snapshots published")

	// Archive Metrics
	m.archiveWrites = m.counterVec("archive_writes_total", "Snapshot archive writes by outcome", "status")
	m.archiveLatency = m.histogram("archive_latency_milliseconds", "Snapshot archive write latency in milliseconds", m.histogramBuckets)

	// Batch Metrics
	m.batchesCompleted = m.counter("batches_completed_total", "Total number of history batches completed")
	m.batchDuration = m.histogram("batch_duration_milliseconds", "Batch duration in milliseconds",
		prometheus.ExponentialBuckets(1, 4, 10))

	// HTTP Performance Metrics
	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests by endpoint and method",
		"endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds",
		"endpoint", "method", "status_code")

	// Queue Metrics
	m.queueSize = m.gauge("queue_size", "Current number of queued history jobs")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum queue capacity")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue utilization ratio (current size / capacity)")
	m.queueEnqueueRate = m.counter("queue_enqueue_total", "Total number of jobs enqueued")
	m.queueDequeueRate = m.counter("queue_dequeue_total", "Total number of jobs dequeued")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Total number of enqueue errors")
	m.queueProcessingLatency = m.histogram("queue_processing_latency_milliseconds", "Queue processing latency in milliseconds", m.histogramBuckets)

	// Worker Metrics
	m.workerCount = m.gauge("worker_count", "Number of workers in the pool")
	m.workerActiveCount = m.gauge("worker_active_count", "Number of workers simulating a history")
	m.workerIdleCount = m.gauge("worker_idle_count", "Number of idle workers")
	m.workerHistoriesPerSecond = m.gauge("worker_histories_per_second", "Histories processed per second by the pool")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Per-history processing latency in milliseconds", m.histogramBuckets)
	m.workerErrorRate = m.counter("worker_errors_total", "Total number of worker errors")

	// Error Metrics
	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Total number of errors by component",
		"component", "error_type")
	m.errorRateByType = m.counterVec("errors_by_type_total", "Total number of errors by type",
		"error_type", "severity")
	m.errorRateByEndpoint = m.counterVec("errors_by_endpoint_total", "Total number of errors by endpoint",
		"endpoint", "method", "error_type")
	m.errorLatency = m.histogramVec("error_latency_milliseconds", "Latency of operations that resulted in errors",
		"component", "error_type")

	// System Performance Metrics
	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

// Accumulator Metrics Functions.

// RecordContributions adds n scored contributions.
func RecordContributions(n int) {
	globalManager.contributions.Add(float64(n))
}

// RecordOffGridContributions adds n contributions that missed the grid.
func RecordOffGridContributions(n int) {
	globalManager.offGridContribs.Add(float64(n))
}

// RecordHistoryCommitted increments the committed histories counter.
func RecordHistoryCommitted() {
	globalManager.historiesCommitted.Inc()
}

// RecordSlotsUpdated adds n updated slots.
func RecordSlotsUpdated(n int) {
	globalManager.slotsUpdated.Add(float64(n))
}

// RecordCommitLatency records commit latency in microseconds.
func RecordCommitLatency(latencyUs float64) {
	globalManager.commitLatency.Observe(latencyUs)
}

// RecordReset increments the reset counter.
func RecordReset() {
	globalManager.resets.Inc()
}

// RecordContractViolation increments the contract violation counter for op.
func RecordContractViolation(op string) {
	globalManager.contractViolations.WithLabelValues(op).Inc()
}

// UpdateEntityCount sets the number of registered entities.
func UpdateEntityCount(count int) {
	globalManager.entityCount.Set(float64(count))
}

// UpdateBinCount sets the number of bins per entity.
func UpdateBinCount(count int) {
	globalManager.binCount.Set(float64(count))
}

// UpdateWorkerSlots sets the number of tracker slots.
func UpdateWorkerSlots(count int) {
	globalManager.workerSlots.Set(float64(count))
}

// Reduction Metrics Functions.

// RecordReduction counts one reduction with the given outcome.
func RecordReduction(status string) {
	globalManager.reductions.WithLabelValues(status).Inc()
}

// RecordReductionLatency records reduction latency in milliseconds.
func RecordReductionLatency(latencyMs float64) {
	globalManager.reductionLatency.Observe(latencyMs)
}

// RecordReductionRetry increments the reduction retry counter.
func RecordReductionRetry() {
	globalManager.reductionRetries.Inc()
}

// RecordPayloadBytes records the size of one encoded payload.
func RecordPayloadBytes(n int) {
	globalManager.payloadBytes.Observe(float64(n))
}

// RecordPayloadDuplicate increments the duplicate payload counter.
func RecordPayloadDuplicate() {
	globalManager.payloadDuplicates.Inc()
}

// RecordSnapshotPublished records a snapshot publish covering histories.
func RecordSnapshotPublished(histories uint64) {
	globalManager.snapshotsPublished.Inc()
	globalManager.reducedHistories.Set(float64(histories))
	globalManager.snapshotLastUnix.Set(float64(time.Now().Unix()))
}

// Archive Metrics Functions.

// RecordArchiveWrite counts one archive write with the given outcome.
func RecordArchiveWrite(status string) {
	globalManager.archiveWrites.WithLabelValues(status).Inc()
}

// RecordArchiveLatency records archive write latency in milliseconds.
func RecordArchiveLatency(latencyMs float64) {
	globalManager.archiveLatency.Observe(latencyMs)
}

// Batch Metrics Functions.

// RecordBatchCompleted counts a finished batch and its duration in milliseconds.
func RecordBatchCompleted(durationMs float64) {
	globalManager.batchesCompleted.Inc()
	globalManager.batchDuration.Observe(durationMs)
}

// HTTP Metrics Functions.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// Queue Metrics Functions.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueueRate.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeueRate.Inc()
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrors.Inc()
}

// RecordQueueProcessingLatency records queue processing latency.
func RecordQueueProcessingLatency(latencyMs float64) {
	globalManager.queueProcessingLatency.Observe(latencyMs)
}

// Worker Metrics Functions.

// UpdateWorkerCount sets the current worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// UpdateWorkerActiveCount sets the number of active workers.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActiveCount.Set(float64(count))
}

// UpdateWorkerIdleCount sets the number of idle workers.
func UpdateWorkerIdleCount(count int) {
	globalManager.workerIdleCount.Set(float64(count))
}

// UpdateWorkerHistoriesPerSecond sets the pool throughput.
func UpdateWorkerHistoriesPerSecond(rate float64) {
	globalManager.workerHistoriesPerSecond.Set(rate)
}

// RecordWorkerProcessingLatency records per-history processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrorRate.Inc()
}

// Error Metrics Functions.

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordErrorByType records an error with type and severity labels.
func RecordErrorByType(errorType, severity string) {
	globalManager.errorRateByType.WithLabelValues(errorType, severity).Inc()
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// RecordErrorLatency records the latency of an operation that resulted in an error.
func RecordErrorLatency(component, errorType string, latencyMs float64) {
	globalManager.errorLatency.WithLabelValues(component, errorType).Observe(latencyMs)
}

// System Performance Metrics Functions.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
