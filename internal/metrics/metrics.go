// Package metrics exposes the relay's Prometheus instrumentation, adapted
// from the gateway's S3/encryption counters to the relay's chunk/session/
// git/replay domain while keeping the exemplar-via-span and buffer-pool/
// hardware gauge wiring.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds all relay instrumentation.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	chunksReceivedTotal   *prometheus.CounterVec
	sessionFinalizedTotal *prometheus.CounterVec
	gitOperationsTotal    *prometheus.CounterVec
	gitOperationDuration  *prometheus.HistogramVec
	gitOperationErrors    *prometheus.CounterVec
	envelopeDecryptsTotal *prometheus.CounterVec
	envelopeDecryptErrors *prometheus.CounterVec
	replayRejectedTotal   prometheus.Counter
	fileStoreOperations   *prometheus.CounterVec

	bufferPoolHits              *prometheus.CounterVec
	bufferPoolMisses            *prometheus.CounterVec
	hardwareAccelerationEnabled *prometheus.GaugeVec

	activeConnections prometheus.Gauge
	goroutines        prometheus.Gauge
	memoryAllocBytes  prometheus.Gauge
	memorySysBytes    prometheus.Gauge

	bufferPoolMu   sync.Mutex
	bufferPoolSeen bufferPoolCounts
}

// bufferPoolCounts is the last-observed cumulative snapshot from
// transport.BufferPool.GetMetrics, used to convert its running totals into
// counter increments.
type bufferPoolCounts struct {
	hits32, misses32, hits64K, misses64K int64
}

// NewMetrics builds a Metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry builds a Metrics instance against a custom
// registry, used by tests to avoid duplicate-registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests handled by the relay.",
			},
			[]string{"route", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "status"},
		),
		chunksReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_chunks_received_total",
				Help: "Total number of chunk writes accepted, by outcome.",
			},
			[]string{"outcome"},
		),
		sessionFinalizedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_sessions_finalized_total",
				Help: "Total number of sessions reaching a terminal status.",
			},
			[]string{"status"},
		),
		gitOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_git_operations_total",
				Help: "Total number of git subprocess invocations, by operation.",
			},
			[]string{"operation"},
		),
		gitOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_git_operation_duration_seconds",
				Help:    "Git subprocess invocation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		gitOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_git_operation_errors_total",
				Help: "Total number of git subprocess invocation failures, by operation.",
			},
			[]string{"operation"},
		),
		envelopeDecryptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_envelope_decrypts_total",
				Help: "Total number of envelope decryptions attempted, by version.",
			},
			[]string{"version"},
		),
		envelopeDecryptErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_envelope_decrypt_errors_total",
				Help: "Total number of envelope decryption failures, by version.",
			},
			[]string{"version"},
		),
		replayRejectedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_replay_rejected_total",
				Help: "Total number of requests rejected for a replayed nonce or stale timestamp.",
			},
		),
		fileStoreOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_filestore_operations_total",
				Help: "Total number of file store operations, by outcome.",
			},
			[]string{"outcome"},
		),
		bufferPoolHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_buffer_pool_hits_total",
				Help: "Total number of transport buffer pool hits.",
			},
			[]string{"size_class"},
		),
		bufferPoolMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_buffer_pool_misses_total",
				Help: "Total number of transport buffer pool misses.",
			},
			[]string{"size_class"},
		),
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_hardware_acceleration_enabled",
				Help: "AES hardware acceleration status (1=enabled, 0=disabled).",
			},
			[]string{"type"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_connections",
				Help: "Number of active HTTP connections.",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_goroutines",
				Help: "Number of goroutines.",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_memory_alloc_bytes",
				Help: "Bytes allocated and not yet freed.",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_memory_sys_bytes",
				Help: "Total bytes of memory obtained from the OS.",
			},
		),
	}
}

// RecordHTTPRequest records one request against route without an exemplar;
// RecordHTTPRequestCtx is the variant that links to a span on a context.
func (m *Metrics) RecordHTTPRequest(route string, status int, duration time.Duration) {
	m.recordHTTPRequest(context.Background(), route, status, duration)
}

// RecordHTTPRequestCtx is RecordHTTPRequest taking an explicit context, for
// callers that want exemplar linkage to a request-scoped span.
func (m *Metrics) RecordHTTPRequestCtx(ctx context.Context, route string, status int, duration time.Duration) {
	m.recordHTTPRequest(ctx, route, status, duration)
}

func (m *Metrics) recordHTTPRequest(ctx context.Context, route string, status int, duration time.Duration) {
	label := sanitizeRouteLabel(route)
	labels := prometheus.Labels{"route": label, "status": http.StatusText(status)}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.httpRequestsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.httpRequestsTotal.With(labels).Inc()
		}
		if observer, ok := m.httpRequestDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.httpRequestDuration.With(labels).Observe(duration.Seconds())
		}
		return
	}
	m.httpRequestsTotal.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// sanitizeRouteLabel collapses a path into a low-cardinality label; route
// names passed by handlers are already fixed strings, but this guards
// callers that pass a raw request path with a session ID segment.
func sanitizeRouteLabel(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) <= 2 {
		return "/" + strings.Join(segs, "/")
	}
	return "/" + segs[0] + "/" + segs[1] + "/*"
}

// RecordChunkReceived records a chunk write outcome ("ok", "rejected").
func (m *Metrics) RecordChunkReceived(outcome string) {
	m.chunksReceivedTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionFinalized records a session reaching a terminal status
// ("pushed", "stored", "failed").
func (m *Metrics) RecordSessionFinalized(status string) {
	m.sessionFinalizedTotal.WithLabelValues(status).Inc()
}

// RecordGitOperation records one git subprocess invocation's outcome and
// duration, e.g. operation="clone", "fetch", "apply_bundle", "push".
func (m *Metrics) RecordGitOperation(operation string, duration time.Duration, err error) {
	m.gitOperationsTotal.WithLabelValues(operation).Inc()
	m.gitOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.gitOperationErrors.WithLabelValues(operation).Inc()
	}
}

// RecordEnvelopeDecrypt records an envelope decryption attempt by version
// ("v1", "v2") and whether it failed.
func (m *Metrics) RecordEnvelopeDecrypt(version string, err error) {
	m.envelopeDecryptsTotal.WithLabelValues(version).Inc()
	if err != nil {
		m.envelopeDecryptErrors.WithLabelValues(version).Inc()
	}
}

// RecordReplayRejected records a request rejected for a replayed nonce or
// stale timestamp.
func (m *Metrics) RecordReplayRejected() {
	m.replayRejectedTotal.Inc()
}

// RecordFileStoreOperation records a file store write outcome: "stored", or
// the lowercase error code on failure ("size_mismatch", "sha256_mismatch",
// "file_exists", "internal_error", ...).
func (m *Metrics) RecordFileStoreOperation(outcome string) {
	m.fileStoreOperations.WithLabelValues(outcome).Inc()
}

// RecordBufferPoolHit records a transport buffer pool hit.
func (m *Metrics) RecordBufferPoolHit(sizeClass string) {
	m.bufferPoolHits.WithLabelValues(sizeClass).Inc()
}

// RecordBufferPoolMiss records a transport buffer pool miss.
func (m *Metrics) RecordBufferPoolMiss(sizeClass string) {
	m.bufferPoolMisses.WithLabelValues(sizeClass).Inc()
}

// SyncBufferPoolMetrics folds a cumulative (hits32, misses32, hits64K,
// misses64K) snapshot from transport.BufferPool.GetMetrics into the
// pool-hit/miss counters, adding only the delta since the last call.
func (m *Metrics) SyncBufferPoolMetrics(hits32, misses32, hits64K, misses64K int64) {
	m.bufferPoolMu.Lock()
	defer m.bufferPoolMu.Unlock()

	if d := hits32 - m.bufferPoolSeen.hits32; d > 0 {
		m.bufferPoolHits.WithLabelValues("32b").Add(float64(d))
	}
	if d := misses32 - m.bufferPoolSeen.misses32; d > 0 {
		m.bufferPoolMisses.WithLabelValues("32b").Add(float64(d))
	}
	if d := hits64K - m.bufferPoolSeen.hits64K; d > 0 {
		m.bufferPoolHits.WithLabelValues("64k").Add(float64(d))
	}
	if d := misses64K - m.bufferPoolSeen.misses64K; d > 0 {
		m.bufferPoolMisses.WithLabelValues("64k").Add(float64(d))
	}
	m.bufferPoolSeen = bufferPoolCounts{hits32, misses32, hits64K, misses64K}
}

// SetHardwareAccelerationStatus sets the hardware acceleration status metric.
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// GetHardwareAccelerationEnabledMetric returns the hardware acceleration
// enabled metric, for tests.
func (m *Metrics) GetHardwareAccelerationEnabledMetric() *prometheus.GaugeVec {
	return m.hardwareAccelerationEnabled
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector starts a goroutine that periodically updates
// system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts a trace ID from ctx and returns prometheus Labels
// for exemplar attachment, or nil if no valid span is active.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
