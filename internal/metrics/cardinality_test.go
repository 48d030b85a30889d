package metrics

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeRouteLabel(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/", "/"},
		{"/health", "/health"},
		{"/data/chunk", "/data/chunk"},
		{"/data/status/abc123", "/data/status/*"},
		{"/data/status/abc123/extra", "/data/status/*"},
		{"/data/chunk?foo=bar", "/data/chunk"},
		{"", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			result := sanitizeRouteLabel(tt.path)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRecordHTTPRequest_Cardinality(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHTTPRequest("/data/chunk", http.StatusOK, time.Millisecond)
	m.RecordHTTPRequest("/data/chunk", http.StatusOK, time.Millisecond)
	m.RecordHTTPRequest("/gr/process", http.StatusAccepted, time.Millisecond)

	countChunk := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/data/chunk", "OK"))
	assert.Equal(t, 2.0, countChunk)

	countProcess := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/gr/process", "Accepted"))
	assert.Equal(t, 1.0, countProcess)
}

func TestRecordGitOperation_CountsAndErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordGitOperation("clone", time.Millisecond, nil)
	m.RecordGitOperation("clone", time.Millisecond, assert.AnError)

	count := testutil.ToFloat64(m.gitOperationsTotal.WithLabelValues("clone"))
	assert.Equal(t, 2.0, count)

	errCount := testutil.ToFloat64(m.gitOperationErrors.WithLabelValues("clone"))
	assert.Equal(t, 1.0, errCount)
}
