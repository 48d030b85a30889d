package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/secure-git-relay/internal/allowlist"
	"github.com/kenneth/secure-git-relay/internal/audit"
	"github.com/kenneth/secure-git-relay/internal/config"
	"github.com/kenneth/secure-git-relay/internal/filestore"
	"github.com/kenneth/secure-git-relay/internal/metrics"
	"github.com/kenneth/secure-git-relay/internal/middleware"
	"github.com/kenneth/secure-git-relay/internal/repo"
	"github.com/kenneth/secure-git-relay/internal/session"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	sessions := session.NewStore(t.TempDir())
	repos := repo.NewManager(t.TempDir(), "test-pat")
	files := &filestore.Store{
		Sessions:    sessions,
		Backend:     &filestore.LocalBackend{Root: t.TempDir()},
		MaxFileSize: 1 << 20,
	}
	allow := allowlist.New(nil)
	cfg := &config.Config{
		AuthorName:     "Relay Bot",
		AuthorEmail:    "relay@example.com",
		CommitterName:  "Relay Bot",
		CommitterEmail: "relay@example.com",
	}
	auditLogger := audit.NewLogger(16, nil, nil)
	return NewHandler(sessions, repos, files, allow, cfg, testLogger(), m, auditLogger)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestHandleHealth(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.handleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestHandleChunk_MissingBinaryRejected(t *testing.T) {
	h := newTestHandler(t)
	payload := []byte(`{"sessionId":"s1","chunkIndex":0,"totalChunks":1}`)
	req := httptest.NewRequest(http.MethodPost, "/api/data/chunk", bytes.NewReader(payload))
	rec := httptest.NewRecorder()

	h.handleChunk(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChunk_StoresAndReportsCount(t *testing.T) {
	h := newTestHandler(t)
	payload := []byte(`{"sessionId":"s1","chunkIndex":0,"totalChunks":2}`)
	req := httptest.NewRequest(http.MethodPost, "/api/data/chunk", bytes.NewReader(payload))
	req = req.WithContext(middleware.WithBinary(req.Context(), []byte("chunk-bytes")))
	rec := httptest.NewRecorder()

	h.handleChunk(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["success"])
	require.Equal(t, float64(1), body["received"])
}

func TestHandleComplete_UnknownSessionIs404(t *testing.T) {
	h := newTestHandler(t)
	payload := []byte(`{"sessionId":"does-not-exist"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/data/complete", bytes.NewReader(payload))
	rec := httptest.NewRecorder()

	h.handleComplete(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleProcess_DisallowedRepoIsInvalidInput(t *testing.T) {
	h := newTestHandler(t)
	h.Allow = allowlist.New([]string{"myorg/*"})

	payload := []byte(`{"sessionId":"s1","repo":"other/repo","branch":"main"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/gr/process", bytes.NewReader(payload))
	rec := httptest.NewRecorder()

	h.handleProcess(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRemoteInfo_DisallowedRepoIsInvalidInput(t *testing.T) {
	h := newTestHandler(t)
	h.Allow = allowlist.New([]string{"myorg/*"})

	req := httptest.NewRequest(http.MethodGet, "/api/gr/remote-info?repo=other/repo&branch=main", nil)
	rec := httptest.NewRecorder()

	h.handleRemoteInfo(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleProcess_MalformedRepoIsInvalidInput(t *testing.T) {
	h := newTestHandler(t)
	payload := []byte(`{"sessionId":"s1","repo":"not-owner-slash-repo"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/gr/process", bytes.NewReader(payload))
	rec := httptest.NewRecorder()

	h.handleProcess(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFileStore_RejectsMissingFields(t *testing.T) {
	h := newTestHandler(t)
	payload := []byte(`{"sessionId":"s1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/file/store", bytes.NewReader(payload))
	rec := httptest.NewRecorder()

	h.handleFileStore(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFileStore_AcceptsThenProcessesAsync(t *testing.T) {
	h := newTestHandler(t)
	_, err := h.Sessions.StoreChunk("s1", 0, 1, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, h.Sessions.MarkComplete("s1"))

	size := int64(5)
	sha := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	payload, err := json.Marshal(fileStoreRequest{SessionID: "s1", FileName: "hello.txt", Size: &size, SHA256: sha})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/file/store", bytes.NewReader(payload))
	rec := httptest.NewRecorder()

	h.handleFileStore(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		snap, err := h.Sessions.GetSession("s1")
		return err == nil && snap.Status == session.StatusStored
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleStatus_UnknownSessionIs404(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/data/status/missing", nil)
	req = mux.SetURLVars(req, map[string]string{"sessionId": "missing"})
	rec := httptest.NewRecorder()

	h.handleStatus(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStatus_ReturnsSnapshot(t *testing.T) {
	h := newTestHandler(t)
	_, err := h.Sessions.StoreChunk("s1", 0, 2, []byte("a"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/data/status/s1", nil)
	req = mux.SetURLVars(req, map[string]string{"sessionId": "s1"})
	rec := httptest.NewRecorder()

	h.handleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "s1", body["sessionId"])
	require.Equal(t, string(session.StatusReceiving), body["status"])
}

func TestRegisterRoutes_WiresExpectedPaths(t *testing.T) {
	h := newTestHandler(t)
	r := mux.NewRouter()
	apiRouter := r.PathPrefix("/api").Subrouter()
	h.RegisterRoutes(r, apiRouter)

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/health"},
		{http.MethodPost, "/api/data/chunk"},
		{http.MethodPost, "/api/data/complete"},
		{http.MethodPost, "/api/gr/process"},
		{http.MethodPost, "/api/file/store"},
		{http.MethodGet, "/api/gr/remote-info"},
		{http.MethodGet, "/api/data/status/s1"},
	} {
		req := httptest.NewRequest(route.method, route.path, nil)
		var match mux.RouteMatch
		require.True(t, r.Match(req, &match), "expected a route for %s %s", route.method, route.path)
	}
}
