// Package api wires the relay's HTTP surface: route registration and the
// request handlers for the chunked-upload, finalize, and status-polling
// endpoints of spec.md §4.6.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/kenneth/secure-git-relay/internal/allowlist"
	"github.com/kenneth/secure-git-relay/internal/apierr"
	"github.com/kenneth/secure-git-relay/internal/audit"
	"github.com/kenneth/secure-git-relay/internal/config"
	"github.com/kenneth/secure-git-relay/internal/filestore"
	"github.com/kenneth/secure-git-relay/internal/gitops"
	"github.com/kenneth/secure-git-relay/internal/metrics"
	"github.com/kenneth/secure-git-relay/internal/middleware"
	"github.com/kenneth/secure-git-relay/internal/repo"
	"github.com/kenneth/secure-git-relay/internal/session"
	"github.com/sirupsen/logrus"
)

// Handler holds every collaborator a route needs: the session state machine,
// the repo manager and its per-repo locks, the file store, the allowlist
// gate, and the ambient logging/metrics/audit stack.
type Handler struct {
	Sessions  *session.Store
	Repos     *repo.Manager
	Files     *filestore.Store
	Allow     *allowlist.List
	Cfg       *config.Config
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
	Audit     audit.Logger
	Identity  gitops.Identity
}

// NewHandler builds a Handler from its collaborators.
func NewHandler(sessions *session.Store, repos *repo.Manager, files *filestore.Store, allow *allowlist.List, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics, auditLogger audit.Logger) *Handler {
	return &Handler{
		Sessions: sessions,
		Repos:    repos,
		Files:    files,
		Allow:    allow,
		Cfg:      cfg,
		Logger:   logger,
		Metrics:  m,
		Audit:    auditLogger,
		Identity: gitops.Identity{
			AuthorName:     cfg.AuthorName,
			AuthorEmail:    cfg.AuthorEmail,
			CommitterName:  cfg.CommitterName,
			CommitterEmail: cfg.CommitterEmail,
		},
	}
}

// RegisterRoutes registers the health endpoint (unauthenticated) and the
// authenticated /api/* routes. Auth and envelope-decrypt middleware are
// applied to apiRouter by the caller (cmd/relay), not here, so this function
// stays a pure route map.
func (h *Handler) RegisterRoutes(r *mux.Router, apiRouter *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	apiRouter.HandleFunc("/data/chunk", h.handleChunk).Methods(http.MethodPost)
	apiRouter.HandleFunc("/data/complete", h.handleComplete).Methods(http.MethodPost)
	apiRouter.HandleFunc("/gr/process", h.handleProcess).Methods(http.MethodPost)
	apiRouter.HandleFunc("/file/store", h.handleFileStore).Methods(http.MethodPost)
	apiRouter.HandleFunc("/gr/remote-info", h.handleRemoteInfo).Methods(http.MethodGet)
	apiRouter.HandleFunc("/data/status/{sessionId}", h.handleStatus).Methods(http.MethodGet)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) recordRequest(start time.Time, route string, status int) {
	h.Metrics.RecordHTTPRequest(route, status, time.Since(start))
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apierr.New(apierr.CodeInvalidInput, "request body is not valid JSON")
	}
	return nil
}

type chunkRequest struct {
	SessionID   string `json:"sessionId"`
	ChunkIndex  *int   `json:"chunkIndex"`
	TotalChunks *int   `json:"totalChunks"`
}

func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req chunkRequest
	if err := decodeBody(r, &req); err != nil {
		middleware.WriteError(w, err.(*apierr.Error))
		h.recordRequest(start, "data_chunk", 400)
		return
	}
	binary := middleware.BinaryFromContext(r.Context())

	if req.SessionID == "" || req.ChunkIndex == nil || req.TotalChunks == nil ||
		*req.TotalChunks <= 0 || *req.ChunkIndex < 0 || *req.ChunkIndex >= *req.TotalChunks || len(binary) == 0 {
		apiErr := apierr.New(apierr.CodeInvalidInput, "sessionId, chunkIndex, totalChunks, and a non-empty chunk body are required")
		middleware.WriteError(w, apiErr)
		h.recordRequest(start, "data_chunk", apiErr.Status)
		return
	}

	received, err := h.Sessions.StoreChunk(req.SessionID, *req.ChunkIndex, *req.TotalChunks, binary)
	if err != nil {
		h.Metrics.RecordChunkReceived("rejected")
		h.writeErr(w, err)
		h.recordRequest(start, "data_chunk", statusOf(err))
		return
	}

	h.Metrics.RecordChunkReceived("ok")
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "received": received})
	h.recordRequest(start, "data_chunk", http.StatusOK)
}

type completeRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req completeRequest
	if err := decodeBody(r, &req); err != nil {
		middleware.WriteError(w, err.(*apierr.Error))
		h.recordRequest(start, "data_complete", 400)
		return
	}
	if err := h.Sessions.MarkComplete(req.SessionID); err != nil {
		h.writeErr(w, err)
		h.recordRequest(start, "data_complete", statusOf(err))
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{"success": true})
	h.recordRequest(start, "data_complete", http.StatusAccepted)
}

type processRequest struct {
	SessionID  string `json:"sessionId"`
	Repo       string `json:"repo"`
	Branch     string `json:"branch"`
	BaseBranch string `json:"baseBranch"`
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req processRequest
	if err := decodeBody(r, &req); err != nil {
		middleware.WriteError(w, err.(*apierr.Error))
		h.recordRequest(start, "gr_process", 400)
		return
	}

	owner, repoName, err := splitOwnerRepo(req.Repo)
	if err != nil {
		middleware.WriteError(w, err)
		h.recordRequest(start, "gr_process", err.Status)
		return
	}
	if !h.Allow.Allowed(owner, repoName) {
		apiErr := apierr.New(apierr.CodeInvalidInput, "repository is not in the configured allowlist")
		middleware.WriteError(w, apiErr)
		h.recordRequest(start, "gr_process", apiErr.Status)
		return
	}

	ok, startErr := h.Sessions.StartProcessing(req.SessionID, "processing")
	if startErr != nil {
		h.writeErr(w, startErr)
		h.recordRequest(start, "gr_process", statusOf(startErr))
		return
	}
	if !ok {
		h.writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "processing"})
		h.recordRequest(start, "gr_process", http.StatusAccepted)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "processing"})
	h.recordRequest(start, "gr_process", http.StatusAccepted)

	go h.runFinalizeBundle(req.SessionID, owner, repoName, req.Branch, req.BaseBranch)
}

func (h *Handler) runFinalizeBundle(sessionID, owner, repoName, branch, baseBranch string) {
	key := repo.Key(owner, repoName)
	h.Repos.Locks.With(key, func() {
		ctx := context.Background()
		data, err := h.Sessions.Reassemble(sessionID)
		if err != nil {
			h.Sessions.SetFailed(sessionID, err.Error())
			h.auditFail("gr_process", sessionID, err)
			return
		}
		workDir, err := h.Repos.Get(ctx, owner, repoName, branch, baseBranch, h.Identity)
		if err != nil {
			h.Sessions.SetFailed(sessionID, err.Error())
			h.Metrics.RecordSessionFinalized("failed")
			h.auditFail("gr_process", sessionID, err)
			return
		}
		gitStart := time.Now()
		sha, err := gitops.ApplyBundle(ctx, workDir, data, branch, sessionID, h.Identity)
		h.Metrics.RecordGitOperation("apply_bundle", time.Since(gitStart), err)
		if err != nil {
			h.Sessions.SetFailed(sessionID, err.Error())
			h.Metrics.RecordSessionFinalized("failed")
			h.auditFail("gr_process", sessionID, err)
			return
		}
		commitURL := fmt.Sprintf("https://github.com/%s/%s/commit/%s", owner, repoName, sha)
		_ = h.Sessions.SetStatus(sessionID, session.StatusPushed, "pushed", map[string]interface{}{
			"commitSha": sha,
			"commitUrl": commitURL,
		})
		h.Metrics.RecordSessionFinalized("pushed")
		h.auditSuccess("gr_process", sessionID, map[string]interface{}{"commitSha": sha})
	})
}

type fileStoreRequest struct {
	SessionID string  `json:"sessionId"`
	FileName  string  `json:"fileName"`
	Size      *int64  `json:"size"`
	SHA256    string  `json:"sha256"`
}

func (h *Handler) handleFileStore(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req fileStoreRequest
	if err := decodeBody(r, &req); err != nil {
		middleware.WriteError(w, err.(*apierr.Error))
		h.recordRequest(start, "file_store", 400)
		return
	}
	if req.SessionID == "" || req.FileName == "" || req.Size == nil || *req.Size <= 0 {
		apiErr := apierr.New(apierr.CodeInvalidInput, "sessionId, fileName, and a positive size are required")
		middleware.WriteError(w, apiErr)
		h.recordRequest(start, "file_store", apiErr.Status)
		return
	}

	ok, startErr := h.Sessions.StartProcessing(req.SessionID, "processing")
	if startErr != nil {
		h.writeErr(w, startErr)
		h.recordRequest(start, "file_store", statusOf(startErr))
		return
	}
	if !ok {
		h.writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "processing"})
		h.recordRequest(start, "file_store", http.StatusAccepted)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "processing"})
	h.recordRequest(start, "file_store", http.StatusAccepted)

	go func() {
		ctx := context.Background()
		result, err := h.Files.StoreFile(ctx, req.SessionID, req.FileName, *req.Size, req.SHA256)
		if err != nil {
			h.Sessions.SetFailed(req.SessionID, err.Error())
			h.Metrics.RecordFileStoreOperation(apierr.CodeOf(err))
			h.Metrics.RecordSessionFinalized("failed")
			h.auditFail("file_store", req.SessionID, err)
			return
		}
		_ = h.Sessions.SetStatus(req.SessionID, session.StatusStored, "stored", map[string]interface{}{
			"storedPath": result.StoredPath,
			"storedSize": result.StoredSize,
		})
		h.Metrics.RecordFileStoreOperation("stored")
		h.Metrics.RecordSessionFinalized("stored")
		h.auditSuccess("file_store", req.SessionID, map[string]interface{}{"storedPath": result.StoredPath})
	}()
}

func (h *Handler) handleRemoteInfo(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	repoParam := r.URL.Query().Get("repo")
	branch := r.URL.Query().Get("branch")
	owner, repoName, err := splitOwnerRepo(repoParam)
	if err != nil {
		middleware.WriteError(w, err)
		h.recordRequest(start, "gr_remote_info", err.Status)
		return
	}
	if !h.Allow.Allowed(owner, repoName) {
		apiErr := apierr.New(apierr.CodeInvalidInput, "repository is not in the configured allowlist")
		middleware.WriteError(w, apiErr)
		h.recordRequest(start, "gr_remote_info", apiErr.Status)
		return
	}
	url := fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", h.Cfg.GitHubPAT, owner, repoName)
	sha, gitErr := gitops.GetRemoteInfo(r.Context(), url, branch, h.Identity)
	if gitErr != nil {
		h.writeErr(w, gitErr)
		h.recordRequest(start, "gr_remote_info", statusOf(gitErr))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"sha": sha})
	h.recordRequest(start, "gr_remote_info", http.StatusOK)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sessionID := mux.Vars(r)["sessionId"]
	snap, err := h.Sessions.GetSession(sessionID)
	if err != nil {
		h.writeErr(w, err)
		h.recordRequest(start, "data_status", statusOf(err))
		return
	}
	details := map[string]interface{}{
		"chunksReceived": snap.ReceivedChunks,
		"totalChunks":    snap.TotalChunks,
	}
	for k, v := range snap.Details {
		details[k] = v
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": snap.SessionID,
		"status":    snap.Status,
		"message":   snap.Message,
		"details":   details,
	})
	h.recordRequest(start, "data_status", http.StatusOK)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Internal(err)
	}
	middleware.WriteError(w, apiErr)
}

func statusOf(err error) int {
	if apiErr, ok := apierr.As(err); ok {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}

func splitOwnerRepo(s string) (string, string, *apierr.Error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", apierr.New(apierr.CodeInvalidInput, "repo must be in the form owner/repo")
	}
	return parts[0], parts[1], nil
}

func (h *Handler) auditFail(action, sessionID string, err error) {
	if h.Audit == nil {
		return
	}
	h.Audit.Log(audit.Event{
		Action:     action,
		SessionID:  sessionID,
		Outcome:    "failed",
		Detail:     err.Error(),
		OccurredAt: time.Now().UTC(),
	})
}

func (h *Handler) auditSuccess(action, sessionID string, extra map[string]interface{}) {
	if h.Audit == nil {
		return
	}
	detail, _ := json.Marshal(extra)
	h.Audit.Log(audit.Event{
		Action:     action,
		SessionID:  sessionID,
		Outcome:    "success",
		Detail:     string(detail),
		OccurredAt: time.Now().UTC(),
	})
}
