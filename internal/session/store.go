// Package session implements the chunked-upload state machine of spec.md
// §4.2: lazy session creation on first chunk, idempotent chunk writes,
// destructive reassembly, and the single compare-and-set finalize gate that
// guarantees at-most-one background job per session.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kenneth/secure-git-relay/internal/apierr"
)

// Status is one of the states in spec.md §4.2's transition diagram.
type Status string

const (
	StatusReceiving  Status = "receiving"
	StatusComplete   Status = "complete"
	StatusProcessing Status = "processing"
	StatusPushed     Status = "pushed"
	StatusStored     Status = "stored"
	StatusFailed     Status = "failed"
)

// Snapshot is the read-only view returned by GetSession / status polling.
type Snapshot struct {
	SessionID      string
	Status         Status
	Message        string
	Details        map[string]interface{}
	TotalChunks    int
	ReceivedChunks int
	CreatedAt      int64
	UpdatedAt      int64
}

type session struct {
	sessionID      string
	totalChunks    int
	receivedChunks map[int]struct{}
	status         Status
	message        string
	details        map[string]interface{}
	createdAt      int64
	updatedAt      int64
}

// Store is the in-memory session table plus its on-disk chunk directories.
// All mutating operations are linearizable with respect to a single
// session's status invariants, via a single table-wide mutex: the critical
// sections are O(1) outside of the disk I/O in storeChunk/reassemble, which
// is acceptable per spec.md §9's "atomicity by single mutex" design note.
type Store struct {
	mu           sync.Mutex
	sessions     map[string]*session
	sessionsRoot string
}

// NewStore roots chunk storage at sessionsRoot, which must already exist or
// be creatable by the first StoreChunk call.
func NewStore(sessionsRoot string) *Store {
	return &Store{sessions: make(map[string]*session), sessionsRoot: sessionsRoot}
}

func nowMS() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

func (s *Store) chunkDir(sessionID string) string {
	return filepath.Join(s.sessionsRoot, sessionID)
}

func (s *Store) chunkPath(sessionID string, index int) string {
	return filepath.Join(s.chunkDir(sessionID), fmt.Sprintf("chunk-%d.bin", index))
}

// StoreChunk writes chunk index's bytes to disk and returns the count of
// distinct chunk indices received so far. Creates the session lazily with
// status=receiving on the first chunk. Rejects writes once the session has
// left {receiving, complete}.
func (s *Store) StoreChunk(sessionID string, chunkIndex, totalChunks int, data []byte) (int, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{
			sessionID:      sessionID,
			totalChunks:    totalChunks,
			receivedChunks: make(map[int]struct{}),
			status:         StatusReceiving,
			details:        make(map[string]interface{}),
			createdAt:      nowMS(),
		}
		s.sessions[sessionID] = sess
	}
	if sess.status != StatusReceiving && sess.status != StatusComplete {
		s.mu.Unlock()
		return 0, apierr.New(apierr.CodeSessionCompleted, "session has already been finalized")
	}
	// totalChunks is overwritten by every chunk; a later mismatch is
	// last-writer-wins per the open question in spec.md §9 — not made strict.
	sess.totalChunks = totalChunks
	sess.receivedChunks[chunkIndex] = struct{}{}
	sess.updatedAt = nowMS()
	received := len(sess.receivedChunks)
	dir := s.chunkDir(sessionID)
	path := s.chunkPath(sessionID, chunkIndex)
	s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, apierr.Internal(fmt.Errorf("store chunk: mkdir: %w", err))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, apierr.Internal(fmt.Errorf("store chunk: write: %w", err))
	}
	return received, nil
}

// MarkComplete transitions receiving -> complete without verifying that all
// chunks are present; Reassemble re-verifies completeness, intentionally
// per spec.md §9.
func (s *Store) MarkComplete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return apierr.New(apierr.CodeSessionNotFound, "unknown session")
	}
	if sess.status == StatusReceiving {
		sess.status = StatusComplete
	}
	sess.updatedAt = nowMS()
	return nil
}

// StartProcessing is the single compare-and-set gate preventing duplicate
// finalization: only the first caller to see status in
// {receiving, complete} transitions it to processing.
func (s *Store) StartProcessing(sessionID string, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, apierr.New(apierr.CodeSessionNotFound, "unknown session")
	}
	if sess.status != StatusReceiving && sess.status != StatusComplete {
		return false, nil
	}
	sess.status = StatusProcessing
	sess.message = message
	sess.updatedAt = nowMS()
	return true, nil
}

// Reassemble requires every index in [0, totalChunks) to be present, reads
// them in order, concatenates, and destructively removes the on-disk
// directory. In-memory metadata is retained for status polling.
func (s *Store) Reassemble(sessionID string) ([]byte, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, apierr.New(apierr.CodeSessionNotFound, "unknown session")
	}
	total := sess.totalChunks
	received := len(sess.receivedChunks)
	s.mu.Unlock()

	if received != total {
		return nil, apierr.Newf(apierr.CodeIncompleteChunks, "expected %d chunks, received %d", total, received).
			WithExtra(map[string]interface{}{"expected": total, "received": received})
	}

	buf := make([]byte, 0)
	for i := 0; i < total; i++ {
		chunk, err := os.ReadFile(s.chunkPath(sessionID, i))
		if err != nil {
			return nil, apierr.Internal(fmt.Errorf("reassemble: read chunk %d: %w", i, err))
		}
		buf = append(buf, chunk...)
	}
	_ = os.RemoveAll(s.chunkDir(sessionID))
	return buf, nil
}

// SetStatus merges detailsPatch into the session's details map and updates
// status/message/updatedAt.
func (s *Store) SetStatus(sessionID string, status Status, message string, detailsPatch map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return apierr.New(apierr.CodeSessionNotFound, "unknown session")
	}
	sess.status = status
	sess.message = message
	for k, v := range detailsPatch {
		sess.details[k] = v
	}
	sess.updatedAt = nowMS()
	return nil
}

// SetFailed is a best-effort terminal transition: a missing session is
// silently ignored, since a background task must tolerate a session the TTL
// sweep has already reclaimed.
func (s *Store) SetFailed(sessionID string, errorString string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.status = StatusFailed
	sess.details["error"] = errorString
	sess.updatedAt = nowMS()
	s.mu.Unlock()
	_ = os.RemoveAll(s.chunkDir(sessionID))
}

// GetSession returns a point-in-time snapshot for status polling.
func (s *Store) GetSession(sessionID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Snapshot{}, apierr.New(apierr.CodeSessionNotFound, "unknown session")
	}
	details := make(map[string]interface{}, len(sess.details))
	for k, v := range sess.details {
		details[k] = v
	}
	return Snapshot{
		SessionID:      sess.sessionID,
		Status:         sess.status,
		Message:        sess.message,
		Details:        details,
		TotalChunks:    sess.totalChunks,
		ReceivedChunks: len(sess.receivedChunks),
		CreatedAt:      sess.createdAt,
		UpdatedAt:      sess.updatedAt,
	}, nil
}
