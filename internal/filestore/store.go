// Package filestore implements the relay's durable file path of spec.md
// §4.5: reassemble, verify size and checksum, and write to a backend-
// specific durable location under a date-sharded path.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kenneth/secure-git-relay/internal/apierr"
	"github.com/kenneth/secure-git-relay/internal/session"
)

// Backend is where verified file bytes are durably written.
type Backend interface {
	// Write stores data at the dated/sanitized path, returning an error if the
	// destination already exists.
	Write(ctx context.Context, path string, data []byte) error
}

// Store verifies and persists reassembled session payloads.
type Store struct {
	Sessions        *session.Store
	Backend         Backend
	MaxFileSize     int64
}

var sha256HexPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)
var unsafeChars = regexp.MustCompile(`[\x00-\x1f\x7f/\\:*?"<>|]`)
var underscoreRuns = regexp.MustCompile(`_+`)

// Sanitize implements spec.md §4.5 step 5's filename sanitizer.
func Sanitize(fileName string) string {
	base := fileName
	if idx := strings.LastIndexAny(base, "/\\"); idx >= 0 {
		base = base[idx+1:]
	}
	base = unsafeChars.ReplaceAllString(base, "_")
	base = underscoreRuns.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_.")
	if base == "" {
		base = "unnamed"
	}
	return base
}

// Result is the outcome of a successful StoreFile call.
type Result struct {
	StoredPath string
	StoredSize int64
}

// StoreFile reassembles sessionID's chunks, validates size and SHA-256
// against the caller's claims, and writes the bytes to a dated,
// collision-checked path.
func (s *Store) StoreFile(ctx context.Context, sessionID, fileName string, expectedSize int64, expectedSHA256Hex string) (*Result, error) {
	if !sha256HexPattern.MatchString(strings.ToLower(expectedSHA256Hex)) {
		return nil, apierr.New(apierr.CodeInvalidInput, "sha256 must be a 64-character hex string")
	}

	data, err := s.Sessions.Reassemble(sessionID)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) != expectedSize {
		return nil, apierr.Newf(apierr.CodeSizeMismatch, "expected %d bytes, got %d", expectedSize, len(data)).
			WithExtra(map[string]interface{}{"expected": expectedSize, "received": len(data)})
	}
	if s.MaxFileSize > 0 && int64(len(data)) > s.MaxFileSize {
		return nil, apierr.Newf(apierr.CodeFileTooLarge, "file exceeds maximum size of %d bytes", s.MaxFileSize)
	}

	sum := sha256.Sum256(data)
	actualHex := hex.EncodeToString(sum[:])
	if !strings.EqualFold(actualHex, expectedSHA256Hex) {
		return nil, apierr.New(apierr.CodeSha256Mismatch, "checksum mismatch")
	}

	now := time.Now().UTC()
	path := fmt.Sprintf("%04d/%02d/%02d/%s-%s", now.Year(), now.Month(), now.Day(), sessionID, Sanitize(fileName))

	if err := s.Backend.Write(ctx, path, data); err != nil {
		if existsErr, ok := err.(*apierr.Error); ok {
			return nil, existsErr
		}
		return nil, apierr.Internal(err)
	}

	return &Result{StoredPath: path, StoredSize: int64(len(data))}, nil
}
