package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kenneth/secure-git-relay/internal/apierr"
)

// LocalBackend writes files under a root directory using a temp-and-rename
// write for atomicity, per spec.md §4.5 step 7.
type LocalBackend struct {
	Root string
}

func (b *LocalBackend) Write(ctx context.Context, path string, data []byte) error {
	full := filepath.Join(b.Root, filepath.FromSlash(path))
	if _, err := os.Stat(full); err == nil {
		return apierr.New(apierr.CodeFileExists, "destination already exists")
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
