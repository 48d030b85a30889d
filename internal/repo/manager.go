// Package repo manages local working copies of managed GitHub repositories:
// clone-or-fetch on demand, branch checkout, and the per-"owner/repo" lock
// that serializes git operations against a given remote (without strict
// request-order fairness) while letting distinct repos proceed in parallel.
package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kenneth/secure-git-relay/internal/apierr"
	"github.com/kenneth/secure-git-relay/internal/gitops"
)

// Manager clones/fetches managed repositories under a root directory and
// checks out the requested branch against a base, returning the working
// directory path. Git failures are not mutex-related; callers are expected
// to call Get from inside the per-repo lock obtained via Locks.
type Manager struct {
	ReposRoot string
	PAT       string
	Locks     *LockTable
}

// NewManager builds a Manager rooted at reposRoot, authenticating clones
// with an embedded x-access-token PAT per spec.md §4.3.
func NewManager(reposRoot, pat string) *Manager {
	return &Manager{ReposRoot: reposRoot, PAT: pat, Locks: NewLockTable()}
}

// Key is the lock table key for a repo, "owner/repo".
func Key(owner, repo string) string {
	return owner + "/" + repo
}

// Get clones the repo if it is not present locally, otherwise fetches, then
// checks out branch reset to origin/baseBranch. It must be called while
// holding the lock for Key(owner, repo).
func (m *Manager) Get(ctx context.Context, owner, repoName, branch, baseBranch string, id gitops.Identity) (string, error) {
	ownerDir := filepath.Join(m.ReposRoot, owner)
	workDir := filepath.Join(ownerDir, repoName)
	gitDir := filepath.Join(workDir, ".git")

	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		if err := os.MkdirAll(ownerDir, 0o755); err != nil {
			return "", apierr.Newf(apierr.CodeGitError, "mkdir: %v", err)
		}
		url := fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", m.PAT, owner, repoName)
		if _, err := gitops.Clone(ctx, ownerDir, url, repoName, id); err != nil {
			return "", err
		}
	} else {
		if _, err := gitops.Fetch(ctx, workDir, id); err != nil {
			return "", err
		}
	}

	if _, err := gitops.CheckoutBranch(ctx, workDir, branch, baseBranch, id); err != nil {
		return "", err
	}
	return workDir, nil
}
