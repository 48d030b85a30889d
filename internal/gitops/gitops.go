// Package gitops wraps the installed git executable as the relay's sole
// collaborator for repository mutation: bundle import, mbox patch
// application, push, and remote ref lookup. Operations on a working copy run
// with their working directory pinned to it (Clone runs in the parent
// directory, GetRemoteInfo in the current one) and leave no temp state behind
// on any exit path.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/kenneth/secure-git-relay/internal/apierr"
	"github.com/kenneth/secure-git-relay/internal/tracing"
)

// Identity carries the author/committer environment every git invocation
// that creates a commit must see.
type Identity struct {
	AuthorName     string
	AuthorEmail    string
	CommitterName  string
	CommitterEmail string
}

func (id Identity) env() []string {
	return append(os.Environ(),
		"GIT_AUTHOR_NAME="+id.AuthorName,
		"GIT_AUTHOR_EMAIL="+id.AuthorEmail,
		"GIT_COMMITTER_NAME="+id.CommitterName,
		"GIT_COMMITTER_EMAIL="+id.CommitterEmail,
	)
}

// run executes git with args in dir, returning combined stderr on failure so
// the caller can annotate a GIT_ERROR with the failing operation.
func run(ctx context.Context, dir string, id Identity, args ...string) (stdout string, err error) {
	op := "git"
	if len(args) > 0 {
		op = args[0]
	}
	spanCtx, span := tracing.StartGitSpan(ctx, op)
	defer span.End()

	cmd := exec.CommandContext(spanCtx, "git", args...)
	cmd.Dir = dir
	cmd.Env = id.env()
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(errBuf.String()))
	}
	return out.String(), nil
}

// ApplyPatch writes mboxBytes to a temp file, pre-validates it parses as a
// mailbox patch series, and runs `git am`. On failure it attempts `git am
// --abort` (ignoring that command's own failure) so the working tree is left
// clean for the next operation against this repo.
func ApplyPatch(ctx context.Context, repoDir string, mboxBytes []byte, id Identity) error {
	if _, _, err := gitdiff.Parse(bytes.NewReader(mboxBytes)); err != nil {
		return apierr.Newf(apierr.CodeGitError, "apply_patch: patch series does not parse: %v", err)
	}

	tmp, err := os.CreateTemp("", "relay-patch-*.mbox")
	if err != nil {
		return apierr.Newf(apierr.CodeGitError, "apply_patch: %v", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(mboxBytes); err != nil {
		tmp.Close()
		return apierr.Newf(apierr.CodeGitError, "apply_patch: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return apierr.Newf(apierr.CodeGitError, "apply_patch: %v", err)
	}

	if _, err := run(ctx, repoDir, id, "am", "--3way", "--committer-date-is-author-date", tmp.Name()); err != nil {
		_, _ = run(ctx, repoDir, id, "am", "--abort")
		return apierr.Newf(apierr.CodeGitError, "apply_patch: %v", err)
	}
	return nil
}

// PushBranch force-with-lease pushes branch and returns the new HEAD sha.
func PushBranch(ctx context.Context, repoDir, branch string, id Identity) (string, error) {
	if _, err := run(ctx, repoDir, id, "push", "--force-with-lease", "origin", branch); err != nil {
		return "", apierr.Newf(apierr.CodeGitError, "push_branch: %v", err)
	}
	out, err := run(ctx, repoDir, id, "rev-parse", "HEAD")
	if err != nil {
		return "", apierr.Newf(apierr.CodeGitError, "push_branch: %v", err)
	}
	return strings.TrimSpace(out), nil
}

// ApplyBundle verifies a git bundle, imports it into a session-scoped ref
// without touching the working tree, pushes it onto branch, and removes the
// scratch ref regardless of whether the push succeeded.
func ApplyBundle(ctx context.Context, repoDir string, bundleBytes []byte, branch, sessionID string, id Identity) (string, error) {
	tmpDir, err := os.MkdirTemp("", "relay-bundle-*")
	if err != nil {
		return "", apierr.Newf(apierr.CodeGitError, "apply_bundle: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	bundlePath := filepath.Join(tmpDir, "payload.bundle")
	if err := os.WriteFile(bundlePath, bundleBytes, 0o600); err != nil {
		return "", apierr.Newf(apierr.CodeGitError, "apply_bundle: %v", err)
	}

	scratchRef := "refs/relay/" + sessionID
	defer func() { _, _ = run(ctx, repoDir, id, "update-ref", "-d", scratchRef) }()

	if _, err := run(ctx, repoDir, id, "bundle", "verify", bundlePath); err != nil {
		return "", apierr.Newf(apierr.CodeGitError, "apply_bundle: verify: %v", err)
	}
	if _, err := run(ctx, repoDir, id, "fetch", bundlePath, branch+":"+scratchRef); err != nil {
		return "", apierr.Newf(apierr.CodeGitError, "apply_bundle: fetch: %v", err)
	}
	shaOut, err := run(ctx, repoDir, id, "rev-parse", scratchRef)
	if err != nil {
		return "", apierr.Newf(apierr.CodeGitError, "apply_bundle: rev-parse: %v", err)
	}
	sha := strings.TrimSpace(shaOut)
	if _, err := run(ctx, repoDir, id, "push", "origin", scratchRef+":refs/heads/"+branch); err != nil {
		return "", apierr.Newf(apierr.CodeGitError, "apply_bundle: push: %v", err)
	}
	return sha, nil
}

// Clone clones url into dirName under parentDir.
func Clone(ctx context.Context, parentDir, url, dirName string, id Identity) (string, error) {
	if _, err := run(ctx, parentDir, id, "clone", url, dirName); err != nil {
		return "", apierr.Newf(apierr.CodeGitError, "clone: %v", err)
	}
	return filepath.Join(parentDir, dirName), nil
}

// Fetch runs `git fetch origin` in an existing working copy.
func Fetch(ctx context.Context, repoDir string, id Identity) (string, error) {
	if _, err := run(ctx, repoDir, id, "fetch", "origin"); err != nil {
		return "", apierr.Newf(apierr.CodeGitError, "fetch: %v", err)
	}
	return repoDir, nil
}

// CheckoutBranch creates or resets the local branch to origin/baseBranch,
// discarding any prior local state on that branch.
func CheckoutBranch(ctx context.Context, repoDir, branch, baseBranch string, id Identity) (string, error) {
	if _, err := run(ctx, repoDir, id, "checkout", "-B", branch, "origin/"+baseBranch); err != nil {
		return "", apierr.Newf(apierr.CodeGitError, "checkout: %v", err)
	}
	return repoDir, nil
}

// GetRemoteInfo returns the sha of refs/heads/<branch> on remoteURL, or ""
// if the ref does not exist.
func GetRemoteInfo(ctx context.Context, remoteURL, branch string, id Identity) (string, error) {
	out, err := run(ctx, ".", id, "ls-remote", remoteURL, "refs/heads/"+branch)
	if err != nil {
		return "", apierr.Newf(apierr.CodeGitError, "get_remote_info: %v", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", nil
	}
	tab := strings.IndexByte(out, '\t')
	if tab < 0 {
		return "", apierr.New(apierr.CodeGitError, "get_remote_info: unexpected ls-remote output")
	}
	return out[:tab], nil
}
