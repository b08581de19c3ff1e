// Package testutil provides git repository fixtures for tests that exercise
// the real git binary against local remotes.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when no git binary is available
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// Git runs a git command and fails the test on error, returning trimmed stdout
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@test.com",
		"GIT_CONFIG_NOSYSTEM=1",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// NewRemote creates a bare repository whose branch holds a single commit with
// a README, and returns its path. The path works as a clone URL.
func NewRemote(t *testing.T, branch string) string {
	t.Helper()
	RequireGit(t)

	root := t.TempDir()
	remote := filepath.Join(root, "remote.git")
	Git(t, root, "init", "--bare", "-b", branch, remote)

	seed := filepath.Join(root, "seed")
	Git(t, root, "clone", remote, seed)
	Git(t, seed, "checkout", "-B", branch)
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("# data\n"), 0644); err != nil {
		t.Fatal(err)
	}
	Git(t, seed, "add", "README.md")
	Git(t, seed, "commit", "-m", "Initial commit")
	Git(t, seed, "push", "origin", branch)

	return remote
}

// NewEmptyRemote creates a bare repository without any commits
func NewEmptyRemote(t *testing.T, branch string) string {
	t.Helper()
	RequireGit(t)

	remote := filepath.Join(t.TempDir(), "empty.git")
	Git(t, filepath.Dir(remote), "init", "--bare", "-b", branch, remote)
	return remote
}

// PushFile commits content at path on branch of remote from a throwaway
// clone, simulating another writer.
func PushFile(t *testing.T, remote, branch, path, content, msg string) {
	t.Helper()
	work := filepath.Join(t.TempDir(), "other")
	Git(t, filepath.Dir(work), "clone", "--branch", branch, remote, work)
	full := filepath.Join(work, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	Git(t, work, "add", path)
	Git(t, work, "commit", "-m", msg)
	Git(t, work, "push", "origin", branch)
}

// RemoteFile returns the content of path at the tip of branch in a bare remote
func RemoteFile(t *testing.T, remote, branch, path string) string {
	t.Helper()
	cmd := exec.Command("git", "--git-dir", remote, "show", branch+":"+path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git show %s:%s: %v: %s", branch, path, err, out)
	}
	return string(out)
}

// RemoteSubjects returns commit subjects on branch, newest first
func RemoteSubjects(t *testing.T, remote, branch string) []string {
	t.Helper()
	out := Git(t, "", "--git-dir", remote, "log", "--format=%s", branch)
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}
