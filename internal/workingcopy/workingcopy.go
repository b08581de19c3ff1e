// Package workingcopy keeps a local single-branch clone of a remote
// repository present and up to date.
package workingcopy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/schaermu/gitstore/internal/git"
)

// ErrSyncFailed wraps clone and pull failures. Callers keep working on
// whatever local data exists.
var ErrSyncFailed = errors.New("working copy sync failed")

// Spec describes the working copy to ensure
type Spec struct {
	RemoteURL string
	Path      string
	Branch    string
	// GitEnabled is false in local-only mode: no clone, pull or push ever
	// happens and the directory is a plain data directory.
	GitEnabled bool
	// KeepLocal lets files already in a non-empty Path win over the remote's
	// when the clone is placed around them. Otherwise the remote wins and
	// only files the remote lacks are left as they are.
	KeepLocal bool
	// Lock, if set, is held while files in Path are replaced
	Lock sync.Locker
}

// WorkingCopy is a local directory holding a clone of RemoteURL on Branch
type WorkingCopy struct {
	Path       string
	RemoteURL  string
	Branch     string
	GitEnabled bool
}

// Manager creates and refreshes working copies
type Manager struct {
	git    git.Client
	logger *slog.Logger
}

// NewManager creates a manager that runs git operations through client
func NewManager(client git.Client, logger *slog.Logger) *Manager {
	return &Manager{git: client, logger: logger}
}

// Ensure clones the remote into spec.Path if it has no .git directory and
// pulls otherwise. The returned WorkingCopy is usable even when err is
// non-nil; err then wraps ErrSyncFailed.
func (m *Manager) Ensure(ctx context.Context, spec Spec) (*WorkingCopy, error) {
	wc := &WorkingCopy{
		Path:       spec.Path,
		RemoteURL:  spec.RemoteURL,
		Branch:     spec.Branch,
		GitEnabled: spec.GitEnabled,
	}

	if !spec.GitEnabled {
		if err := os.MkdirAll(spec.Path, 0755); err != nil {
			return wc, fmt.Errorf("failed to create data directory: %w", err)
		}
		m.logger.Debug("git disabled, using local data directory", "path", spec.Path)
		return wc, nil
	}

	if !HasRepo(spec.Path) {
		if !isEmptyDir(spec.Path) {
			// Local writes made while the remote was unreachable
			if err := m.adopt(ctx, spec); err != nil {
				return wc, fmt.Errorf("%w: %w", ErrSyncFailed, err)
			}
			return wc, nil
		}
		m.logger.Info("cloning repository", "dest", spec.Path, "branch", spec.Branch)
		if err := m.git.Clone(ctx, spec.RemoteURL, spec.Branch, spec.Path); err != nil {
			// Leave a usable directory behind for local writes
			_ = os.MkdirAll(spec.Path, 0755)
			return wc, fmt.Errorf("%w: %w", ErrSyncFailed, err)
		}
		return wc, nil
	}

	m.logger.Debug("pulling repository", "path", spec.Path, "branch", spec.Branch)
	if err := m.git.Pull(ctx, spec.Path, spec.Branch); err != nil {
		if errors.Is(err, git.ErrRemoteBranchMissing) {
			// Nothing has been pushed yet; the first push creates the branch
			m.logger.Debug("remote branch does not exist yet", "branch", spec.Branch)
			return wc, nil
		}
		return wc, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	return wc, nil
}

// adopt clones next to spec.Path and moves the clone's git metadata and
// files into it, so the directory itself never disappears
func (m *Manager) adopt(ctx context.Context, spec Spec) error {
	m.logger.Info("cloning repository into existing directory", "dest", spec.Path, "branch", spec.Branch, "keep_local", spec.KeepLocal)

	tmp, err := os.MkdirTemp(filepath.Dir(spec.Path), "."+filepath.Base(spec.Path)+"-clone-")
	if err != nil {
		return fmt.Errorf("failed to create clone directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(tmp)
	}()

	if err := m.git.Clone(ctx, spec.RemoteURL, spec.Branch, tmp); err != nil {
		return err
	}

	if spec.Lock != nil {
		spec.Lock.Lock()
		defer spec.Lock.Unlock()
	}

	err = filepath.WalkDir(tmp, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(tmp, p)
		if err != nil {
			return err
		}
		if rel == ".git" {
			return fs.SkipDir
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		dest := filepath.Join(spec.Path, rel)
		if spec.KeepLocal {
			if _, err := os.Lstat(dest); err == nil {
				return nil
			}
		}
		return copyFile(p, dest)
	})
	if err != nil {
		return fmt.Errorf("failed to merge clone into %s: %w", spec.Path, err)
	}

	// Metadata last: until it is in place the directory is not a repo
	if err := os.Rename(filepath.Join(tmp, ".git"), filepath.Join(spec.Path, ".git")); err != nil {
		return fmt.Errorf("failed to move git metadata: %w", err)
	}
	return nil
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, info.Mode().Perm())
}

// isEmptyDir reports whether dir is missing or has no entries
func isEmptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err != nil || len(entries) == 0
}

// HasRepo reports whether dir contains git metadata
func HasRepo(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}
