package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schaermu/gitstore/internal/git"
)

type fakeCommit struct {
	message string
	files   Snapshot
}

// fakeGit models one working copy and its remote in memory. The index is
// taken from the files on disk at Add time.
type fakeGit struct {
	layout Layout

	mu           sync.Mutex
	branch       string
	index        Snapshot
	head         Snapshot
	local        []fakeCommit
	remote       []fakeCommit
	pushFailures int // fail this many pushes, then succeed; -1 fails forever
	pushes       int
	rebases      int
	fetches      int
	pulls        int
	resets       int
	checkouts    []string
	delay        time.Duration
	// beforePush runs once, right before the next push reaches the remote
	beforePush func()

	active        atomic.Int32
	maxConcurrent atomic.Int32
}

var errRejected = errors.New("remote rejected push")

var _ git.Client = (*fakeGit)(nil)

func newFakeGit(layout Layout) *fakeGit {
	return &fakeGit{layout: layout, branch: "main"}
}

func (f *fakeGit) enter() func() {
	n := f.active.Add(1)
	for {
		m := f.maxConcurrent.Load()
		if n <= m || f.maxConcurrent.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return func() { f.active.Add(-1) }
}

func (f *fakeGit) Clone(context.Context, string, string, string) error { return nil }

func (f *fakeGit) Pull(_ context.Context, dir, _ string) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pulls++
	if !f.fastForwardLocked() && len(f.remote) > 0 {
		// Only used by tests without local commits: take the remote tip
		f.local = append([]fakeCommit(nil), f.remote...)
		f.head = f.remote[len(f.remote)-1].files.Clone()
		f.index = f.head.Clone()
		return writeSnapshot(dir, f.layout, f.head)
	}
	return nil
}

func (f *fakeGit) Fetch(context.Context, string, string) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return nil
}

// Rebase replays local commits the remote does not have on top of the
// remote tip
func (f *fakeGit) Rebase(_ context.Context, dir, _ string) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rebases++
	common := 0
	for common < len(f.local) && common < len(f.remote) && sameCommit(f.local[common], f.remote[common]) {
		common++
	}
	rebased := append([]fakeCommit(nil), f.remote...)
	rebased = append(rebased, f.local[common:]...)
	f.local = rebased
	f.head = nil
	if len(f.local) > 0 {
		f.head = f.local[len(f.local)-1].files.Clone()
	}
	f.index = f.head.Clone()
	return writeSnapshot(dir, f.layout, f.head)
}

func (f *fakeGit) ResetHard(_ context.Context, dir, _ string) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resets++
	f.local = append([]fakeCommit(nil), f.remote...)
	f.head = nil
	if len(f.remote) > 0 {
		f.head = f.remote[len(f.remote)-1].files.Clone()
	}
	f.index = f.head.Clone()
	return writeSnapshot(dir, f.layout, f.head)
}

func (f *fakeGit) Add(_ context.Context, dir string, _ ...string) error {
	defer f.enter()()
	snap, _, err := readSnapshot(dir, f.layout)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index = snap
	return nil
}

func (f *fakeGit) HasStagedChanges(context.Context, string, ...string) (bool, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index.Digest() != f.head.Digest(), nil
}

func (f *fakeGit) Commit(_ context.Context, _ string, message string) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = f.index.Clone()
	f.local = append(f.local, fakeCommit{message: message, files: f.head.Clone()})
	return nil
}

func (f *fakeGit) CurrentBranch(context.Context, string) (string, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branch, nil
}

func (f *fakeGit) Checkout(_ context.Context, _ string, branch string) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branch = branch
	f.checkouts = append(f.checkouts, branch)
	return nil
}

func (f *fakeGit) Push(context.Context, string, string) error {
	defer f.enter()()
	f.mu.Lock()
	hook := f.beforePush
	f.beforePush = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.pushes++
	if f.pushFailures != 0 {
		if f.pushFailures > 0 {
			f.pushFailures--
		}
		return errRejected
	}
	if !f.fastForwardLocked() {
		return fmt.Errorf("%w: ! [remote rejected] main -> main (failed to update ref)", git.ErrPushRejected)
	}
	f.remote = append([]fakeCommit(nil), f.local...)
	return nil
}

// fastForwardLocked reports whether remote is a prefix of local
func (f *fakeGit) fastForwardLocked() bool {
	if len(f.remote) > len(f.local) {
		return false
	}
	for i, c := range f.remote {
		if !sameCommit(c, f.local[i]) {
			return false
		}
	}
	return true
}

func sameCommit(a, b fakeCommit) bool {
	return a.message == b.message && a.files.Digest() == b.files.Digest()
}

func (f *fakeGit) rebaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rebases
}

func (f *fakeGit) setPushFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushFailures = n
}

func (f *fakeGit) remoteMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.remote))
	for _, c := range f.remote {
		out = append(out, c.message)
	}
	return out
}

func (f *fakeGit) remoteCommits() []fakeCommit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCommit(nil), f.remote...)
}

func (f *fakeGit) remoteHead() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.remote) == 0 {
		return nil
	}
	return f.remote[len(f.remote)-1].files
}

func (f *fakeGit) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

func (f *fakeGit) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

// pushRemote simulates another writer pushing files directly to the remote
func (f *fakeGit) pushRemote(message string, files Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, fakeCommit{message: message, files: files})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func joinPath(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}
