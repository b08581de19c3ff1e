// Package store persists typed values as YAML files inside a git working
// copy. Writes are durable on local disk when Write returns; commits and
// pushes happen in the background, one at a time per store, and failed
// pushes are retried with backoff.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/schaermu/gitstore/internal/git"
	"github.com/schaermu/gitstore/internal/queue"
	"github.com/schaermu/gitstore/internal/retry"
	"github.com/schaermu/gitstore/internal/workingcopy"
)

var tracer = otel.Tracer("github.com/schaermu/gitstore/internal/store")

// maxRebases bounds how often a rejected push is rebased and pushed again
// within one job
const maxRebases = 3

// Status is the sync state of one store
type Status struct {
	GitEnabled        bool      `json:"git_enabled"`
	HasPendingChanges bool      `json:"has_pending_changes"`
	SyncInProgress    bool      `json:"sync_in_progress"`
	RetryCount        int       `json:"retry_count"`
	GaveUp            bool      `json:"gave_up"`
	LastSyncedAt      time.Time `json:"last_synced_at,omitzero"`
	LastError         string    `json:"last_error,omitempty"`
}

// Options configures a store
type Options[T any] struct {
	// Name identifies the store in logs and commit messages
	Name   string
	Layout Layout
	Codec  Codec[T]
	// InitializeIfMissing writes the codec default to disk (without
	// committing it) when the tracked path does not exist yet
	InitializeIfMissing bool

	Git git.Client
	// Manager re-runs working copy sync before a retry or refresh when the
	// initial clone never happened. Nil skips it.
	Manager Ensurer
	Backoff retry.Backoff
	Clock   retry.Clock
	// StateFile persists pending state across restarts; empty disables it
	StateFile string
	Logger    *slog.Logger
}

// Ensurer is satisfied by *workingcopy.Manager
type Ensurer interface {
	Ensure(ctx context.Context, spec workingcopy.Spec) (*workingcopy.WorkingCopy, error)
}

type pendingChange struct {
	version uint64
	message string
}

// Store is a git-backed store of one value of type T
type Store[T any] struct {
	name                string
	wc                  *workingcopy.WorkingCopy
	layout              Layout
	codec               Codec[T]
	initializeIfMissing bool
	git                 git.Client
	manager             Ensurer
	clock               retry.Clock
	stateFile           string
	logger              *slog.Logger

	queue *queue.Queue
	retry *retry.Scheduler

	mu         sync.Mutex // guards the tracked files on disk and the fields below
	version    uint64
	latest     Snapshot
	digest     string
	pending    *pendingChange
	lastSynced time.Time
	lastErr    string
	closed     bool
}

// New opens a store on an ensured working copy. A pending change recorded by
// an earlier process is re-enqueued.
func New[T any](wc *workingcopy.WorkingCopy, opts Options[T]) (*Store[T], error) {
	if wc == nil {
		return nil, errors.New("working copy is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("codec is required")
	}
	if err := opts.Layout.validate(); err != nil {
		return nil, err
	}
	if wc.GitEnabled && opts.Git == nil {
		return nil, errors.New("git client is required when git is enabled")
	}
	if opts.Clock == nil {
		opts.Clock = retry.RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = opts.Layout.Path
	}

	logger := opts.Logger.With("store", opts.Name)
	s := &Store[T]{
		name:                opts.Name,
		wc:                  wc,
		layout:              opts.Layout,
		codec:               opts.Codec,
		initializeIfMissing: opts.InitializeIfMissing,
		git:                 opts.Git,
		manager:             opts.Manager,
		clock:               opts.Clock,
		stateFile:           opts.StateFile,
		logger:              logger,
		queue:               queue.New(logger),
	}
	s.retry = retry.New(opts.Backoff, opts.Clock, s.attemptRetry, logger)

	snap, exists, err := readSnapshot(wc.Path, s.layout)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.layout.Path, err)
	}
	s.latest = snap
	s.digest = snap.Digest()
	if !exists && s.initializeIfMissing {
		if err := s.initializeLocked(); err != nil {
			return nil, err
		}
	}

	if err := s.resume(); err != nil {
		logger.Warn("failed to load sync state", "error", err)
	}
	return s, nil
}

// resume restores persisted state and re-enqueues a pending change
func (s *Store[T]) resume() error {
	if s.stateFile == "" {
		return nil
	}
	state, err := LoadState(s.stateFile)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSynced = state.LastSyncedAt
	s.lastErr = state.LastError
	resume := state.Pending && s.wc.GitEnabled && s.latest != nil
	if resume {
		s.pending = &pendingChange{version: s.version, message: state.Message}
	}
	s.mu.Unlock()

	if resume {
		s.logger.Info("resuming pending sync from previous run")
		msg := state.Message
		if msg == "" {
			msg = s.message("sync pending changes")
		}
		s.enqueueCommit(msg, nil, 0)
	}
	return nil
}

// Name returns the store name
func (s *Store[T]) Name() string { return s.name }

// Path returns the absolute path of the working copy
func (s *Store[T]) Path() string { return s.wc.Path }

// Layout returns the tracked path inside the working copy
func (s *Store[T]) Layout() Layout { return s.layout }

// initializeLocked writes the codec default to disk without committing it.
// Must be called with s.mu held, or before the store is shared.
func (s *Store[T]) initializeLocked() error {
	snap, err := s.codec.Encode(s.codec.Default())
	if err == nil {
		err = writeSnapshot(s.wc.Path, s.layout, snap)
	}
	if err != nil {
		return fmt.Errorf("%w: initialize %s: %w", ErrLocalWriteFailed, s.layout.Path, err)
	}
	s.latest = snap
	s.digest = snap.Digest()
	s.logger.Info("initialized empty store file", "path", s.layout.Path)
	return nil
}

// ReadAll decodes the current on-disk state, or the codec default when the
// tracked path does not exist. Stores that initialize missing files write
// the default back first.
func (s *Store[T]) ReadAll() (T, error) {
	s.mu.Lock()
	snap, exists, err := readSnapshot(s.wc.Path, s.layout)
	if err == nil && !exists && s.initializeIfMissing && !s.closed {
		err = s.initializeLocked()
	}
	s.mu.Unlock()

	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to read %s: %w", s.name, err)
	}
	if !exists {
		return s.codec.Default(), nil
	}
	v, err := s.codec.Decode(snap)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to decode %s: %w", s.name, err)
	}
	return v, nil
}

// Write persists v to disk and enqueues a commit and push. It returns once
// the local write is done; push failures are retried in the background and
// are visible only through SyncStatus. An empty message selects a generated
// one.
func (s *Store[T]) Write(ctx context.Context, v T, message string) error {
	_, span := tracer.Start(ctx, "store.write", trace.WithAttributes(attribute.String("store", s.name)))
	defer span.End()

	snap, err := s.codec.Encode(v)
	if err == nil {
		err = s.layout.check(snap)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: encode %s: %w", ErrLocalWriteFailed, s.name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if message == "" {
		message = s.message(s.describe(v))
	}
	if err := writeSnapshot(s.wc.Path, s.layout, snap); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: write %s: %w", ErrLocalWriteFailed, s.name, err)
	}
	s.version++
	s.latest = snap
	s.digest = snap.Digest()

	if !s.wc.GitEnabled {
		s.logger.Debug("git disabled, keeping change local")
		return nil
	}

	// Enqueued under the lock so commit order matches write order
	s.retry.Rearm()
	s.enqueueCommit(message, snap, s.version)
	return nil
}

// SyncStatus reports pending and retry state
func (s *Store[T]) SyncStatus() Status {
	s.mu.Lock()
	st := Status{
		GitEnabled:        s.wc.GitEnabled,
		HasPendingChanges: s.pending != nil,
		LastSyncedAt:      s.lastSynced,
		LastError:         s.lastErr,
	}
	s.mu.Unlock()

	st.SyncInProgress = s.retry.InProgress() || s.queue.Busy()
	st.RetryCount = s.retry.RetryCount()
	st.GaveUp = s.retry.GaveUp()
	return st
}

// Flush waits until every job enqueued before the call has run
func (s *Store[T]) Flush(ctx context.Context) error {
	return s.wait(ctx, s.queue.Enqueue("flush", func(context.Context) error { return nil }))
}

// Sync commits any uncommitted tracked changes and pushes, waiting for the
// result. Failures are handed to the retry scheduler like any other push.
func (s *Store[T]) Sync(ctx context.Context) error {
	if !s.wc.GitEnabled {
		return nil
	}
	msg := s.message("sync local changes")
	return s.wait(ctx, s.queue.Enqueue("sync", func(ctx context.Context) error {
		return s.commit(ctx, msg, nil, 0)
	}))
}

// Refresh pulls remote changes into the working copy. It is skipped while a
// local change is waiting to be pushed.
func (s *Store[T]) Refresh(ctx context.Context) error {
	if !s.wc.GitEnabled {
		return nil
	}
	return s.wait(ctx, s.queue.Enqueue("refresh", s.refresh))
}

// NotifyExternalChange adopts tracked files edited outside the store and
// enqueues a commit for them. It reports whether anything changed.
func (s *Store[T]) NotifyExternalChange(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	snap, exists, err := readSnapshot(s.wc.Path, s.layout)
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("failed to read %s: %w", s.name, err)
	}
	if !exists || snap.Digest() == s.digest {
		s.mu.Unlock()
		return false, nil
	}
	s.version++
	s.latest = snap
	s.digest = snap.Digest()
	s.logger.Info("tracked files changed outside the store")

	if s.wc.GitEnabled {
		s.retry.Rearm()
		s.enqueueCommit(s.message("sync external edit"), snap, s.version)
	}
	s.mu.Unlock()
	return true, nil
}

// Close cancels retry timers and waits for queued jobs
func (s *Store[T]) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.retry.Stop()
	return s.queue.Close(ctx)
}

func (s *Store[T]) wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		if errors.Is(err, queue.ErrClosed) {
			return ErrClosed
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueCommit queues a commit of snap, the state written as version. A nil
// snap commits whatever is on disk when the job runs.
func (s *Store[T]) enqueueCommit(message string, snap Snapshot, version uint64) {
	s.queue.Enqueue("commit", func(ctx context.Context) error {
		return s.commit(ctx, message, snap, version)
	})
}

// commit is the queued job for an organic write: stage, commit, reconcile
// the branch and push
func (s *Store[T]) commit(ctx context.Context, message string, snap Snapshot, version uint64) error {
	ctx, span := tracer.Start(ctx, "store.commit", trace.WithAttributes(attribute.String("store", s.name)))
	defer span.End()

	s.mu.Lock()
	version, err := s.stage(ctx, snap, version)
	s.mu.Unlock()

	if err == nil {
		err = s.commitAndPush(ctx, message)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "push failed")
		s.pushFailed(message, err)
		s.retry.OnFailure()
		return fmt.Errorf("%w: %w", ErrPushFailed, err)
	}

	if s.pushSucceeded(version) {
		s.retry.Succeeded()
	}
	return nil
}

// stage adds snap to the index. If later writes already replaced it on disk,
// snap is written back for the duration of the add and the latest state is
// restored afterwards, so every write gets its own commit. Readers hold s.mu
// and never see the intermediate state. Must be called with s.mu held.
func (s *Store[T]) stage(ctx context.Context, snap Snapshot, version uint64) (uint64, error) {
	if snap == nil || version == s.version {
		return s.version, s.git.Add(ctx, s.wc.Path, s.layout.Path)
	}

	if err := writeSnapshot(s.wc.Path, s.layout, snap); err != nil {
		return version, fmt.Errorf("failed to stage %s: %w", s.layout.Path, err)
	}
	addErr := s.git.Add(ctx, s.wc.Path, s.layout.Path)
	if err := writeSnapshot(s.wc.Path, s.layout, s.latest); err != nil {
		return version, fmt.Errorf("failed to restore %s: %w", s.layout.Path, err)
	}
	return version, addErr
}

// attemptRetry runs one retry on the store's queue and waits for it
func (s *Store[T]) attemptRetry() error {
	return s.wait(context.Background(), s.queue.Enqueue("retry", s.retryPending))
}

// retryPending resets the working copy to the remote branch, rewrites the
// latest local state on top of it and pushes. Whatever the remote had for the
// tracked path is replaced.
func (s *Store[T]) retryPending(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "store.retry", trace.WithAttributes(attribute.String("store", s.name)))
	defer span.End()

	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()
	if p == nil {
		return nil
	}

	// The pending change is in memory, so local files may win
	if _, err := s.recoverClone(ctx, true); err != nil {
		return s.retryFailed(span, p.message, err)
	}

	err := s.git.Fetch(ctx, s.wc.Path, s.wc.Branch)
	remoteMissing := errors.Is(err, git.ErrRemoteBranchMissing)
	if err != nil && !remoteMissing {
		return s.retryFailed(span, p.message, err)
	}

	s.mu.Lock()
	version := s.version
	err = s.rebuild(ctx, !remoteMissing)
	s.mu.Unlock()

	if err == nil {
		err = s.commitAndPush(ctx, p.message)
	}
	if err != nil {
		return s.retryFailed(span, p.message, err)
	}

	s.pushSucceeded(version)
	return nil
}

// rebuild must be called with s.mu held
func (s *Store[T]) rebuild(ctx context.Context, reset bool) error {
	if err := s.ensureBranch(ctx); err != nil {
		return err
	}
	if reset {
		if err := s.git.ResetHard(ctx, s.wc.Path, "origin/"+s.wc.Branch); err != nil {
			return err
		}
	}
	if s.latest != nil {
		if err := writeSnapshot(s.wc.Path, s.layout, s.latest); err != nil {
			return fmt.Errorf("failed to rewrite %s: %w", s.layout.Path, err)
		}
	}
	return s.git.Add(ctx, s.wc.Path, s.layout.Path)
}

func (s *Store[T]) retryFailed(span trace.Span, message string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "retry failed")
	s.pushFailed(message, err)
	return fmt.Errorf("%w: %w", ErrPushFailed, err)
}

func (s *Store[T]) commitAndPush(ctx context.Context, message string) error {
	staged, err := s.git.HasStagedChanges(ctx, s.wc.Path, s.layout.Path)
	if err != nil {
		return err
	}
	if staged {
		if err := s.git.Commit(ctx, s.wc.Path, message); err != nil {
			return err
		}
		s.logger.Info("committed", "message", message)
	}
	if err := s.ensureBranch(ctx); err != nil {
		return err
	}
	for i := 0; ; i++ {
		err := s.git.Push(ctx, s.wc.Path, s.wc.Branch)
		if !errors.Is(err, git.ErrPushRejected) || i == maxRebases {
			return err
		}

		// Someone else pushed first, typically a sibling store on the same branch
		s.logger.Info("push rejected, rebasing onto remote branch", "attempt", i+1)
		if ferr := s.git.Fetch(ctx, s.wc.Path, s.wc.Branch); ferr != nil {
			return errors.Join(err, ferr)
		}
		s.mu.Lock()
		rerr := s.git.Rebase(ctx, s.wc.Path, "origin/"+s.wc.Branch)
		if rerr == nil && s.latest != nil {
			rerr = writeSnapshot(s.wc.Path, s.layout, s.latest)
		}
		s.mu.Unlock()
		if rerr != nil {
			return errors.Join(err, rerr)
		}
	}
}

func (s *Store[T]) ensureBranch(ctx context.Context) error {
	current, err := s.git.CurrentBranch(ctx, s.wc.Path)
	if err != nil {
		return err
	}
	if current == s.wc.Branch {
		return nil
	}
	s.logger.Info("switching to configured branch", "from", current, "to", s.wc.Branch)
	return s.git.Checkout(ctx, s.wc.Path, s.wc.Branch)
}

// refresh is the queued pull job
func (s *Store[T]) refresh(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "store.refresh", trace.WithAttributes(attribute.String("store", s.name)))
	defer span.End()

	s.mu.Lock()
	pending := s.pending != nil
	version := s.version
	s.mu.Unlock()
	if pending {
		s.logger.Info("local changes pending, skipping refresh")
		return nil
	}

	cloned, err := s.recoverClone(ctx, false)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	if !cloned {
		if err := s.git.Pull(ctx, s.wc.Path, s.wc.Branch); err != nil && !errors.Is(err, git.ErrRemoteBranchMissing) {
			span.RecordError(err)
			return fmt.Errorf("%w: %w", ErrSyncFailed, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.version != version {
		// A write landed during the pull; its commit job is queued behind us
		// and the local state wins.
		if s.latest != nil {
			return writeSnapshot(s.wc.Path, s.layout, s.latest)
		}
		return nil
	}
	snap, exists, err := readSnapshot(s.wc.Path, s.layout)
	if err != nil {
		return err
	}
	if exists {
		s.latest = snap
		s.digest = snap.Digest()
	}
	s.lastSynced = s.clock.Now()
	s.saveStateLocked()
	return nil
}

// recoverClone clones the remote around the working copy when an earlier
// clone failed. It reports whether it cloned. Must be called without s.mu
// held; the manager takes it while replacing files.
func (s *Store[T]) recoverClone(ctx context.Context, keepLocal bool) (bool, error) {
	if s.manager == nil || workingcopy.HasRepo(s.wc.Path) {
		return false, nil
	}
	s.logger.Info("working copy was never cloned, syncing it first")
	_, err := s.manager.Ensure(ctx, workingcopy.Spec{
		RemoteURL:  s.wc.RemoteURL,
		Path:       s.wc.Path,
		Branch:     s.wc.Branch,
		GitEnabled: s.wc.GitEnabled,
		KeepLocal:  keepLocal,
		Lock:       &s.mu,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store[T]) pushFailed(message string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = &pendingChange{version: s.version, message: message}
	s.lastErr = err.Error()
	s.saveStateLocked()
	s.logger.Warn("push failed, keeping change pending", "error", err)
}

// pushSucceeded clears the pending change if the pushed state covers it and
// reports whether nothing is pending anymore
func (s *Store[T]) pushSucceeded(version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil && s.pending.version <= version {
		s.pending = nil
	}
	s.lastSynced = s.clock.Now()
	s.lastErr = ""
	s.saveStateLocked()
	return s.pending == nil
}

func (s *Store[T]) saveStateLocked() {
	if s.stateFile == "" {
		return
	}
	state := &State{
		Pending:      s.pending != nil,
		Digest:       s.digest,
		LastSyncedAt: s.lastSynced,
		LastError:    s.lastErr,
	}
	if s.pending != nil {
		state.Message = s.pending.message
	}
	if err := saveState(s.stateFile, state); err != nil {
		s.logger.Warn("failed to save sync state", "error", err)
	}
}

// describe must be called with s.mu held
func (s *Store[T]) describe(next T) string {
	d, ok := s.codec.(Describer[T])
	if !ok {
		return "update " + s.layout.Path
	}
	prev := s.codec.Default()
	if s.latest != nil {
		if v, err := s.codec.Decode(s.latest); err == nil {
			prev = v
		}
	}
	if desc := d.Describe(prev, next); desc != "" {
		return desc
	}
	return "update " + s.layout.Path
}

func (s *Store[T]) message(desc string) string {
	return fmt.Sprintf("%s: %s (%s)", s.name, desc, s.clock.Now().UTC().Format(time.RFC3339))
}
