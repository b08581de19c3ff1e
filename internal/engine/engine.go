// Package engine opens the site config, collections and items stores from
// configuration and operates on them as a group.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/schaermu/gitstore/internal/adapters/collections"
	"github.com/schaermu/gitstore/internal/adapters/items"
	"github.com/schaermu/gitstore/internal/adapters/siteconfig"
	"github.com/schaermu/gitstore/internal/config"
	"github.com/schaermu/gitstore/internal/git"
	"github.com/schaermu/gitstore/internal/retry"
	"github.com/schaermu/gitstore/internal/store"
	"github.com/schaermu/gitstore/internal/workingcopy"
)

// Store is the type-independent surface of a store
type Store interface {
	Name() string
	Path() string
	Layout() store.Layout
	SyncStatus() store.Status
	Flush(ctx context.Context) error
	Sync(ctx context.Context) error
	Refresh(ctx context.Context) error
	NotifyExternalChange(ctx context.Context) (bool, error)
	Close(ctx context.Context) error
}

// Options overrides collaborators, mainly for tests
type Options struct {
	Git    git.Client
	Clock  retry.Clock
	Logger *slog.Logger
}

// Engine holds the opened stores
type Engine struct {
	Config      *siteconfig.Config
	Collections *collections.Collections
	Items       *items.Items

	cfg    *config.Config
	logger *slog.Logger
}

// Open ensures a working copy per store and opens the stores on them. Clone
// and pull failures are logged and the stores start on whatever local data
// exists.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gitEnabled := cfg.GitEnabled()
	client := opts.Git
	if client == nil {
		client = git.NewShellClient(
			git.Auth{Token: cfg.Git.Token, TokenFile: cfg.Git.TokenFile, SSHKeyFile: cfg.Git.SSHKeyFile},
			git.Identity{Name: cfg.Git.CommitterName, Email: cfg.Git.CommitterEmail},
		)
	}
	if cfg.Git.RepoURL != "" && !gitEnabled {
		logger.Warn("HTTPS remote configured without a token, running in local-only mode", "repo", cfg.Git.RepoURL)
	}

	manager := workingcopy.NewManager(client, logger)
	ensure := func(name string) (*workingcopy.WorkingCopy, error) {
		// Local files only beat the remote when they hold an unpushed change
		state, err := store.LoadState(cfg.StateFilePath(name))
		if err != nil {
			logger.Warn("failed to load sync state", "store", name, "error", err)
			state = &store.State{}
		}
		wc, err := manager.Ensure(ctx, workingcopy.Spec{
			RemoteURL:  cfg.Git.RepoURL,
			Path:       cfg.StoreDir(name),
			Branch:     cfg.Git.Branch,
			GitEnabled: gitEnabled,
			KeepLocal:  state.Pending,
		})
		if errors.Is(err, workingcopy.ErrSyncFailed) {
			logger.Warn("working copy sync failed, continuing with local data", "store", name, "error", err)
			return wc, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to prepare %s working copy: %w", name, err)
		}
		return wc, nil
	}

	backoff := retry.Backoff{Base: cfg.Retry.Base, Max: cfg.Retry.Max, MaxAttempts: cfg.Retry.MaxAttempts}
	e := &Engine{cfg: cfg, logger: logger}

	wc, err := ensure(config.StoreConfig)
	if err != nil {
		return nil, err
	}
	e.Config, err = siteconfig.New(wc, cfg.Paths.ConfigFile, store.Options[*siteconfig.Document]{
		Name: config.StoreConfig, Git: client, Manager: manager, Backoff: backoff, Clock: opts.Clock,
		StateFile: cfg.StateFilePath(config.StoreConfig), Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open config store: %w", err)
	}

	if wc, err = ensure(config.StoreCollections); err == nil {
		e.Collections, err = collections.New(wc, cfg.Paths.CollectionsFile, store.Options[[]collections.Collection]{
			Name: config.StoreCollections, Git: client, Manager: manager, Backoff: backoff, Clock: opts.Clock,
			StateFile: cfg.StateFilePath(config.StoreCollections), Logger: logger,
		})
	}
	if err != nil {
		_ = e.Close(ctx)
		return nil, fmt.Errorf("failed to open collections store: %w", err)
	}

	if wc, err = ensure(config.StoreItems); err == nil {
		e.Items, err = items.New(wc, cfg.Paths.ItemsDir, store.Options[[]items.Item]{
			Name: config.StoreItems, Git: client, Manager: manager, Backoff: backoff, Clock: opts.Clock,
			StateFile: cfg.StateFilePath(config.StoreItems), Logger: logger,
		})
	}
	if err != nil {
		_ = e.Close(ctx)
		return nil, fmt.Errorf("failed to open items store: %w", err)
	}

	logger.Info("stores opened", "data_dir", cfg.Paths.DataDir, "git_enabled", gitEnabled, "auth", cfg.AuthMethod())
	return e, nil
}

// Stores returns the opened stores in a fixed order
func (e *Engine) Stores() []Store {
	var out []Store
	if e.Config != nil {
		out = append(out, e.Config)
	}
	if e.Collections != nil {
		out = append(out, e.Collections)
	}
	if e.Items != nil {
		out = append(out, e.Items)
	}
	return out
}

// Store returns the store with the given name
func (e *Engine) Store(name string) (Store, bool) {
	for _, s := range e.Stores() {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Names returns the store names, sorted
func (e *Engine) Names() []string {
	var names []string
	for _, s := range e.Stores() {
		names = append(names, s.Name())
	}
	sort.Strings(names)
	return names
}

// Statuses reports every store's sync state keyed by store name
func (e *Engine) Statuses() map[string]store.Status {
	out := make(map[string]store.Status)
	for _, s := range e.Stores() {
		out[s.Name()] = s.SyncStatus()
	}
	return out
}

// Refresh pulls remote changes into every store
func (e *Engine) Refresh(ctx context.Context) error {
	return e.each(func(s Store) error { return s.Refresh(ctx) })
}

// Sync commits and pushes local changes of every store and waits for the
// results
func (e *Engine) Sync(ctx context.Context) error {
	return e.each(func(s Store) error { return s.Sync(ctx) })
}

// Flush waits for every store's queued jobs
func (e *Engine) Flush(ctx context.Context) error {
	return e.each(func(s Store) error { return s.Flush(ctx) })
}

// Close stops retries and drains every store's queue
func (e *Engine) Close(ctx context.Context) error {
	return e.each(func(s Store) error { return s.Close(ctx) })
}

func (e *Engine) each(fn func(Store) error) error {
	var errs []error
	for _, s := range e.Stores() {
		if err := fn(s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
