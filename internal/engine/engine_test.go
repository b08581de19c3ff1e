package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/gitstore/internal/adapters/collections"
	"github.com/schaermu/gitstore/internal/adapters/items"
	"github.com/schaermu/gitstore/internal/config"
	"github.com/schaermu/gitstore/internal/retry/retrytest"
	"github.com/schaermu/gitstore/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func loadConfig(t *testing.T, repoURL string) *config.Config {
	t.Helper()
	t.Setenv("GITSTORE_DATA_DIR", filepath.Join(t.TempDir(), "data"))
	t.Setenv("GITSTORE_REPO_URL", repoURL)
	t.Setenv("GITSTORE_BRANCH", "main")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	return cfg
}

func open(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := Open(context.Background(), cfg, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestEngine_SyncsAllStoresToOneRemote(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewRemote(t, "main")
	cfg := loadConfig(t, remote)
	e := open(t, cfg)

	if got := e.Names(); strings.Join(got, ",") != "collections,config,items" {
		t.Fatalf("unexpected stores %v", got)
	}
	for _, name := range e.Names() {
		if _, err := os.Stat(filepath.Join(cfg.StoreDir(name), ".git")); err != nil {
			t.Errorf("expected %s working copy: %v", name, err)
		}
	}

	if err := e.Config.Set(ctx, "pagination.type", "infinite"); err != nil {
		t.Fatal(err)
	}
	if err := e.Collections.Add(ctx, collections.Collection{Slug: "tools", Name: "Tools"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Items.Put(ctx, items.Item{Slug: "hammer", Name: "Hammer"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	// Sibling stores push to the same branch; later pushes rebase
	if got := testutil.RemoteFile(t, remote, "main", "config.yml"); !strings.Contains(got, "type: infinite") {
		t.Errorf("unexpected remote config %q", got)
	}
	if got := testutil.RemoteFile(t, remote, "main", "collections.yml"); !strings.Contains(got, "slug: tools") {
		t.Errorf("unexpected remote collections %q", got)
	}
	if got := testutil.RemoteFile(t, remote, "main", "items/hammer.yml"); !strings.Contains(got, "name: Hammer") {
		t.Errorf("unexpected remote item %q", got)
	}

	for name, st := range e.Statuses() {
		if !st.GitEnabled || st.HasPendingChanges || st.LastError != "" || st.LastSyncedAt.IsZero() {
			t.Errorf("%s: unexpected status %+v", name, st)
		}
	}

	// Refresh brings the other stores' commits into each working copy
	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.StoreDir(config.StoreConfig), "items", "hammer.yml")); err != nil {
		t.Errorf("expected config working copy to be up to date: %v", err)
	}
}

func TestEngine_LocalOnly(t *testing.T) {
	ctx := context.Background()
	cfg := loadConfig(t, "")
	e := open(t, cfg)

	if err := e.Items.Put(ctx, items.Item{Slug: "saw", Name: "Saw"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Sync(ctx); err != nil {
		t.Fatalf("Sync() should be a no-op without git: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.StoreDir(config.StoreItems), "items", "saw.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "name: Saw") {
		t.Errorf("unexpected item file %q", data)
	}
	for name, st := range e.Statuses() {
		if st.GitEnabled || st.HasPendingChanges {
			t.Errorf("%s: unexpected status %+v", name, st)
		}
	}
}

func TestEngine_UnreachableRemoteKeepsLocalData(t *testing.T) {
	ctx := context.Background()
	cfg := loadConfig(t, filepath.Join(t.TempDir(), "missing.git"))
	e := open(t, cfg)

	if err := e.Config.Set(ctx, "title", "Directory"); err != nil {
		t.Fatalf("Set() must succeed without a remote: %v", err)
	}
	if err := e.Config.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	v, ok, err := e.Config.Get("title")
	if err != nil || !ok || v != "Directory" {
		t.Errorf("Get() = %v, %v, %v", v, ok, err)
	}
	st := e.Statuses()[config.StoreConfig]
	if !st.HasPendingChanges || st.LastError == "" {
		t.Errorf("expected pending change after failed push, got %+v", st)
	}
}

func TestEngine_Store(t *testing.T) {
	e := open(t, loadConfig(t, ""))

	s, ok := e.Store(config.StoreCollections)
	if !ok || s.Name() != config.StoreCollections || s.Layout().Path != config.DefaultCollectionsFile {
		t.Errorf("unexpected store %v, %v", s, ok)
	}
	if _, ok := e.Store("unknown"); ok {
		t.Error("expected unknown store to be missing")
	}
}

// takeOffline moves the bare remote away and returns a func that restores it
func takeOffline(t *testing.T, remote string) func() {
	t.Helper()
	hidden := remote + ".offline"
	if err := os.Rename(remote, hidden); err != nil {
		t.Fatal(err)
	}
	return func() {
		t.Helper()
		if err := os.Rename(hidden, remote); err != nil {
			t.Fatal(err)
		}
	}
}

func TestEngine_RecoversFromOutageAtStartup(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewRemote(t, "main")
	cfg := loadConfig(t, remote)
	clock := retrytest.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	restore := takeOffline(t, remote)
	e, err := Open(ctx, cfg, Options{Clock: clock, Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	if err := e.Config.Set(ctx, "title", "Directory"); err != nil {
		t.Fatal(err)
	}
	if err := e.Config.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if st := e.Statuses()[config.StoreConfig]; !st.HasPendingChanges {
		t.Fatalf("expected pending change while offline, got %+v", st)
	}

	restore()
	clock.Advance(cfg.Retry.Base)

	st := e.Statuses()[config.StoreConfig]
	if st.HasPendingChanges || st.GaveUp || st.LastError != "" {
		t.Fatalf("expected retry to clone and push, got %+v", st)
	}
	if got := testutil.RemoteFile(t, remote, "main", "config.yml"); !strings.Contains(got, "title: Directory") {
		t.Errorf("unexpected remote config %q", got)
	}
	if got := testutil.RemoteFile(t, remote, "main", "README.md"); got != "# data\n" {
		t.Errorf("remote files outside the store must survive, got %q", got)
	}

	// The stores without pending changes catch up on refresh
	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	for _, name := range e.Names() {
		if _, err := os.Stat(filepath.Join(cfg.StoreDir(name), ".git")); err != nil {
			t.Errorf("expected %s working copy after refresh: %v", name, err)
		}
	}
}

func TestEngine_ReopenAfterOutage(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewRemote(t, "main")
	testutil.PushFile(t, remote, "main", "collections.yml",
		"collections:\n  - slug: tools\n    name: Tools\n", "Add collections")
	cfg := loadConfig(t, remote)

	// First run: offline the whole time
	restore := takeOffline(t, remote)
	first, err := Open(ctx, cfg, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := first.Config.Set(ctx, "title", "Offline"); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(ctx); err != nil {
		t.Fatal(err)
	}
	restore()

	// Second run: the directories are not empty but were never cloned
	e := open(t, cfg)
	if err := e.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if got := testutil.RemoteFile(t, remote, "main", "config.yml"); !strings.Contains(got, "title: Offline") {
		t.Errorf("pending edit from the first run was not pushed: %q", got)
	}
	// The initialized empty collections file had nothing to push
	list, err := e.Collections.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Slug != "tools" {
		t.Errorf("expected remote collections to win, got %+v", list)
	}
	for _, name := range e.Names() {
		if _, err := os.Stat(filepath.Join(cfg.StoreDir(name), ".git")); err != nil {
			t.Errorf("expected %s working copy: %v", name, err)
		}
	}
}
