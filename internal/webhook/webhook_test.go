package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/schaermu/gitstore/internal/config"
	"github.com/schaermu/gitstore/internal/store"
)

const testSecret = "test-secret-key"

// mockStores is a Refresher that counts refreshes
type mockStores struct {
	refreshes  atomic.Int32
	shouldFail bool
	statuses   map[string]store.Status
}

func (m *mockStores) Refresh(context.Context) error {
	m.refreshes.Add(1)
	if m.shouldFail {
		return errors.New("remote unreachable")
	}
	return nil
}

func (m *mockStores) Statuses() map[string]store.Status {
	return m.statuses
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestConfig(t *testing.T) *config.Config {
	t.Helper()

	secretPath := filepath.Join(t.TempDir(), "webhook_secret")
	if err := os.WriteFile(secretPath, []byte(testSecret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	return &config.Config{
		Git: config.GitConfig{
			RepoURL: "git@github.com:test/data.git",
			Branch:  "main",
		},
		Serve: config.ServeConfig{
			ListenAddr:              "127.0.0.1:0",
			GitHubWebhookSecretFile: secretPath,
			Debounce:                20 * time.Millisecond,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, stores Refresher) *Server {
	t.Helper()
	server, err := NewServer(cfg, stores, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	return server
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushRequest(t *testing.T, ref string) *http.Request {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"ref":        ref,
		"after":      "abc123",
		"repository": map[string]string{"full_name": "test/data"},
	})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", computeSignature(body, testSecret))
	return req
}

func waitForRefreshes(t *testing.T, m *mockStores, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.refreshes.Load() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d refreshes, got %d", want, m.refreshes.Load())
}

func TestNewServer(t *testing.T) {
	server := newTestServer(t, setupTestConfig(t), &mockStores{})

	if string(server.secret) != testSecret {
		t.Errorf("expected trimmed secret, got %q", string(server.secret))
	}
	if server.debounce.delay != 20*time.Millisecond {
		t.Errorf("unexpected debounce delay %s", server.debounce.delay)
	}
}

func TestNewServer_SecretErrors(t *testing.T) {
	cfg := setupTestConfig(t)
	cfg.Serve.GitHubWebhookSecretFile = "/nonexistent/secret"
	if _, err := NewServer(cfg, &mockStores{}, testLogger()); err == nil {
		t.Error("expected error for missing secret file")
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, []byte("  \n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.Serve.GitHubWebhookSecretFile = empty
	if _, err := NewServer(cfg, &mockStores{}, testLogger()); err == nil {
		t.Error("expected error for empty secret file")
	}
}

func TestNewServer_WithoutSecretHasNoWebhookRoute(t *testing.T) {
	cfg := setupTestConfig(t)
	cfg.Serve.GitHubWebhookSecretFile = ""
	server := newTestServer(t, cfg, &mockStores{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, pushRequest(t, "refs/heads/main"))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without webhook secret, got %d", rec.Code)
	}
	if server.debounce.delay != 20*time.Millisecond {
		t.Errorf("unexpected debounce delay %s", server.debounce.delay)
	}
}

func TestVerifySignature(t *testing.T) {
	server := newTestServer(t, setupTestConfig(t), &mockStores{})
	body := []byte(`{"ref":"refs/heads/main"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{"valid signature", computeSignature(body, testSecret), true},
		{"wrong secret", computeSignature(body, "other"), false},
		{"empty signature", "", false},
		{"missing prefix", computeSignature(body, testSecret)[len("sha256="):], false},
		{"sha1 prefix", "sha1=abc", false},
		{"prefix only", "sha256=", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.verifySignature(body, tt.signature); got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsEventTypeAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		event   string
		want    bool
	}{
		{"default allows push", nil, "push", true},
		{"default rejects ping", nil, "ping", false},
		{"configured event", []string{"push", "release"}, "release", true},
		{"unlisted event", []string{"release"}, "push", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := setupTestConfig(t)
			cfg.Serve.AllowedEventTypes = tt.allowed
			server := newTestServer(t, cfg, &mockStores{})
			if got := server.isEventTypeAllowed(tt.event); got != tt.want {
				t.Errorf("isEventTypeAllowed(%q) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func TestIsRefAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		ref     string
		want    bool
	}{
		{"default allows store branch", nil, "refs/heads/main", true},
		{"default rejects other branch", nil, "refs/heads/feature", false},
		{"default rejects tags", nil, "refs/tags/main", false},
		{"configured ref", []string{"refs/heads/release"}, "refs/heads/release", true},
		{"configured list replaces default", []string{"refs/heads/release"}, "refs/heads/main", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := setupTestConfig(t)
			cfg.Serve.AllowedRefs = tt.allowed
			server := newTestServer(t, cfg, &mockStores{})
			if got := server.isRefAllowed(tt.ref); got != tt.want {
				t.Errorf("isRefAllowed(%q) = %v, want %v", tt.ref, got, tt.want)
			}
		})
	}
}

func TestHandleWebhook_ValidRequest(t *testing.T) {
	stores := &mockStores{}
	server := newTestServer(t, setupTestConfig(t), stores)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, pushRequest(t, "refs/heads/main"))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}
	waitForRefreshes(t, stores, 1)
}

func TestHandleWebhook_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*http.Request)
		wantCode int
	}{
		{
			name:     "invalid method",
			mutate:   func(r *http.Request) { r.Method = http.MethodGet },
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name:     "invalid content type",
			mutate:   func(r *http.Request) { r.Header.Set("Content-Type", "text/plain") },
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "invalid signature",
			mutate:   func(r *http.Request) { r.Header.Set("X-Hub-Signature-256", "sha256=deadbeef") },
			wantCode: http.StatusForbidden,
		},
		{
			name:     "missing signature",
			mutate:   func(r *http.Request) { r.Header.Del("X-Hub-Signature-256") },
			wantCode: http.StatusForbidden,
		},
		{
			name:     "disallowed event type",
			mutate:   func(r *http.Request) { r.Header.Set("X-GitHub-Event", "issues") },
			wantCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stores := &mockStores{}
			server := newTestServer(t, setupTestConfig(t), stores)

			req := pushRequest(t, "refs/heads/main")
			tt.mutate(req)
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			time.Sleep(60 * time.Millisecond)
			if n := stores.refreshes.Load(); n != 0 {
				t.Errorf("expected no refresh, got %d", n)
			}
		})
	}
}

func TestHandleWebhook_DisallowedRef(t *testing.T) {
	stores := &mockStores{}
	server := newTestServer(t, setupTestConfig(t), stores)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, pushRequest(t, "refs/heads/feature"))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	time.Sleep(60 * time.Millisecond)
	if n := stores.refreshes.Load(); n != 0 {
		t.Errorf("expected no refresh for other branch, got %d", n)
	}
}

func TestHandleWebhook_InvalidPayload(t *testing.T) {
	server := newTestServer(t, setupTestConfig(t), &mockStores{})

	body := []byte("not json")
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", computeSignature(body, testSecret))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestHandleWebhook_BurstCoalesces(t *testing.T) {
	stores := &mockStores{}
	cfg := setupTestConfig(t)
	cfg.Serve.Debounce = 100 * time.Millisecond
	server := newTestServer(t, cfg, stores)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, pushRequest(t, "refs/heads/main"))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("delivery %d: status %d", i, rec.Code)
		}
	}

	waitForRefreshes(t, stores, 1)
	time.Sleep(200 * time.Millisecond)
	if n := stores.refreshes.Load(); n != 1 {
		t.Errorf("expected one refresh for a burst, got %d", n)
	}
}

func TestHandleStatus(t *testing.T) {
	synced := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	stores := &mockStores{statuses: map[string]store.Status{
		"config": {GitEnabled: true, LastSyncedAt: synced},
		"items":  {GitEnabled: true, HasPendingChanges: true, RetryCount: 2, LastError: "push failed"},
	}}
	server := newTestServer(t, setupTestConfig(t), stores)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}

	var got map[string]store.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !got["config"].LastSyncedAt.Equal(synced) || got["config"].HasPendingChanges {
		t.Errorf("unexpected config status %+v", got["config"])
	}
	if got["items"].RetryCount != 2 || got["items"].LastError != "push failed" {
		t.Errorf("unexpected items status %+v", got["items"])
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST /status, got %d", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	server := newTestServer(t, setupTestConfig(t), &mockStores{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Errorf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	server := newTestServer(t, setupTestConfig(t), &mockStores{statuses: map[string]store.Status{}})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get("http://" + ln.Addr().String() + "/healthz")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server did not answer: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "ok\n" {
		t.Errorf("unexpected body %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestDebouncer(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	d := &debouncer{delay: 50 * time.Millisecond}

	for i := 0; i < 5; i++ {
		d.trigger(func() {
			mu.Lock()
			callCount++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	count := callCount
	mu.Unlock()

	if count != 1 {
		t.Errorf("expected callback to be called once, got %d", count)
	}
}

func TestPerformRefresh_FailureIsLogged(t *testing.T) {
	stores := &mockStores{shouldFail: true}
	server := newTestServer(t, setupTestConfig(t), stores)

	server.performRefresh(context.Background())

	if stores.refreshes.Load() != 1 {
		t.Errorf("expected one refresh attempt, got %d", stores.refreshes.Load())
	}
	if server.syncRunning {
		t.Error("expected running flag to be released after a failed refresh")
	}
}

// slowStores blocks the first Refresh until proceed is closed
type slowStores struct {
	mockStores
	started chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (m *slowStores) Refresh(ctx context.Context) error {
	m.once.Do(func() { close(m.started) })
	<-m.proceed
	return m.mockStores.Refresh(ctx)
}

// TestPerformRefresh_SingleFlight verifies that at most one refresh runs at a
// time and at most one more is queued while it runs.
func TestPerformRefresh_SingleFlight(t *testing.T) {
	stores := &slowStores{
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	server := newTestServer(t, setupTestConfig(t), stores)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.performRefresh(ctx)
	}()

	<-stores.started

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.performRefresh(ctx)
		}()
	}
	wg.Wait()

	server.syncMu.Lock()
	pending := server.syncPending
	server.syncMu.Unlock()
	if !pending {
		t.Error("expected a pending refresh after concurrent calls")
	}

	close(stores.proceed)
	<-done

	server.syncMu.Lock()
	stillRunning := server.syncRunning
	stillPending := server.syncPending
	server.syncMu.Unlock()

	if stillRunning || stillPending {
		t.Errorf("expected idle server, running=%v pending=%v", stillRunning, stillPending)
	}
	if n := stores.refreshes.Load(); n != 2 {
		t.Errorf("expected the first refresh plus one re-run, got %d", n)
	}
}
