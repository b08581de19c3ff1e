package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete gitstore configuration. Values come from an
// optional YAML file; GITSTORE_* environment variables override the file.
type Config struct {
	Git       GitConfig       `yaml:"git"`
	Paths     PathsConfig     `yaml:"paths"`
	Retry     RetryConfig     `yaml:"retry"`
	Serve     ServeConfig     `yaml:"serve"`
	Watch     WatchConfig     `yaml:"watch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// GitConfig configures the remote all stores sync with
type GitConfig struct {
	RepoURL        string `yaml:"repo_url" env:"GITSTORE_REPO_URL"`
	Token          string `yaml:"token" env:"GITSTORE_GIT_TOKEN"`
	TokenFile      string `yaml:"token_file" env:"GITSTORE_GIT_TOKEN_FILE"`
	SSHKeyFile     string `yaml:"ssh_key_file" env:"GITSTORE_SSH_KEY_FILE"`
	Branch         string `yaml:"branch" env:"GITSTORE_BRANCH"`
	CommitterName  string `yaml:"committer_name" env:"GITSTORE_COMMITTER_NAME"`
	CommitterEmail string `yaml:"committer_email" env:"GITSTORE_COMMITTER_EMAIL"`
}

// PathsConfig configures local directories and the tracked paths inside
// each working copy
type PathsConfig struct {
	DataDir         string `yaml:"data_dir" env:"GITSTORE_DATA_DIR"`
	ConfigFile      string `yaml:"config_file" env:"GITSTORE_CONFIG_FILE_PATH"`
	CollectionsFile string `yaml:"collections_file" env:"GITSTORE_COLLECTIONS_FILE_PATH"`
	ItemsDir        string `yaml:"items_dir" env:"GITSTORE_ITEMS_DIR"`
}

// RetryConfig configures background push retries
type RetryConfig struct {
	Base        time.Duration `yaml:"base" env:"GITSTORE_RETRY_BASE"`
	Max         time.Duration `yaml:"max" env:"GITSTORE_RETRY_MAX"`
	MaxAttempts int           `yaml:"max_attempts" env:"GITSTORE_RETRY_MAX_ATTEMPTS"`
}

// ServeConfig configures the status and webhook server
type ServeConfig struct {
	ListenAddr              string        `yaml:"listen_addr" env:"GITSTORE_LISTEN_ADDR"`
	GitHubWebhookSecretFile string        `yaml:"github_webhook_secret_file" env:"GITSTORE_WEBHOOK_SECRET_FILE"`
	AllowedEventTypes       []string      `yaml:"allowed_event_types" env:"GITSTORE_WEBHOOK_EVENTS" envSeparator:","`
	AllowedRefs             []string      `yaml:"allowed_refs" env:"GITSTORE_WEBHOOK_REFS" envSeparator:","`
	Debounce                time.Duration `yaml:"debounce" env:"GITSTORE_WEBHOOK_DEBOUNCE"`
}

// WatchConfig configures the file watcher that commits out-of-band edits
type WatchConfig struct {
	Disabled bool          `yaml:"disabled" env:"GITSTORE_WATCH_DISABLED"`
	Debounce time.Duration `yaml:"debounce" env:"GITSTORE_WATCH_DEBOUNCE"`
}

// TelemetryConfig configures OpenTelemetry tracing
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" env:"GITSTORE_OTEL_ENABLED"`
	Endpoint    string `yaml:"endpoint" env:"GITSTORE_OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"GITSTORE_OTEL_SERVICE_NAME"`
}

// Defaults
const (
	DefaultBranch          = "main"
	DefaultCommitterName   = "gitstore-bot"
	DefaultCommitterEmail  = "gitstore-bot@users.noreply.github.com"
	DefaultConfigFile      = "config.yml"
	DefaultCollectionsFile = "collections.yml"
	DefaultItemsDir        = "items"
	DefaultRetryBase       = 30 * time.Second
	DefaultRetryMax        = 5 * time.Minute
	DefaultRetryAttempts   = 10
	DefaultListenAddr      = "127.0.0.1:8089"
	DefaultWebhookDebounce = 2 * time.Second
	DefaultWatchDebounce   = 500 * time.Millisecond
	DefaultServiceName     = "gitstore"
)

// Store names double as working copy directory names below the data dir
const (
	StoreConfig      = "config"
	StoreCollections = "collections"
	StoreItems       = "items"
)

// Load reads the configuration file at path, if any, and applies environment
// overrides, defaults and validation. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		path = os.ExpandEnv(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.expandEnv()
	}

	// Unset variables leave file values alone
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandEnv expands environment variables in file-provided string fields
func (c *Config) expandEnv() {
	c.Git.RepoURL = os.ExpandEnv(c.Git.RepoURL)
	c.Git.TokenFile = os.ExpandEnv(c.Git.TokenFile)
	c.Git.SSHKeyFile = os.ExpandEnv(c.Git.SSHKeyFile)
	c.Paths.DataDir = os.ExpandEnv(c.Paths.DataDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
	c.Telemetry.Endpoint = os.ExpandEnv(c.Telemetry.Endpoint)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Git.Branch == "" {
		c.Git.Branch = DefaultBranch
	}
	if c.Git.CommitterName == "" {
		c.Git.CommitterName = DefaultCommitterName
	}
	if c.Git.CommitterEmail == "" {
		c.Git.CommitterEmail = DefaultCommitterEmail
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = defaultDataDir()
	}
	if c.Paths.ConfigFile == "" {
		c.Paths.ConfigFile = DefaultConfigFile
	}
	if c.Paths.CollectionsFile == "" {
		c.Paths.CollectionsFile = DefaultCollectionsFile
	}
	if c.Paths.ItemsDir == "" {
		c.Paths.ItemsDir = DefaultItemsDir
	}
	if c.Retry.Base == 0 {
		c.Retry.Base = DefaultRetryBase
	}
	if c.Retry.Max == 0 {
		c.Retry.Max = DefaultRetryMax
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultRetryAttempts
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = DefaultWebhookDebounce
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = DefaultWatchDebounce
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}

// defaultDataDir follows the XDG base directory layout
func defaultDataDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "gitstore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "gitstore")
	}
	return filepath.Join(home, ".local", "state", "gitstore")
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Git.Branch == "" {
		return fmt.Errorf("git.branch is required")
	}
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir is required")
	}
	if !filepath.IsAbs(c.Paths.DataDir) {
		return fmt.Errorf("paths.data_dir must be an absolute path: %s", c.Paths.DataDir)
	}

	for name, p := range map[string]string{
		"paths.config_file":      c.Paths.ConfigFile,
		"paths.collections_file": c.Paths.CollectionsFile,
		"paths.items_dir":        c.Paths.ItemsDir,
	} {
		if p == "" || filepath.IsAbs(p) || strings.HasPrefix(filepath.Clean(p), "..") {
			return fmt.Errorf("%s must be a relative path inside the repository: %q", name, p)
		}
	}

	if c.Retry.Base <= 0 || c.Retry.Max < c.Retry.Base {
		return fmt.Errorf("retry: base must be positive and max at least base (base=%s, max=%s)", c.Retry.Base, c.Retry.Max)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}

	// Only one auth method may be configured, and it must match the URL
	hasToken := c.Git.Token != "" || c.Git.TokenFile != ""
	if c.Git.SSHKeyFile != "" && hasToken {
		return fmt.Errorf("git: only one of ssh_key_file or token may be set")
	}
	if c.Git.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("git.ssh_key_file is set but git.repo_url does not use an SSH scheme (git@ or ssh://)")
	}
	if hasToken && c.Git.RepoURL != "" && !c.IsHTTPS() {
		return fmt.Errorf("git.token is set but git.repo_url does not use HTTPS scheme")
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}

// GitEnabled reports whether stores sync with a remote. HTTPS remotes need a
// token; without one the stores run in local-only mode.
func (c *Config) GitEnabled() bool {
	if c.Git.RepoURL == "" {
		return false
	}
	if c.IsHTTPS() {
		return c.Git.Token != "" || c.Git.TokenFile != ""
	}
	return true
}

// StoreDir returns the working copy directory of a store
func (c *Config) StoreDir(store string) string {
	return filepath.Join(c.Paths.DataDir, store)
}

// StateFilePath returns the sync state file of a store
func (c *Config) StateFilePath(store string) string {
	return filepath.Join(c.Paths.DataDir, store+".state.json")
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Git.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Git.Token != "" || c.Git.TokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Git.RepoURL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Git.RepoURL, "git@") || strings.HasPrefix(c.Git.RepoURL, "ssh://")
}
