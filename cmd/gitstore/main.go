package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/schaermu/gitstore/internal/config"
	"github.com/schaermu/gitstore/internal/engine"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// closeTimeout bounds how long a command waits for queued pushes on exit
const closeTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the flag values shared by all commands. Flags are bound
// through viper so GITSTORE_LOG_LEVEL and friends work as well.
type cli struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{v: newViper()}

	root := &cobra.Command{
		Use:   "gitstore",
		Short: "Git-backed storage for site config, collections and items",
		Long: `gitstore keeps the site configuration, collections and items of a directory
site in local YAML files and mirrors every change to a Git repository.

Writes land on disk immediately; commits are pushed in the background and
retried with exponential backoff while the remote is unreachable.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default is $XDG_CONFIG_HOME/gitstore/config.yaml if present)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("log-file", "", "write logs to a rotated file instead of stderr")
	for _, name := range []string{"config", "log-level", "log-format", "log-file"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		c.serveCmd(),
		c.statusCmd(),
		c.syncCmd(),
		c.configCmd(),
		c.collectionsCmd(),
		c.itemsCmd(),
		versionCmd(),
	)
	return root
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("GITSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "gitstore %s\n", version)
			_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
			_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

// setupLogger builds the logger from the log flags. The returned function
// closes the log file, if any.
func (c *cli) setupLogger(stderr io.Writer) (*slog.Logger, func()) {
	var level slog.Level
	switch c.v.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := stderr
	closer := func() {}
	if path := c.v.GetString("log-file"); path != "" {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = lj
		closer = func() { _ = lj.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.v.GetString("log-format") == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer
}

// configPath resolves --config. Without the flag the default location is
// used only if it exists; configuration may come from the environment alone.
func (c *cli) configPath() string {
	if path := c.v.GetString("config"); path != "" {
		return path
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	path := filepath.Join(base, "gitstore", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func (c *cli) loadConfig(logger *slog.Logger) (*config.Config, error) {
	path := c.configPath()
	logger.Debug("loading configuration", "path", path)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Git.RepoURL,
		"branch", cfg.Git.Branch,
		"data_dir", cfg.Paths.DataDir)
	return cfg, nil
}

// env is what every store command needs
type env struct {
	cfg    *config.Config
	engine *engine.Engine
	logger *slog.Logger
}

// withEngine opens the stores, runs fn and closes the stores again, waiting
// for queued commits and pushes. Pushes that fail are kept pending and
// resumed by the next run.
func (c *cli) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	ctx, cancel := setupSignalHandler(cmd.Context())
	defer cancel()

	logger, closeLog := c.setupLogger(cmd.ErrOrStderr())
	defer closeLog()

	cfg, err := c.loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	eng, err := engine.Open(ctx, cfg, engine.Options{Logger: logger})
	if err != nil {
		return err
	}

	runErr := fn(ctx, &env{cfg: cfg, engine: eng, logger: logger})

	closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer closeCancel()
	if err := eng.Close(closeCtx); err != nil {
		logger.Warn("failed to close stores cleanly", "error", err)
	}
	for name, st := range eng.Statuses() {
		if st.HasPendingChanges {
			logger.Warn("changes not yet pushed, they are retried on the next run", "store", name, "error", st.LastError)
		}
	}
	return runErr
}

func setupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// errNotSet is returned by config get for missing keys
var errNotSet = errors.New("not set")
