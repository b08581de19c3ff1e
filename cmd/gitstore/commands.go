package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/gitstore/internal/activation"
	"github.com/schaermu/gitstore/internal/adapters/collections"
	"github.com/schaermu/gitstore/internal/adapters/items"
	"github.com/schaermu/gitstore/internal/adapters/siteconfig"
	"github.com/schaermu/gitstore/internal/telemetry"
	"github.com/schaermu/gitstore/internal/watch"
	"github.com/schaermu/gitstore/internal/webhook"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the stores as a daemon with status and webhook endpoints",
		Long: `Serve opens the stores, pulls the remote once and then keeps running:
pushes are retried in the background, edits made directly to the tracked files
are committed, and GitHub push webhooks trigger a refresh from the remote.

The listener comes from systemd socket activation when available.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, runServe)
		},
	}
}

func runServe(ctx context.Context, e *env) error {
	shutdown, err := telemetry.Setup(ctx, e.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			e.logger.Warn("failed to flush traces", "error", err)
		}
	}()

	e.logger.Info("performing initial refresh")
	if err := e.engine.Refresh(ctx); err != nil {
		e.logger.Warn("initial refresh failed, serving local data", "error", err)
	}

	server, err := webhook.NewServer(e.cfg, e.engine, e.logger)
	if err != nil {
		return err
	}
	ln, activated, err := activation.Listen(e.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	if activated {
		e.logger.Info("using systemd socket activation")
	}

	watchErr := make(chan error, 1)
	if e.cfg.Watch.Disabled {
		e.logger.Info("file watcher disabled")
	} else {
		var targets []watch.Target
		for _, s := range e.engine.Stores() {
			targets = append(targets, s)
		}
		w, err := watch.New(targets, e.cfg.Watch.Debounce, e.logger)
		if err != nil {
			_ = ln.Close()
			return err
		}
		go func() { watchErr <- w.Run(ctx) }()
	}

	serveErr := server.Serve(ctx, ln)
	if !e.cfg.Watch.Disabled {
		if err := <-watchErr; err != nil {
			e.logger.Warn("file watcher stopped", "error", err)
		}
	}
	return serveErr
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the sync status of every store as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *env) error {
				return writeJSON(cmd.OutOrStdout(), e.engine.Statuses())
			})
		},
	}
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Commit local changes, push them and pull the remote",
		Long: `Sync commits edits made directly to the tracked files, pushes every pending
commit and then pulls remote changes into each store. The resulting status is
printed as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *env) error {
				if err := e.engine.Sync(ctx); err != nil {
					return fmt.Errorf("sync failed: %w", err)
				}
				if err := e.engine.Refresh(ctx); err != nil {
					return fmt.Errorf("refresh failed: %w", err)
				}
				return writeJSON(cmd.OutOrStdout(), e.engine.Statuses())
			})
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and change site configuration values",
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a value by dotted key, e.g. pagination.type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *env) error {
				v, ok, err := e.engine.Config.Get(args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("key %q: %w", args[0], errNotSet)
				}
				return writeYAML(cmd.OutOrStdout(), v)
			})
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a value by dotted key; the value is parsed as a YAML scalar",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *env) error {
				return e.engine.Config.Set(ctx, args[0], siteconfig.ParseValue(args[1]))
			})
		},
	}

	unset := &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a value by dotted key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *env) error {
				return e.engine.Config.Unset(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(get, set, unset)
	return cmd
}

func (c *cli) collectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "Manage collections",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print all collections as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *env) error {
				cols, err := e.engine.Collections.List()
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), cols)
			})
		},
	}

	var col collections.Collection
	add := &cobra.Command{
		Use:   "add <slug>",
		Short: "Add a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			col.Slug = args[0]
			return c.withEngine(cmd, func(ctx context.Context, e *env) error {
				return e.engine.Collections.Add(ctx, col)
			})
		},
	}
	add.Flags().StringVar(&col.Name, "name", "", "display name (required)")
	add.Flags().StringVar(&col.Description, "description", "", "description")
	add.Flags().StringSliceVar(&col.Items, "items", nil, "item slugs, comma separated")
	_ = add.MarkFlagRequired("name")

	remove := &cobra.Command{
		Use:   "remove <slug>",
		Short: "Remove a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *env) error {
				return e.engine.Collections.Remove(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}

func (c *cli) itemsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Manage items",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print the slugs and names of all items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *env) error {
				all, err := e.engine.Items.List()
				if err != nil {
					return err
				}
				for _, it := range all {
					if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", it.Slug, it.Name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <slug>",
		Short: "Print an item as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *env) error {
				it, err := e.engine.Items.Get(args[0])
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), it)
			})
		},
	}

	var (
		name, description, url string
		tags                   []string
		featured               bool
	)
	put := &cobra.Command{
		Use:   "put <slug>",
		Short: "Create an item or update the given fields of an existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			return c.withEngine(cmd, func(ctx context.Context, e *env) error {
				return e.engine.Items.Edit(ctx, args[0], func(it *items.Item) {
					if flags.Changed("name") {
						it.Name = name
					}
					if flags.Changed("description") {
						it.Description = description
					}
					if flags.Changed("url") {
						it.URL = url
					}
					if flags.Changed("tags") {
						it.Tags = tags
					}
					if flags.Changed("featured") {
						it.Featured = featured
					}
				})
			})
		},
	}
	put.Flags().StringVar(&name, "name", "", "display name (required for new items)")
	put.Flags().StringVar(&description, "description", "", "description")
	put.Flags().StringVar(&url, "url", "", "link")
	put.Flags().StringSliceVar(&tags, "tags", nil, "tags, comma separated")
	put.Flags().BoolVar(&featured, "featured", false, "feature the item")

	remove := &cobra.Command{
		Use:   "remove <slug>",
		Short: "Remove an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *env) error {
				return e.engine.Items.Remove(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(list, get, put, remove)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
