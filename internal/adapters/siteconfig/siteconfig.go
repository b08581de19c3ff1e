// Package siteconfig stores the site configuration document. A missing file
// reads as an empty document and is not written until the first Set.
package siteconfig

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/gitstore/internal/store"
	"github.com/schaermu/gitstore/internal/workingcopy"
)

// DefaultPath is the tracked file inside the working copy
const DefaultPath = "config.yml"

// Codec maps a Document onto one YAML file without sorting keys
type Codec struct {
	Path string
}

func (c Codec) Encode(d *Document) (store.Snapshot, error) {
	if d == nil {
		d = NewDocument()
	}
	data, err := d.Marshal()
	if err != nil {
		return nil, err
	}
	return store.Snapshot{c.Path: data}, nil
}

func (c Codec) Decode(s store.Snapshot) (*Document, error) {
	return Parse(s[c.Path])
}

func (Codec) Default() *Document { return NewDocument() }

// Describe names the changed keys, e.g. "update pagination.type"
func (Codec) Describe(prev, next *Document) string {
	before := map[string]string{}
	for _, l := range prev.Leaves() {
		before[l.Path] = l.Value
	}

	var changed []string
	for _, l := range next.Leaves() {
		if old, ok := before[l.Path]; !ok || old != l.Value {
			changed = append(changed, l.Path)
		}
		delete(before, l.Path)
	}
	for _, l := range prev.Leaves() {
		if _, removed := before[l.Path]; removed {
			changed = append(changed, l.Path)
		}
	}

	switch {
	case len(changed) == 0:
		return "update config"
	case len(changed) <= 3:
		return "update " + strings.Join(changed, ", ")
	default:
		return fmt.Sprintf("update %d config keys", len(changed))
	}
}

// Config is the site configuration store
type Config struct {
	*store.Store[*Document]

	mu sync.Mutex // serializes read-modify-write
}

// New opens the config store. opts supplies the shared settings; name,
// layout and codec are set here.
func New(wc *workingcopy.WorkingCopy, path string, opts store.Options[*Document]) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	if opts.Name == "" {
		opts.Name = "config"
	}
	opts.Layout = store.FileLayout(path)
	opts.Codec = Codec{Path: path}
	opts.InitializeIfMissing = false

	s, err := store.New(wc, opts)
	if err != nil {
		return nil, err
	}
	return &Config{Store: s}, nil
}

// Get returns the value at a dotted key path
func (c *Config) Get(key string) (any, bool, error) {
	doc, err := c.ReadAll()
	if err != nil {
		return nil, false, err
	}
	v, ok := doc.Get(key)
	return v, ok, nil
}

// Set writes value at a dotted key path
func (c *Config) Set(ctx context.Context, key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.ReadAll()
	if err != nil {
		return err
	}
	if err := doc.Set(key, value); err != nil {
		return err
	}
	return c.Write(ctx, doc, "")
}

// Unset removes a dotted key path. Removing a missing key is a no-op.
func (c *Config) Unset(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.ReadAll()
	if err != nil {
		return err
	}
	if !doc.Delete(key) {
		return nil
	}
	return c.Write(ctx, doc, "")
}

// ParseValue interprets a command line value as a YAML scalar, so "10"
// becomes an int and "true" a bool
func ParseValue(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	return v
}
