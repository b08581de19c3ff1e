// Package collections stores curated collections in a single YAML file,
// sorted by slug. Unlike the config store, a missing file is created empty
// when the store is opened.
package collections

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/gitstore/internal/store"
	"github.com/schaermu/gitstore/internal/workingcopy"
)

// DefaultPath is the tracked file inside the working copy
const DefaultPath = "collections.yml"

var (
	// ErrNotFound is returned for unknown slugs
	ErrNotFound = errors.New("collection not found")
	// ErrExists is returned by Add for a slug that is already taken
	ErrExists = errors.New("collection already exists")

	slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
)

// Collection is a named, ordered list of item slugs
type Collection struct {
	Slug        string    `yaml:"slug"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	Items       []string  `yaml:"items,omitempty"`
	UpdatedAt   time.Time `yaml:"updated_at,omitempty"`
}

// Validate checks the slug and name
func (c Collection) Validate() error {
	if !slugPattern.MatchString(c.Slug) {
		return fmt.Errorf("invalid collection slug %q", c.Slug)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("collection %s: name is required", c.Slug)
	}
	return nil
}

type file struct {
	Collections []Collection `yaml:"collections"`
}

// Codec stores the collection list as one file sorted by slug
type Codec struct {
	Path string
}

func (c Codec) Encode(list []Collection) (store.Snapshot, error) {
	sorted := slices.Clone(list)
	if sorted == nil {
		sorted = []Collection{}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Slug < sorted[j].Slug })

	data, err := yaml.Marshal(file{Collections: sorted})
	if err != nil {
		return nil, err
	}
	return store.Snapshot{c.Path: data}, nil
}

func (c Codec) Decode(s store.Snapshot) ([]Collection, error) {
	var f file
	if err := yaml.Unmarshal(s[c.Path], &f); err != nil {
		return nil, fmt.Errorf("failed to parse collections: %w", err)
	}
	if f.Collections == nil {
		return []Collection{}, nil
	}
	return f.Collections, nil
}

func (Codec) Default() []Collection { return []Collection{} }

// Describe summarizes added, removed and updated collections
func (Codec) Describe(prev, next []Collection) string {
	before := make(map[string]Collection, len(prev))
	for _, c := range prev {
		before[c.Slug] = c
	}
	after := make(map[string]Collection, len(next))
	for _, c := range next {
		after[c.Slug] = c
	}

	var added, removed, updated []string
	for _, c := range next {
		old, ok := before[c.Slug]
		switch {
		case !ok:
			added = append(added, c.Slug)
		case !equal(old, c):
			updated = append(updated, c.Slug)
		}
	}
	for _, c := range prev {
		if _, ok := after[c.Slug]; !ok {
			removed = append(removed, c.Slug)
		}
	}

	switch {
	case len(added) == 1 && len(removed)+len(updated) == 0:
		return "add collection " + added[0]
	case len(removed) == 1 && len(added)+len(updated) == 0:
		return "remove collection " + removed[0]
	case len(updated) == 1 && len(added)+len(removed) == 0:
		return "update collection " + updated[0]
	case len(prev) != len(next):
		return fmt.Sprintf("collections %d -> %d", len(prev), len(next))
	default:
		return "update collections"
	}
}

func equal(a, b Collection) bool {
	return a.Name == b.Name && a.Description == b.Description &&
		slices.Equal(a.Items, b.Items) && a.UpdatedAt.Equal(b.UpdatedAt)
}

// Collections is the collections store
type Collections struct {
	*store.Store[[]Collection]

	mu  sync.Mutex // serializes read-modify-write
	now func() time.Time
}

// New opens the collections store, creating an empty file if none exists.
// The empty file is not committed until the first write.
func New(wc *workingcopy.WorkingCopy, path string, opts store.Options[[]Collection]) (*Collections, error) {
	if path == "" {
		path = DefaultPath
	}
	if opts.Name == "" {
		opts.Name = "collections"
	}
	opts.Layout = store.FileLayout(path)
	opts.Codec = Codec{Path: path}
	opts.InitializeIfMissing = true

	now := time.Now
	if opts.Clock != nil {
		now = opts.Clock.Now
	}

	s, err := store.New(wc, opts)
	if err != nil {
		return nil, err
	}
	return &Collections{Store: s, now: now}, nil
}

// List returns all collections sorted by slug
func (c *Collections) List() ([]Collection, error) {
	list, err := c.ReadAll()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Slug < list[j].Slug })
	return list, nil
}

// Get returns one collection
func (c *Collections) Get(slug string) (Collection, error) {
	list, err := c.ReadAll()
	if err != nil {
		return Collection{}, err
	}
	for _, col := range list {
		if col.Slug == slug {
			return col, nil
		}
	}
	return Collection{}, fmt.Errorf("%w: %s", ErrNotFound, slug)
}

// Add creates a new collection
func (c *Collections) Add(ctx context.Context, col Collection) error {
	if err := col.Validate(); err != nil {
		return err
	}
	return c.update(ctx, func(list []Collection) ([]Collection, error) {
		for _, existing := range list {
			if existing.Slug == col.Slug {
				return nil, fmt.Errorf("%w: %s", ErrExists, col.Slug)
			}
		}
		col.UpdatedAt = c.now().UTC()
		return append(list, col), nil
	})
}

// Put creates or replaces a collection
func (c *Collections) Put(ctx context.Context, col Collection) error {
	if err := col.Validate(); err != nil {
		return err
	}
	return c.update(ctx, func(list []Collection) ([]Collection, error) {
		col.UpdatedAt = c.now().UTC()
		for i, existing := range list {
			if existing.Slug == col.Slug {
				list[i] = col
				return list, nil
			}
		}
		return append(list, col), nil
	})
}

// Remove deletes a collection
func (c *Collections) Remove(ctx context.Context, slug string) error {
	return c.update(ctx, func(list []Collection) ([]Collection, error) {
		for i, existing := range list {
			if existing.Slug == slug {
				return slices.Delete(list, i, i+1), nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slug)
	})
}

func (c *Collections) update(ctx context.Context, fn func([]Collection) ([]Collection, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	list, err := c.ReadAll()
	if err != nil {
		return err
	}
	list, err = fn(list)
	if err != nil {
		return err
	}
	return c.Write(ctx, list, "")
}
