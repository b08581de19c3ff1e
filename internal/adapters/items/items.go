// Package items stores content items, one YAML file per item below a
// directory of the working copy. The file name is the item slug.
package items

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/gitstore/internal/store"
	"github.com/schaermu/gitstore/internal/workingcopy"
)

// DefaultDir is the tracked directory inside the working copy
const DefaultDir = "items"

const ext = ".yml"

var (
	// ErrNotFound is returned for unknown slugs
	ErrNotFound = errors.New("item not found")

	slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
)

// Item is one directory entry. Fields the application does not model are
// kept in Extra and written back unchanged.
type Item struct {
	Slug        string         `yaml:"-"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	URL         string         `yaml:"url,omitempty"`
	Tags        []string       `yaml:"tags,omitempty"`
	Featured    bool           `yaml:"featured,omitempty"`
	Extra       map[string]any `yaml:",inline"`
}

// Validate checks the slug and name
func (i Item) Validate() error {
	if !slugPattern.MatchString(i.Slug) {
		return fmt.Errorf("invalid item slug %q", i.Slug)
	}
	if strings.TrimSpace(i.Name) == "" {
		return fmt.Errorf("item %s: name is required", i.Slug)
	}
	return nil
}

// Codec maps items onto <Dir>/<slug>.yml
type Codec struct {
	Dir string
}

func (c Codec) file(slug string) string {
	return path.Join(c.Dir, slug+ext)
}

func (c Codec) Encode(list []Item) (store.Snapshot, error) {
	snap := make(store.Snapshot, len(list))
	for _, item := range list {
		if err := item.Validate(); err != nil {
			return nil, err
		}
		name := c.file(item.Slug)
		if _, dup := snap[name]; dup {
			return nil, fmt.Errorf("duplicate item slug %q", item.Slug)
		}
		data, err := yaml.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("failed to encode item %s: %w", item.Slug, err)
		}
		snap[name] = data
	}
	return snap, nil
}

// Layout owns <Dir>/<slug>.yml files with a valid slug. Anything else in
// the directory, such as a README, nested folders or files named
// Widget.yml, is never read or touched.
func (c Codec) Layout() store.Layout {
	l := store.DirLayout(c.Dir)
	l.Match = isItemFile
	return l
}

func isItemFile(rel string) bool {
	slug, ok := strings.CutSuffix(rel, ext)
	return ok && slugPattern.MatchString(slug)
}

// Decode reads every <slug>.yml directly below the directory
func (c Codec) Decode(s store.Snapshot) ([]Item, error) {
	list := make([]Item, 0, len(s))
	for name, data := range s {
		if path.Dir(name) != c.Dir || !isItemFile(path.Base(name)) {
			continue
		}
		var item Item
		if err := yaml.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		item.Slug = strings.TrimSuffix(path.Base(name), ext)
		list = append(list, item)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Slug < list[j].Slug })
	return list, nil
}

func (Codec) Default() []Item { return []Item{} }

// Describe summarizes the change by slug or by count
func (c Codec) Describe(prev, next []Item) string {
	before, err := c.Encode(prev)
	if err != nil {
		return ""
	}
	after, err := c.Encode(next)
	if err != nil {
		return ""
	}

	var added, removed, updated []string
	for name, data := range after {
		old, ok := before[name]
		switch {
		case !ok:
			added = append(added, slugOf(name))
		case string(old) != string(data):
			updated = append(updated, slugOf(name))
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			removed = append(removed, slugOf(name))
		}
	}

	switch {
	case len(added) == 1 && len(removed)+len(updated) == 0:
		return "add item " + added[0]
	case len(removed) == 1 && len(added)+len(updated) == 0:
		return "remove item " + removed[0]
	case len(updated) == 1 && len(added)+len(removed) == 0:
		return "update item " + updated[0]
	case len(prev) != len(next):
		return fmt.Sprintf("items %d -> %d", len(prev), len(next))
	default:
		return fmt.Sprintf("update %d items", len(added)+len(removed)+len(updated))
	}
}

func slugOf(name string) string {
	return strings.TrimSuffix(path.Base(name), ext)
}

// Items is the item store
type Items struct {
	*store.Store[[]Item]

	mu sync.Mutex // serializes read-modify-write
}

// New opens the item store. A missing directory reads as no items.
func New(wc *workingcopy.WorkingCopy, dir string, opts store.Options[[]Item]) (*Items, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if opts.Name == "" {
		opts.Name = "items"
	}
	codec := Codec{Dir: dir}
	opts.Layout = codec.Layout()
	opts.Codec = codec
	opts.InitializeIfMissing = false

	s, err := store.New(wc, opts)
	if err != nil {
		return nil, err
	}
	return &Items{Store: s}, nil
}

// List returns all items sorted by slug
func (it *Items) List() ([]Item, error) {
	return it.ReadAll()
}

// Get returns one item
func (it *Items) Get(slug string) (Item, error) {
	list, err := it.ReadAll()
	if err != nil {
		return Item{}, err
	}
	for _, item := range list {
		if item.Slug == slug {
			return item, nil
		}
	}
	return Item{}, fmt.Errorf("%w: %s", ErrNotFound, slug)
}

// Put creates or replaces an item
func (it *Items) Put(ctx context.Context, item Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	return it.update(ctx, func(list []Item) ([]Item, error) {
		for i := range list {
			if list[i].Slug == item.Slug {
				list[i] = item
				return list, nil
			}
		}
		return append(list, item), nil
	})
}

// Edit applies fn to the item with slug, or to a new item when there is
// none, and stores the result. Fields fn does not set, Extra included, keep
// their stored values.
func (it *Items) Edit(ctx context.Context, slug string, fn func(*Item)) error {
	return it.update(ctx, func(list []Item) ([]Item, error) {
		i := slices.IndexFunc(list, func(item Item) bool { return item.Slug == slug })
		if i < 0 {
			list = append(list, Item{})
			i = len(list) - 1
		}
		fn(&list[i])
		list[i].Slug = slug
		if err := list[i].Validate(); err != nil {
			return nil, err
		}
		return list, nil
	})
}

// Remove deletes an item
func (it *Items) Remove(ctx context.Context, slug string) error {
	return it.update(ctx, func(list []Item) ([]Item, error) {
		for i := range list {
			if list[i].Slug == slug {
				return append(list[:i], list[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slug)
	})
}

func (it *Items) update(ctx context.Context, fn func([]Item) ([]Item, error)) error {
	it.mu.Lock()
	defer it.mu.Unlock()

	list, err := it.ReadAll()
	if err != nil {
		return err
	}
	list, err = fn(list)
	if err != nil {
		return err
	}
	return it.Write(ctx, list, "")
}
