package store

import (
	"fmt"
	"path"
	"strings"
)

// Snapshot is the complete on-disk state of a store, keyed by slash separated
// path relative to the working copy root.
type Snapshot map[string][]byte

// Layout locates a store's tracked path inside the working copy. Dir layouts
// own every visible file below Path unless Match narrows that down; file
// layouts own exactly one file. Files a layout does not own are never read,
// rewritten or removed by the store.
type Layout struct {
	Path string
	Dir  bool
	// Match reports whether a file below a Dir layout belongs to the store,
	// given its slash separated path relative to Path
	Match func(rel string) bool
}

// FileLayout tracks a single file
func FileLayout(p string) Layout { return Layout{Path: p} }

// DirLayout tracks every file below a directory
func DirLayout(p string) Layout { return Layout{Path: p, Dir: true} }

// Codec converts between an adapter's value and its snapshot
type Codec[T any] interface {
	Encode(v T) (Snapshot, error)
	Decode(s Snapshot) (T, error)
	// Default is returned by ReadAll when nothing exists on disk yet
	Default() T
}

// Describer is implemented by codecs that can summarize a change for the
// default commit message, e.g. "add collection featured".
type Describer[T any] interface {
	Describe(prev, next T) string
}

func (l Layout) validate() error {
	p := l.Path
	if p == "" || path.IsAbs(p) || strings.Contains(p, `\`) {
		return fmt.Errorf("invalid tracked path %q", p)
	}
	if path.Clean(p) != p || p == "." || strings.HasPrefix(p, "../") || p == ".." {
		return fmt.Errorf("tracked path %q must be clean and inside the working copy", p)
	}
	if p == ".git" || strings.HasPrefix(p, ".git/") {
		return fmt.Errorf("tracked path %q points into .git", p)
	}
	return nil
}

// Owns reports whether key, relative to the working copy, belongs to this
// layout
func (l Layout) Owns(key string) bool {
	if !l.Dir {
		return key == l.Path
	}
	if !strings.HasPrefix(key, l.Path+"/") || path.Clean(key) != key {
		return false
	}
	rel := strings.TrimPrefix(key, l.Path+"/")
	for _, part := range strings.Split(rel, "/") {
		if part == "" || part == ".." || strings.HasPrefix(part, ".") {
			return false
		}
	}
	return l.Match == nil || l.Match(rel)
}

func (l Layout) check(s Snapshot) error {
	if !l.Dir && len(s) != 1 {
		return fmt.Errorf("snapshot for %s must hold exactly one file, got %d", l.Path, len(s))
	}
	for key := range s {
		if !l.Owns(key) {
			return fmt.Errorf("snapshot path %q is outside %s", key, l.Path)
		}
	}
	return nil
}
