package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// writeSnapshot writes every file of s below root. Each file is replaced
// atomically. For directory layouts, owned files no longer in s are removed.
func writeSnapshot(root string, layout Layout, s Snapshot) error {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := atomicWrite(filepath.Join(root, filepath.FromSlash(k)), s[k], 0644); err != nil {
			return err
		}
	}

	if !layout.Dir {
		return nil
	}

	existing, _, err := readSnapshot(root, layout)
	if err != nil {
		return err
	}
	for k := range existing {
		if _, keep := s[k]; keep {
			continue
		}
		if err := os.Remove(filepath.Join(root, filepath.FromSlash(k))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if len(s) == 0 {
		// Keep the directory so an empty store reads as empty, not absent
		return os.MkdirAll(filepath.Join(root, filepath.FromSlash(layout.Path)), 0755)
	}
	return nil
}

// readSnapshot loads the files the layout owns below root. The boolean is false when
// the tracked file or directory does not exist.
func readSnapshot(root string, layout Layout) (Snapshot, bool, error) {
	full := filepath.Join(root, filepath.FromSlash(layout.Path))

	if !layout.Dir {
		data, err := os.ReadFile(full)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return Snapshot{layout.Path: data}, true, nil
	}

	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !info.IsDir() {
		return nil, false, &fs.PathError{Op: "read", Path: full, Err: errors.New("not a directory")}
	}

	s := Snapshot{}
	err = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != full && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if !layout.Owns(filepath.ToSlash(rel)) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		s[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// atomicWrite replaces dst with data via a temp file in the same directory
func atomicWrite(dst string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".gitstore-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// Digest returns a sha256 over the sorted paths and contents
func (s Snapshot) Digest() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	var n [8]byte
	for _, k := range keys {
		binary.BigEndian.PutUint64(n[:], uint64(len(k)))
		h.Write(n[:])
		h.Write([]byte(k))
		binary.BigEndian.PutUint64(n[:], uint64(len(s[k])))
		h.Write(n[:])
		h.Write(s[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Clone returns a deep copy
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = append([]byte(nil), v...)
	}
	return out
}
