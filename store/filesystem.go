package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileSystem is a Store backed by one file per key under Dir. Keys are
// mangled into filenames by escaping every byte outside [A-Za-z0-9-]
// (underscore included) as "_XX" (hex), which is injective and keeps the mapping key->filename
// collision-free (the teacher's Cache hard-coded three file names instead;
// this generalizes that to arbitrary keys per spec.md §4.8).
type FileSystem struct {
	Dir string
}

// NewFileSystem creates a FileSystem store rooted at dir. The directory is
// created lazily on first Write.
func NewFileSystem(dir string) *FileSystem {
	return &FileSystem{Dir: dir}
}

func mangle(key string) string {
	var sb strings.Builder
	for i := 0; i < len(key); i++ {
		b := key[i]
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9', b == '-':
			sb.WriteByte(b)
		default:
			fmt.Fprintf(&sb, "_%02x", b)
		}
	}
	return sb.String()
}

func unmangle(name string) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(name); i++ {
		if name[i] == '_' {
			if i+3 > len(name) {
				return "", fmt.Errorf("store: truncated escape in filename %q", name)
			}
			var b byte
			if _, err := fmt.Sscanf(name[i+1:i+3], "%02x", &b); err != nil {
				return "", fmt.Errorf("store: bad escape in filename %q: %w", name, err)
			}
			sb.WriteByte(b)
			i += 2
			continue
		}
		sb.WriteByte(name[i])
	}
	return sb.String(), nil
}

func (fs *FileSystem) path(key string) string {
	return filepath.Join(fs.Dir, mangle(key))
}

func (fs *FileSystem) Read(key string) ([]byte, error) {
	b, err := os.ReadFile(fs.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read %q: %w", key, err)
	}
	return b, nil
}

func (fs *FileSystem) Write(key string, value []byte) error {
	if err := os.MkdirAll(fs.Dir, 0o700); err != nil {
		return fmt.Errorf("store: create dir: %w", err)
	}
	if err := os.WriteFile(fs.path(key), value, 0o600); err != nil {
		return fmt.Errorf("store: write %q: %w", key, err)
	}
	return nil
}

func (fs *FileSystem) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(fs.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, err := unmangle(e.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (fs *FileSystem) Remove(key string) error {
	if err := os.Remove(fs.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove %q: %w", key, err)
	}
	return nil
}

func (fs *FileSystem) RemoveAll(prefix string) error {
	keys, err := fs.List(prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := fs.Remove(k); err != nil {
			return err
		}
	}
	return nil
}
