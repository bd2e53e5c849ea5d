// Package staging holds uploaded statements on disk for the lifetime of one
// parser run.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// maxCollisionRetries bounds how often Stage re-reads the clock when a path is taken.
const maxCollisionRetries = 16

// maxNameBytes caps the client-supplied part of a staged file name so the
// timestamp prefix still fits within common 255-byte name limits.
const maxNameBytes = 200

// maxExtBytes is the longest extension kept when a name is shortened.
const maxExtBytes = 16

// Store writes transient copies of uploads into a single directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates the directory if needed and returns a store rooted at it.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("staging dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("staging: create dir: %w", err)
	}
	return &Store{dir: filepath.Clean(dir), now: time.Now}, nil
}

// Dir returns the directory staged files are written to.
func (s *Store) Dir() string {
	return s.dir
}

// Stage writes data to <dir>/<unix-nanos>-<name> and returns the path.
// The file is fully written and synced before Stage returns.
func (s *Store) Stage(data []byte, originalName string) (string, error) {
	name := safeName(originalName)

	var (
		f    *os.File
		path string
		err  error
	)
	for attempt := 0; attempt < maxCollisionRetries; attempt++ {
		path = filepath.Join(s.dir, strconv.FormatInt(s.now().UnixNano(), 10)+"-"+name)
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("staging: create file: %w", err)
		}
	}
	if err != nil {
		return "", fmt.Errorf("staging: no free path for %q: %w", name, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("staging: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("staging: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("staging: close: %w", err)
	}

	return path, nil
}

// Remove deletes a staged file. Removing a path that no longer exists is not an error.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("staging: remove: %w", err)
	}
	return nil
}

// Sweep removes staged files last modified more than olderThan ago and
// reports how many were deleted.
func (s *Store) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("staging: read dir: %w", err)
	}

	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed concurrently by its owner.
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := s.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// safeName reduces an uploaded file name to a base name that cannot escape the staging dir.
func safeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "upload"
	}
	return capName(name, maxNameBytes)
}

// capName shortens name to at most limit bytes without splitting a UTF-8
// sequence, keeping a short extension.
func capName(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) > maxExtBytes {
		ext = ""
	}
	stem := name[:len(name)-len(ext)]
	cut := limit - len(ext)
	for cut > 0 && !utf8.RuneStart(stem[cut]) {
		cut--
	}
	return stem[:cut] + ext
}
