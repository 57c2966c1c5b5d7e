// Package backup copies files aside before they are overwritten so every
// destructive write can be undone.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turnuphosting/latest-varnish/internal/fsatomic"
)

const manifestName = "manifest.json"

type Entry struct {
	Original string      `json:"original"`
	Copy     string      `json:"copy,omitempty"`
	Existed  bool        `json:"existed"`
	Mode     fs.FileMode `json:"mode,omitempty"`
	At       time.Time   `json:"at"`
}

// Store keeps the backups of one run under <root>/<runID>.
type Store struct {
	Dir string
	Now func() time.Time

	mu      sync.Mutex
	entries []Entry
}

// NewRunID sorts by time and stays unique across hosts sharing a backup volume.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

func New(root, runID string) *Store {
	return &Store{Dir: filepath.Join(root, runID), Now: time.Now}
}

// Save copies path into the store. A missing path is recorded so Restore can
// remove whatever gets written there later.
func (s *Store) Save(ctx context.Context, path string) (Entry, error) {
	now := s.Now().UTC()
	e := Entry{Original: path, At: now}
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return e, fmt.Errorf("backup %s: %w", path, err)
	case !fi.Mode().IsRegular():
		return e, fmt.Errorf("backup %s: not a regular file", path)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return e, fmt.Errorf("backup %s: %w", path, err)
		}
		e.Existed = true
		e.Mode = fi.Mode().Perm()
		e.Copy = filepath.Join(s.Dir, now.Format("20060102T150405.000000000")+"-"+flatten(path))
		if err := fsatomic.WriteFile(ctx, e.Copy, data, 0o600); err != nil {
			return e, fmt.Errorf("backup %s: %w", path, err)
		}
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	snapshot := append([]Entry(nil), s.entries...)
	s.mu.Unlock()
	if err := fsatomic.SaveJSON(ctx, filepath.Join(s.Dir, manifestName), snapshot, 0o600); err != nil {
		return e, fmt.Errorf("backup manifest: %w", err)
	}
	return e, nil
}

// Write backs path up and then replaces it atomically. Nothing is written when
// the backup fails.
func (s *Store) Write(ctx context.Context, path string, data []byte, perm fs.FileMode) (Entry, error) {
	e, err := s.Save(ctx, path)
	if err != nil {
		return e, err
	}
	if err := fsatomic.WriteFile(ctx, path, data, perm); err != nil {
		return e, fmt.Errorf("write %s: %w", path, err)
	}
	return e, nil
}

// Restore puts the saved content back, or removes the file if it did not exist.
func (s *Store) Restore(ctx context.Context, e Entry) error {
	if !e.Existed {
		if err := os.Remove(e.Original); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("restore %s: %w", e.Original, err)
		}
		return nil
	}
	data, err := os.ReadFile(e.Copy)
	if err != nil {
		return fmt.Errorf("restore %s: %w", e.Original, err)
	}
	mode := e.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := fsatomic.WriteFile(ctx, e.Original, data, mode); err != nil {
		return fmt.Errorf("restore %s: %w", e.Original, err)
	}
	return nil
}

// LoadManifest reads the entries recorded for a past run.
func LoadManifest(dir string) ([]Entry, error) {
	var entries []Entry
	ok, err := fsatomic.LoadJSON(filepath.Join(dir, manifestName), &entries)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, os.ErrNotExist
	}
	return entries, nil
}

func flatten(path string) string {
	return strings.ReplaceAll(strings.TrimPrefix(filepath.Clean(path), "/"), "/", "_")
}
