package fsatomic

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteFile replaces path with data so that readers see either the old or the
// new content. Data is staged in path+".tmp", synced, chmodded to perm (0600
// when zero, umask ignored) and renamed over path.
func WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o600
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()
	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Chmod(perm); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, path); err != nil {
		return err
	}
	return FsyncDir(dir)
}

// SaveJSON writes v as indented JSON with a trailing newline via WriteFile.
func SaveJSON(ctx context.Context, path string, v any, perm fs.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFile(ctx, path, append(b, '\n'), perm)
}

// LoadJSON loads JSON from path into v. Returns exists=false if file is missing.
// A stale path+".tmp" left by a crash is removed.
func LoadJSON(path string, v any) (bool, error) {
	_ = os.Remove(path + ".tmp")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// TryLock takes the lock at lockPath without waiting. ErrLocked means another
// process holds it. The returned func releases the lock.
func TryLock(lockPath string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, err
	}
	return flockExclusive(lockPath, false)
}

// FsyncDir calls Sync on a directory to persist metadata.
func FsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
