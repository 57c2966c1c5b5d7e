package certs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
)

type SyncResult struct {
	Bundles []Bundle `json:"bundles"`
	Removed []string `json:"removed,omitempty"`
	// Changed is set when the pem-dir content differs from before the sync.
	Changed bool `json:"changed"`
}

// Sync rebuilds the bundles and prunes stale ones. Hitch only needs a reload
// when Changed is set.
func (d *Discoverer) Sync(ctx context.Context) (SyncResult, error) {
	before, err := dirDigest(d.OutDir)
	if err != nil {
		return SyncResult{}, err
	}
	bundles, err := d.Discover(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	res := SyncResult{Bundles: bundles}
	if res.Removed, err = d.Prune(bundles); err != nil {
		return res, err
	}
	after, err := dirDigest(d.OutDir)
	if err != nil {
		return res, err
	}
	res.Changed = before != after
	return res, nil
}

// dirDigest hashes the names and content of the *.pem files in dir.
func dirDigest(dir string) (string, error) {
	names, err := filepath.Glob(filepath.Join(dir, "*.pem"))
	if err != nil {
		return "", err
	}
	sort.Strings(names)
	h := sha256.New()
	for _, n := range names {
		f, err := os.Open(n)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		_, _ = io.WriteString(h, filepath.Base(n)+"\x00")
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
