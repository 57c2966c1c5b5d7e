package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fixedNow() time.Time { return time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC) }

func TestWriteBacksUpFirst(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "etc", "varnish", "default.vcl")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(filepath.Join(dir, "backups"), "run-1")
	s.Now = fixedNow
	e, err := s.Write(context.Background(), target, []byte("new"), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Existed || !strings.HasPrefix(filepath.Base(e.Copy), "20240115T103045") {
		t.Fatalf("entry: %+v", e)
	}
	if !strings.HasSuffix(e.Copy, "etc_varnish_default.vcl") {
		t.Fatalf("copy name: %s", e.Copy)
	}
	if b, _ := os.ReadFile(e.Copy); string(b) != "old" {
		t.Fatalf("backup content: %q", b)
	}
	if b, _ := os.ReadFile(target); string(b) != "new" {
		t.Fatalf("target content: %q", b)
	}
	if err := s.Restore(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if b, _ := os.ReadFile(target); string(b) != "old" {
		t.Fatalf("restored content: %q", b)
	}
	m, err := LoadManifest(s.Dir)
	if err != nil || len(m) != 1 || m[0].Original != target {
		t.Fatalf("manifest: %+v %v", m, err)
	}
}

func TestRestoreRemovesNewFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "cron.d", "cpvarnish")
	s := New(filepath.Join(dir, "backups"), "run-2")
	e, err := s.Write(context.Background(), target, []byte("17 3 * * * root true\n"), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if e.Existed {
		t.Fatalf("target did not exist before")
	}
	if err := s.Restore(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("file should be removed: %v", err)
	}
}

func TestNothingWrittenWhenBackupFails(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "hitch.conf")
	if err := os.WriteFile(target, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	blocker := filepath.Join(dir, "backups")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	s := New(blocker, "run-3")
	if _, err := s.Write(context.Background(), target, []byte("new"), 0o644); err == nil {
		t.Fatalf("expected backup failure")
	}
	if b, _ := os.ReadFile(target); string(b) != "old" {
		t.Fatalf("target must be untouched, got %q", b)
	}
}

func TestManifestKeepsEarliestFirst(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "cpanel.config")
	_ = os.WriteFile(target, []byte("v1"), 0o644)
	s := New(filepath.Join(dir, "b"), "run-4")
	n := 0
	s.Now = func() time.Time { n++; return fixedNow().Add(time.Duration(n) * time.Second) }
	if _, err := s.Write(context.Background(), target, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(context.Background(), target, []byte("v3"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadManifest(s.Dir)
	if err != nil || len(m) != 2 {
		t.Fatalf("manifest: %+v %v", m, err)
	}
	if b, _ := os.ReadFile(m[0].Copy); string(b) != "v1" {
		t.Fatalf("first backup holds %q", b)
	}
}
