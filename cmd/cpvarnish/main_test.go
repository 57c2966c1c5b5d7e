package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/turnuphosting/latest-varnish/internal/backup"
	"github.com/turnuphosting/latest-varnish/internal/config"
)

func TestApplyOverrides(t *testing.T) {
	v := viper.New()
	v.Set("http-port", 8081)
	v.Set("backend-http-port", 9080)
	v.Set("log-level", "debug")
	cfg, err := applyOverrides(config.Defaults(), v)
	if err != nil {
		t.Fatalf("applyOverrides: %v", err)
	}
	if cfg.Ports.HTTP != 8081 || cfg.Ports.BackendHTTP != 9080 {
		t.Fatalf("ports not applied: %+v", cfg.Ports)
	}
	if cfg.Ports.HTTPS != 443 {
		t.Fatalf("unset flag changed https port: %d", cfg.Ports.HTTPS)
	}
	if cfg.LogLevel != zerolog.DebugLevel {
		t.Fatalf("level: %v", cfg.LogLevel)
	}
}

func TestApplyOverridesRejectsConflicts(t *testing.T) {
	v := viper.New()
	v.Set("backend-http-port", 80)
	if _, err := applyOverrides(config.Defaults(), v); err == nil {
		t.Fatal("expected a port conflict to be rejected")
	}
	v = viper.New()
	v.Set("log-level", "loud")
	if _, err := applyOverrides(config.Defaults(), v); err == nil {
		t.Fatal("expected an unknown level to be rejected")
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{errStepsFailed, exitFailed},
		{fatal(errors.New("boom")), exitFatal},
		{errors.New("plain"), exitFatal},
	}
	for _, c := range cases {
		if got := exitCode(c.err); got != c.want {
			t.Fatalf("exitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestBanFor(t *testing.T) {
	cases := []struct {
		args    []string
		all     bool
		pattern string
		want    string
		wantErr bool
	}{
		{all: true, want: "req.url ~ ."},
		{args: []string{"example.com"}, want: "example.com"},
		{args: []string{"example.com", "/blog/*"}, want: "/blog/"},
		{args: []string{"example.com", "/a.css"}, want: "/a.css"},
		{args: []string{"example.com"}, pattern: "^/img/", want: "^/img/"},
		{wantErr: true},
		{args: []string{"example.com"}, all: true, wantErr: true},
		{args: []string{"example.com", "/x"}, pattern: "y", wantErr: true},
		{args: []string{"bad domain"}, wantErr: true},
	}
	for _, c := range cases {
		b, err := banFor(c.args, c.all, c.pattern)
		if c.wantErr {
			if err == nil {
				t.Fatalf("banFor(%v, %v, %q): expected error, got %s", c.args, c.all, c.pattern, b)
			}
			continue
		}
		if err != nil {
			t.Fatalf("banFor(%v, %v, %q): %v", c.args, c.all, c.pattern, err)
		}
		if !strings.Contains(b.String(), c.want) {
			t.Fatalf("banFor(%v, %v, %q) = %s, want it to contain %q", c.args, c.all, c.pattern, b, c.want)
		}
	}
}

func TestPrintBackups(t *testing.T) {
	var b strings.Builder
	printBackups(&b, []backup.Entry{
		{Original: "/etc/varnish/default.vcl", Copy: "/var/backups/cpvarnish/r1/x-etc_varnish_default.vcl", Existed: true},
		{Original: "/etc/cron.d/cpvarnish"},
	})
	out := b.String()
	if !strings.Contains(out, "/etc/varnish/default.vcl <- /var/backups/cpvarnish/r1/x-etc_varnish_default.vcl") {
		t.Fatalf("missing copy line:\n%s", out)
	}
	if !strings.Contains(out, "/etc/cron.d/cpvarnish (created by the run)") {
		t.Fatalf("missing created line:\n%s", out)
	}
	b.Reset()
	printBackups(&b, nil)
	if b.Len() != 0 {
		t.Fatalf("empty manifest printed %q", b.String())
	}
}
