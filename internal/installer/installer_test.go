package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/turnuphosting/latest-varnish/internal/certs"
	"github.com/turnuphosting/latest-varnish/internal/config"
	"github.com/turnuphosting/latest-varnish/internal/fsatomic"
	"github.com/turnuphosting/latest-varnish/internal/host"
	"github.com/turnuphosting/latest-varnish/internal/host/hosttest"
	"github.com/turnuphosting/latest-varnish/internal/probe"
	"github.com/turnuphosting/latest-varnish/internal/steps"
	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

const cpanelConfig = "# cpanel\nallow_deprecated_accesshash=0\napache_port=0.0.0.0:80\napache_ssl_port=0.0.0.0:443\nskipboxtrapper=1\n"

type fakeCerts struct {
	bundles []certs.Bundle
	err     error
}

func (f *fakeCerts) Discover(context.Context) ([]certs.Bundle, error) { return f.bundles, f.err }

type fixture struct {
	cfg    config.Config
	runner *hosttest.Runner
	svc    *hosttest.Services
	pkgs   *hosttest.Packages
	ports  *hosttest.LivePorts
	certs  *fakeCerts
	chowns map[string]int
	sleeps []time.Duration
	in     *Installer
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	p := func(rel string) string { return filepath.Join(dir, rel) }

	cfg := config.Defaults()
	cfg.Varnish.VCLPath = p("etc/varnish/default.vcl")
	cfg.Varnish.SecretPath = p("etc/varnish/secret")
	cfg.Varnish.UnitDropIn = p("etc/systemd/system/varnish.service.d/cpvarnish.conf")
	cfg.Hitch.ConfigPath = p("etc/hitch/hitch.conf")
	cfg.Hitch.CertDir = p("etc/hitch/certs")
	cfg.Paths.BackupDir = p("var/lib/cpvarnish/backups")
	cfg.Paths.StateDir = p("var/lib/cpvarnish")
	cfg.Paths.OSRelease = p("etc/os-release")
	cfg.Paths.CPanelBinary = p("usr/local/cpanel/cpanel")
	cfg.Paths.CPanelConfig = p("var/cpanel/cpanel.config")
	cfg.Paths.WHMAPI = p("usr/local/cpanel/bin/whmapi1")
	cfg.Paths.Scripts = p("usr/local/cpanel/scripts")
	cfg.Paths.AppConfigDir = p("var/cpanel/apps")
	cfg.Paths.PanelCGI = p("usr/local/cpanel/whostmgr/docroot/cgi/cpvarnish/cpvarnish-panel.cgi")
	cfg.Paths.UserCGI = p("usr/local/cpanel/base/3rdparty/cpvarnish/cpvarnish-panel.cgi")
	cfg.Paths.CronFile = p("etc/cron.d/cpvarnish")
	cfg.Paths.PanelSecret = p("var/lib/cpvarnish/panel.key")
	cfg.Paths.PanelBinary = p("usr/local/bin/cpvarnish-panel")

	writeFile(t, cfg.Paths.OSRelease, "NAME=\"AlmaLinux\"\nID=\"almalinux\"\nID_LIKE=\"rhel centos fedora\"\nVERSION_ID=\"9.3\"\nPRETTY_NAME=\"AlmaLinux 9.3 (Shamrock Pampas Cat)\"\n")
	writeFile(t, cfg.Paths.CPanelBinary, "")
	writeFile(t, cfg.Paths.WHMAPI, "")
	writeFile(t, cfg.Paths.CPanelConfig, cpanelConfig)
	writeFile(t, cfg.Paths.PanelBinary, "")

	f := &fixture{
		cfg: cfg,
		runner: &hosttest.Runner{Handler: func(c hosttest.Call) (shell.Result, error) {
			if filepath.Base(c.Name) == "whmapi1" {
				return shell.Result{Stdout: []byte("---\nmetadata:\n  reason: OK\n  result: 1\n")}, nil
			}
			return shell.Result{}, nil
		}},
		svc:    hosttest.NewServices(),
		pkgs:   &hosttest.Packages{Tool: "dnf"},
		chowns: map[string]int{},
		certs:  &fakeCerts{bundles: []certs.Bundle{{CertPath: "/var/cpanel/ssl/apache_tls/example.com/certificates", CombinedPath: p("etc/hitch/certs/example.com.pem"), Domain: "example.com"}}},
	}
	varnish, _ := cfg.Service(config.ServiceVarnish)
	hitch, _ := cfg.Service(config.ServiceHitch)
	httpd, _ := cfg.Service(config.ServiceHTTPD)
	f.ports = &hosttest.LivePorts{Services: f.svc, Owners: map[int]host.ServiceDescriptor{80: varnish, 4443: varnish, 443: hitch, 8080: httpd, 8443: httpd}}
	// Apache is already serving on a cPanel host.
	f.svc.States["httpd"] = host.UnitState{Unit: "httpd", LoadState: "loaded", ActiveState: "active", SubState: "running", MainPID: 1200, Since: f.svc.Now}

	env := Env{
		Runner:   f.runner,
		Services: f.svc,
		Ports:    f.ports,
		Packages: func(host.OSRelease) (host.PackageManager, error) { return f.pkgs, nil },
		Certs:    f.certs,
		IsRoot:   func() bool { return true },
		Now:      func() time.Time { return time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC) },
		Sleep:    func(d time.Duration) { f.sleeps = append(f.sleeps, d) },
		NewRunID: func() string { return "20240115T103000Z-test" },
		GroupID: func(name string) (int, error) {
			if name != "varnish" {
				return 0, fmt.Errorf("group %s not found", name)
			}
			return 985, nil
		},
		Chown: func(path string, _, gid int) error {
			f.chowns[path] = gid
			return nil
		},
	}
	f.in = New(cfg, env, zerolog.Nop())
	return f
}

func (f *fixture) run(t *testing.T, targets ...Target) *Report {
	t.Helper()
	rep, err := f.in.Run(context.Background(), NewPlan(f.cfg, targets...))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return rep
}

func find(rep *Report, step steps.State, service string) (steps.Result, bool) {
	for i := len(rep.Steps) - 1; i >= 0; i-- {
		r := rep.Steps[i]
		if r.Step == step && r.Service == service {
			return r, true
		}
	}
	return steps.Result{}, false
}

var fullSequence = []steps.State{
	steps.Prepared, steps.PackagesInstalled, steps.ConfigsWritten,
	steps.CertificatesBundled, steps.ServicesStarted, steps.Verified,
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)
	rep := f.run(t, TargetVarnish, TargetHitch)

	if got := rep.States(); !reflect.DeepEqual(got, fullSequence) {
		t.Fatalf("states = %v", got)
	}
	for _, r := range rep.Steps {
		if r.Outcome != steps.Success {
			t.Fatalf("step not successful: %+v", r)
		}
	}
	if rep.Tier != "whmapi" {
		t.Fatalf("tier = %q", rep.Tier)
	}
	v := rep.Verification
	if v == nil || !v.Healthy() || len(v.Services) != 3 {
		t.Fatalf("verification: %+v", v)
	}
	for _, s := range v.Services {
		if !s.Running {
			t.Fatalf("%s not running", s.Name)
		}
	}
	if !v.Services[0].Listening[80] || !v.Services[0].Listening[4443] || !v.Services[1].Listening[443] {
		t.Fatalf("listening: %+v", v.Services)
	}
	if apache := v.Services[2]; apache.Name != "httpd" || !apache.Listening[8080] || !apache.Listening[8443] {
		t.Fatalf("apache not verified on backend ports: %+v", apache)
	}

	if !reflect.DeepEqual(f.pkgs.Installs, [][]string{{"epel-release", "varnish", "hitch"}}) {
		t.Fatalf("installs: %v", f.pkgs.Installs)
	}
	whmapi := f.cfg.Paths.WHMAPI
	for _, want := range []string{
		whmapi + " set_tweaksetting --output=yaml key=apache_port value=0.0.0.0:8080",
		whmapi + " set_tweaksetting --output=yaml key=apache_ssl_port value=0.0.0.0:8443",
		filepath.Join(f.cfg.Paths.Scripts, "rebuildhttpdconf"),
		filepath.Join(f.cfg.Paths.Scripts, "restartsrv_httpd"),
		"varnishd -C -f " + f.cfg.Varnish.VCLPath,
		"hitch --test --config=" + f.cfg.Hitch.ConfigPath,
	} {
		if !f.runner.Ran(want) {
			t.Fatalf("did not run %q: %v", want, f.runner.Calls)
		}
	}
	if f.svc.Count("enable varnish") != 1 || f.svc.Count("enable hitch") != 1 {
		t.Fatalf("service calls: %v", f.svc.Calls)
	}

	if vcl := readFile(t, f.cfg.Varnish.VCLPath); !strings.Contains(vcl, `.port = "8080";`) {
		t.Fatalf("vcl backend:\n%s", vcl)
	}
	if conf := readFile(t, f.cfg.Hitch.ConfigPath); !strings.Contains(conf, `frontend = "[*]:443"`) {
		t.Fatalf("hitch conf:\n%s", conf)
	}
	if cron := readFile(t, f.cfg.Paths.CronFile); !strings.Contains(cron, "17 3 * * * root /usr/local/bin/cpvarnish certs sync") {
		t.Fatalf("cron:\n%s", cron)
	}
	if fi, err := os.Stat(f.cfg.Varnish.SecretPath); err != nil || fi.Mode().Perm() != 0o600 {
		t.Fatalf("secret: %v %v", fi, err)
	}

	last, ok, err := LoadLastRun(f.cfg.Paths.StateDir)
	if err != nil || !ok || last.RunID != rep.RunID || len(last.Steps) != len(rep.Steps) {
		t.Fatalf("last run: %+v ok=%v err=%v", last, ok, err)
	}
}

func TestVerificationCatchesApacheDown(t *testing.T) {
	f := newFixture(t)
	f.runner.Handler = func(c hosttest.Call) (shell.Result, error) {
		switch filepath.Base(c.Name) {
		case "whmapi1":
			return shell.Result{Stdout: []byte("---\nmetadata:\n  reason: OK\n  result: 1\n")}, nil
		case "restartsrv_httpd":
			f.svc.States["httpd"] = host.UnitState{Unit: "httpd", LoadState: "loaded", ActiveState: "failed", SubState: "failed"}
			return hosttest.Fail(1, "httpd failed to bind 0.0.0.0:8080")
		}
		return shell.Result{}, nil
	}
	rep := f.run(t, TargetVarnish, TargetHitch)

	if r, _ := find(rep, steps.ServicesStarted, config.ServiceHTTPD); r.Outcome != steps.Failure {
		t.Fatalf("httpd restart: %+v", r)
	}
	v, _ := find(rep, steps.Verified, "")
	if v.Outcome != steps.Failure {
		t.Fatalf("verified despite apache being down: %+v", v)
	}
	var apache *probe.ServiceStatus
	for i := range rep.Verification.Services {
		if rep.Verification.Services[i].Name == "httpd" {
			apache = &rep.Verification.Services[i]
		}
	}
	if apache == nil || apache.Running || apache.Listening[8080] {
		t.Fatalf("apache status: %+v", apache)
	}
}

func TestTierOneFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	if err := os.Remove(f.cfg.Paths.WHMAPI); err != nil {
		t.Fatal(err)
	}
	rep := f.run(t, TargetVarnish, TargetHitch)

	var tierOne *steps.Result
	for i := range rep.Steps {
		if rep.Steps[i].Tier == "whmapi" && rep.Steps[i].Failed() {
			tierOne = &rep.Steps[i]
		}
	}
	if tierOne == nil || !strings.Contains(tierOne.Detail, "whmapi1") {
		t.Fatalf("no failed tier-1 step: %+v", rep.Steps)
	}
	if rep.Tier != "scripted" {
		t.Fatalf("tier = %q", rep.Tier)
	}
	if got := rep.States(); !reflect.DeepEqual(got, fullSequence) {
		t.Fatalf("states = %v", got)
	}
	for _, svc := range []string{config.ServiceVarnish, config.ServiceHitch} {
		if r, ok := find(rep, steps.ServicesStarted, svc); !ok || r.Outcome != steps.Success {
			t.Fatalf("%s start: %+v", svc, r)
		}
	}

	want := strings.Replace(strings.Replace(cpanelConfig, "0.0.0.0:80\n", "0.0.0.0:8080\n", 1), "0.0.0.0:443\n", "0.0.0.0:8443\n", 1)
	if got := readFile(t, f.cfg.Paths.CPanelConfig); got != want {
		t.Fatalf("cpanel.config:\n%s\nwant:\n%s", got, want)
	}
	if f.svc.Count("restart httpd") != 1 {
		t.Fatalf("httpd not restarted: %v", f.svc.Calls)
	}
	if f.runner.Ran(f.cfg.Paths.WHMAPI) {
		t.Fatal("whmapi1 must not run when it is absent")
	}
}

func TestVarnishStartAlwaysFails(t *testing.T) {
	f := newFixture(t)
	f.svc.AlwaysFail["varnish"] = errors.New("Job for varnish.service failed because the control process exited with error code.")
	f.svc.Journal["varnish"] = []string{"Error: Could not get socket :80: Address already in use"}
	rep := f.run(t, TargetVarnish, TargetHitch)

	if n := f.svc.Count("start varnish"); n != 3 {
		t.Fatalf("start attempts = %d", n)
	}
	if !reflect.DeepEqual(f.sleeps, []time.Duration{3 * time.Second, 3 * time.Second}) {
		t.Fatalf("sleeps = %v", f.sleeps)
	}
	r, _ := find(rep, steps.ServicesStarted, config.ServiceVarnish)
	if r.Outcome != steps.Failure || r.Kind != steps.KindServiceStartFailed || !strings.Contains(r.Detail, "Address already in use") {
		t.Fatalf("varnish result: %+v", r)
	}
	if r, _ := find(rep, steps.ServicesStarted, config.ServiceHitch); r.Outcome != steps.Success {
		t.Fatalf("hitch result: %+v", r)
	}
	if rep.Tier != "whmapi" {
		t.Fatalf("a start failure must not fall through tiers, tier = %q", rep.Tier)
	}
	v, _ := find(rep, steps.Verified, "")
	if v.Outcome != steps.Failure || !rep.Failed() {
		t.Fatalf("verified: %+v", v)
	}
	st := rep.Verification.Services
	if st[0].Name != "varnish" || st[0].Running || st[1].Name != "hitch" || !st[1].Running {
		t.Fatalf("verification: %+v", st)
	}
}

func TestPortConflictSkipsStart(t *testing.T) {
	f := newFixture(t)
	f.ports.Static.Set(80, "nginx")
	rep := f.run(t, TargetVarnish, TargetHitch)

	r, _ := find(rep, steps.ServicesStarted, config.ServiceVarnish)
	if r.Kind != steps.KindPortConflict || !strings.Contains(r.Detail, "nginx") {
		t.Fatalf("varnish result: %+v", r)
	}
	if f.svc.Count("start varnish") != 0 {
		t.Fatalf("varnish started despite conflict: %v", f.svc.Calls)
	}
	hasHint := false
	for _, h := range rep.Verification.Hints {
		if h.Service == "varnish" && h.Signature == "port-conflict" {
			hasHint = true
		}
	}
	if !hasHint {
		t.Fatalf("hints: %+v", rep.Verification.Hints)
	}
}

func TestConfigValidationRestoresBackup(t *testing.T) {
	f := newFixture(t)
	const old = "vcl 4.0;\nbackend default { .host = \"127.0.0.1\"; .port = \"80\"; }\n"
	writeFile(t, f.cfg.Varnish.VCLPath, old)
	f.runner.Handler = func(c hosttest.Call) (shell.Result, error) {
		if c.Name == "varnishd" {
			return hosttest.Fail(2, "Message from VCC-compiler:\nExpected ';' got '}'")
		}
		return shell.Result{Stdout: []byte("metadata:\n  result: 1\n")}, nil
	}
	rep := f.run(t, TargetVarnish, TargetHitch)

	r, _ := find(rep, steps.ConfigsWritten, config.ServiceVarnish)
	if r.Outcome != steps.Failure || r.Kind != steps.KindConfigValidationFailed {
		t.Fatalf("configs: %+v", r)
	}
	if got := readFile(t, f.cfg.Varnish.VCLPath); got != old {
		t.Fatalf("vcl not restored:\n%s", got)
	}
	if _, err := os.Stat(f.cfg.Varnish.UnitDropIn); !os.IsNotExist(err) {
		t.Fatalf("drop-in should be removed again: %v", err)
	}
	for _, svc := range []string{config.ServiceVarnish, config.ServiceHitch} {
		if r, _ := find(rep, steps.ServicesStarted, svc); r.Outcome != steps.Skipped {
			t.Fatalf("%s should be skipped: %+v", svc, r)
		}
	}
	if f.svc.Count("start varnish") != 0 || f.runner.Ran(f.cfg.Paths.WHMAPI+" set_tweaksetting") {
		t.Fatal("nothing may start and apache must keep its ports")
	}

	entries, err := os.ReadDir(filepath.Join(f.cfg.Paths.BackupDir, rep.RunID))
	if err != nil {
		t.Fatal(err)
	}
	var copied bool
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "default.vcl") && readFile(t, filepath.Join(f.cfg.Paths.BackupDir, rep.RunID, e.Name())) == old {
			copied = true
		}
	}
	if !copied {
		t.Fatalf("no backup of the previous vcl in %v", entries)
	}
}

func TestNoCertificatesBlocksHitch(t *testing.T) {
	f := newFixture(t)
	f.certs.bundles = nil
	rep := f.run(t, TargetVarnish, TargetHitch)

	r, _ := find(rep, steps.CertificatesBundled, config.ServiceHitch)
	if r.Outcome != steps.Failure || r.Detail != "no certificate/key pairs found" {
		t.Fatalf("certs: %+v", r)
	}
	if r, _ := find(rep, steps.ServicesStarted, config.ServiceHitch); r.Outcome != steps.Skipped {
		t.Fatalf("hitch: %+v", r)
	}
	if f.runner.Ran(f.cfg.Paths.WHMAPI + " set_tweaksetting --output=yaml key=apache_ssl_port") {
		t.Fatal("apache must keep 443 when hitch cannot start")
	}
	if r, _ := find(rep, steps.ServicesStarted, config.ServiceVarnish); r.Outcome != steps.Success {
		t.Fatalf("varnish: %+v", r)
	}
}

func TestPackageManagerUnavailable(t *testing.T) {
	f := newFixture(t)
	f.in.Env.Packages = func(host.OSRelease) (host.PackageManager, error) { return nil, host.ErrNoPackageManager }
	rep := f.run(t, TargetVarnish, TargetHitch)

	failed := 0
	for _, r := range rep.Steps {
		if r.Kind == steps.KindPackageManagerUnavailable {
			failed++
		}
	}
	if failed != 3 {
		t.Fatalf("want a failure per tier, got %d: %+v", failed, rep.Steps)
	}
	if rep.Tier != "" {
		t.Fatalf("tier = %q", rep.Tier)
	}
	states := rep.States()
	if states[len(states)-2] != steps.Failed || states[len(states)-1] != steps.Verified {
		t.Fatalf("states = %v", states)
	}
}

func TestMinimalStrategySkipsConfiguration(t *testing.T) {
	f := newFixture(t)
	f.in.Strategies = []Strategy{MinimalStrategy{}}
	rep := f.run(t, TargetVarnish)

	if r, _ := find(rep, steps.ConfigsWritten, ""); r.Outcome != steps.Skipped {
		t.Fatalf("configs: %+v", r)
	}
	if r, _ := find(rep, steps.ServicesStarted, config.ServiceVarnish); r.Outcome != steps.Success {
		t.Fatalf("varnish: %+v", r)
	}
	if _, err := os.Stat(f.cfg.Varnish.VCLPath); !os.IsNotExist(err) {
		t.Fatal("minimal strategy wrote a config")
	}
}

func TestConcurrentRunFailsFast(t *testing.T) {
	f := newFixture(t)
	unlock, err := fsatomic.TryLock(filepath.Join(f.cfg.Paths.StateDir, "install.lock"))
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	rep, err := f.in.Run(context.Background(), NewPlan(f.cfg))
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("want precondition error, got %v", err)
	}
	if len(rep.Steps) != 1 || rep.Steps[0].Step != steps.Prepared || !rep.Steps[0].Failed() {
		t.Fatalf("steps: %+v", rep.Steps)
	}
	if len(f.svc.Calls) != 0 || len(f.pkgs.Installs) != 0 || len(f.runner.Calls) != 0 {
		t.Fatal("a locked-out run must not touch the host")
	}
}

func TestPreconditions(t *testing.T) {
	cases := map[string]func(f *fixture){
		"not root":    func(f *fixture) { f.in.Env.IsRoot = func() bool { return false } },
		"no cpanel":   func(f *fixture) { _ = os.Remove(f.cfg.Paths.CPanelBinary) },
		"unsupported": func(f *fixture) { _ = os.WriteFile(f.cfg.Paths.OSRelease, []byte("ID=debian\n"), 0o644) },
		"bad plan": func(f *fixture) {
			f.in.Config.Ports.BackendHTTP = 80
		},
	}
	for name, mutate := range cases {
		f := newFixture(t)
		mutate(f)
		_, err := f.in.Run(context.Background(), NewPlan(f.in.Config))
		if !errors.Is(err, ErrPrecondition) {
			t.Fatalf("%s: want precondition error, got %v", name, err)
		}
	}
}

func TestPluginsRegistration(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.cfg.Varnish.SecretPath, "0123456789abcdef0123456789abcdef\n")
	if err := os.Chmod(f.cfg.Varnish.SecretPath, 0o600); err != nil {
		t.Fatal(err)
	}
	rep := f.run(t, TargetPlugins)

	if r, _ := find(rep, steps.ConfigsWritten, "plugins"); r.Outcome != steps.Success {
		t.Fatalf("plugins: %+v", r)
	}
	if !f.runner.Ran(filepath.Join(filepath.Dir(f.cfg.Paths.WHMAPI), "register_appconfig")) {
		t.Fatalf("register_appconfig not run: %v", f.runner.Calls)
	}
	fi, err := os.Stat(f.cfg.Paths.PanelCGI)
	if err != nil || fi.Mode().Perm() != 0o755 {
		t.Fatalf("cgi wrapper: %v %v", fi, err)
	}
	if !strings.Contains(readFile(t, f.cfg.Paths.UserCGI), "exec "+f.cfg.Paths.PanelBinary) {
		t.Fatal("user cgi wrapper content")
	}

	// The cPanel CGI runs as the account owner and reads both secrets
	// through the setgid panel binary.
	for path, mode := range map[string]os.FileMode{
		f.cfg.Paths.PanelSecret:  0o640,
		f.cfg.Varnish.SecretPath: 0o640,
		f.cfg.Paths.PanelBinary:  0o755 | os.ModeSetgid,
	} {
		fi, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if got := fi.Mode() & (os.ModePerm | os.ModeSetgid); got != mode {
			t.Fatalf("%s mode %v, want %v", path, got, mode)
		}
		if f.chowns[path] != 985 {
			t.Fatalf("%s not handed to the varnish group: %v", path, f.chowns)
		}
	}
	if len(readFile(t, f.cfg.Paths.PanelSecret)) < 32 {
		t.Fatal("panel secret too short")
	}
}

func TestPluginsKeepExistingPanelSecret(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.cfg.Paths.PanelSecret, "existing-secret-existing-secret-0\n")
	f.run(t, TargetPlugins)
	if got := readFile(t, f.cfg.Paths.PanelSecret); got != "existing-secret-existing-secret-0\n" {
		t.Fatalf("panel secret rewritten: %q", got)
	}
}

func TestPluginsMissingGroup(t *testing.T) {
	f := newFixture(t)
	f.cfg.Panel.Group = "nosuchgroup"
	f.in = New(f.cfg, f.in.Env, zerolog.Nop())
	rep := f.run(t, TargetPlugins)
	if rep.Tier != "" {
		t.Fatalf("tier %s succeeded without the panel group", rep.Tier)
	}
	if r, ok := find(rep, steps.ConfigsWritten, "plugins"); ok && r.Outcome == steps.Success {
		t.Fatalf("plugins succeeded without the panel group: %+v", r)
	}
	if len(f.chowns) != 0 {
		t.Fatalf("chowned without a group: %v", f.chowns)
	}
}

func TestUninstall(t *testing.T) {
	f := newFixture(t)
	if err := os.Remove(f.cfg.Paths.WHMAPI); err != nil {
		t.Fatal(err)
	}
	f.run(t, TargetVarnish, TargetHitch)
	if readFile(t, f.cfg.Paths.CPanelConfig) == cpanelConfig {
		t.Fatal("install did not move apache")
	}

	httpd, _ := f.cfg.Service(config.ServiceHTTPD)
	f.ports.Owners = map[int]host.ServiceDescriptor{80: httpd, 443: httpd}
	rep, err := f.in.Uninstall(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed() {
		t.Fatalf("revert failed: %+v", rep.Steps)
	}
	if f.svc.Count("stop varnish") != 1 || f.svc.Count("disable hitch") != 1 {
		t.Fatalf("calls: %v", f.svc.Calls)
	}
	if got := readFile(t, f.cfg.Paths.CPanelConfig); got != cpanelConfig {
		t.Fatalf("cpanel.config not restored:\n%s", got)
	}
	if _, err := os.Stat(f.cfg.Paths.CronFile); !os.IsNotExist(err) {
		t.Fatal("cron file left behind")
	}
}

func TestCronFile(t *testing.T) {
	cfg := config.Defaults()
	if _, err := CronFile(cfg); err != nil {
		t.Fatal(err)
	}
	cfg.CertSync.Schedule = "@daily"
	if _, err := CronFile(cfg); err != nil {
		t.Fatalf("@daily rejected: %v", err)
	}
	for _, bad := range []string{"61 * * * *", "* * * * * root rm -rf /", "17 3 * * *\n* * * * *", "CRON_TZ=UTC 1 * * * *", "@every 6h"} {
		cfg.CertSync.Schedule = bad
		if _, err := CronFile(cfg); err == nil {
			t.Fatalf("schedule %q accepted", bad)
		}
	}
}

func TestPlan(t *testing.T) {
	cfg := config.Defaults()
	p := NewPlan(cfg)
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(p.Services(), []string{"varnish", "hitch"}) {
		t.Fatalf("services: %v", p.Services())
	}
	p.Ports.InternalProxy = 8443
	if err := p.Validate(); err == nil {
		t.Fatal("duplicate ports accepted")
	}
	p.Ports.InternalProxy = 0
	if err := p.Validate(); err == nil {
		t.Fatal("zero port accepted")
	}

	ts, err := ParseTargets("varnish, hitch")
	if err != nil || !reflect.DeepEqual(ts, []Target{TargetVarnish, TargetHitch}) {
		t.Fatalf("targets: %v %v", ts, err)
	}
	if _, err := ParseTargets("varnish,nginx"); err == nil {
		t.Fatal("unknown target accepted")
	}
}

func TestStepErrorIs(t *testing.T) {
	err := error(&StepError{Kind: steps.KindPortConflict, Step: steps.ServicesStarted, Err: errors.New("port 80 is held by nginx")})
	if !errors.Is(err, ErrPortConflict) || errors.Is(err, ErrPrecondition) {
		t.Fatal("sentinel matching")
	}
	step, kind := classify(errors.New("boom"), steps.ConfigsWritten)
	if step != steps.ConfigsWritten || kind != steps.KindStrategyFailed {
		t.Fatalf("classify: %s %s", step, kind)
	}
}
