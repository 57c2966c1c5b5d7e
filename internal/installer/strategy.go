package installer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/turnuphosting/latest-varnish/internal/config"
	"github.com/turnuphosting/latest-varnish/internal/host"
	"github.com/turnuphosting/latest-varnish/internal/kvconf"
	"github.com/turnuphosting/latest-varnish/internal/steps"
)

// Strategy is one way of getting the plan onto the host. Run returns an
// error only when the strategy itself could not proceed; service level
// failures are recorded on the Attempt.
type Strategy interface {
	Name() string
	Run(ctx context.Context, a *Attempt) error
}

func DefaultStrategies() []Strategy {
	return []Strategy{WHMAPIStrategy{}, ScriptedStrategy{}, MinimalStrategy{}}
}

// WHMAPIStrategy drives cPanel through whmapi1 and its own scripts.
type WHMAPIStrategy struct{}

func (WHMAPIStrategy) Name() string { return "whmapi" }

func (WHMAPIStrategy) Run(ctx context.Context, a *Attempt) error {
	if !a.exists(a.cfg.Paths.WHMAPI) {
		return fmt.Errorf("%w: %s", ErrAutomationUnavailable, a.cfg.Paths.WHMAPI)
	}
	return a.full(ctx, whmapiApache{}, registerAppConfig)
}

// ScriptedStrategy performs the same steps with direct file edits.
type ScriptedStrategy struct{}

func (ScriptedStrategy) Name() string { return "scripted" }

func (ScriptedStrategy) Run(ctx context.Context, a *Attempt) error {
	return a.full(ctx, scriptedApache{}, copyAppConfig)
}

// MinimalStrategy installs packages and starts the units as they are.
type MinimalStrategy struct{}

func (MinimalStrategy) Name() string { return "minimal" }

func (MinimalStrategy) Run(ctx context.Context, a *Attempt) error {
	if err := a.InstallPackages(ctx); err != nil {
		return err
	}
	a.skip(steps.ConfigsWritten, "", "minimal strategy leaves configuration untouched")
	a.skip(steps.CertificatesBundled, "", "minimal strategy does not bundle certificates")
	a.step = steps.ServicesStarted
	for _, name := range a.plan.Services() {
		desc, _ := a.cfg.Service(name)
		if err := a.env.Services.Start(ctx, desc.Unit); err != nil {
			a.fail(a.step, name, steps.KindServiceStartFailed, err.Error())
			continue
		}
		a.ok(a.step, name, "started without reconfiguration")
	}
	return nil
}

type registerFunc func(ctx context.Context, a *Attempt, name string, data []byte) error

// full is the sequence shared by the whmapi and scripted tiers.
func (a *Attempt) full(ctx context.Context, apache Apache, register registerFunc) error {
	if err := a.InstallPackages(ctx); err != nil {
		return err
	}
	if err := a.WriteConfigs(ctx); err != nil {
		return err
	}
	if err := a.RegisterPlugins(ctx, register); err != nil {
		return err
	}
	if err := a.WriteCron(ctx); err != nil {
		return err
	}
	if err := a.BundleCertificates(ctx); err != nil {
		return err
	}
	return a.StartServices(ctx, apache)
}

type whmapiApache struct{}

func (whmapiApache) MovePorts(ctx context.Context, a *Attempt, http, https int) error {
	// whmapi1 rewrites cpanel.config itself; keep a copy for rollback.
	if _, err := a.backups.Save(ctx, a.cfg.Paths.CPanelConfig); err != nil {
		return err
	}
	api := host.WHMAPI{Runner: a.env.Runner, Path: a.cfg.Paths.WHMAPI}
	for _, s := range []struct {
		key  string
		port int
	}{{"apache_port", http}, {"apache_ssl_port", https}} {
		if s.port == 0 {
			continue
		}
		if err := api.Call(ctx, "set_tweaksetting", map[string]string{
			"key":   s.key,
			"value": fmt.Sprintf("0.0.0.0:%d", s.port),
		}); err != nil {
			return err
		}
	}
	_, err := a.run(ctx, a.script("rebuildhttpdconf"))
	return err
}

func (whmapiApache) Restart(ctx context.Context, a *Attempt) error {
	_, err := a.run(ctx, a.script("restartsrv_httpd"))
	return err
}

type scriptedApache struct{}

func (scriptedApache) MovePorts(ctx context.Context, a *Attempt, http, https int) error {
	if err := setApachePorts(ctx, a, http, https); err != nil {
		return err
	}
	if rebuild := a.script("rebuildhttpdconf"); a.exists(rebuild) {
		if _, err := a.run(ctx, rebuild); err != nil {
			return err
		}
	}
	return nil
}

func (scriptedApache) Restart(ctx context.Context, a *Attempt) error {
	return a.env.Services.Restart(ctx, "httpd")
}

// setApachePorts edits cpanel.config in place, keeping every other line.
func setApachePorts(ctx context.Context, a *Attempt, http, https int) error {
	path := a.cfg.Paths.CPanelConfig
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", path, err)
	}
	f := kvconf.Parse(data, kvconf.CPanelSchema)
	for _, s := range []struct {
		key  string
		port int
	}{{"apache_port", http}, {"apache_ssl_port", https}} {
		if s.port == 0 {
			continue
		}
		if err := f.Set(s.key, fmt.Sprintf("0.0.0.0:%d", s.port)); err != nil {
			return err
		}
	}
	if _, err := a.backups.Write(ctx, path, f.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func registerAppConfig(ctx context.Context, a *Attempt, name string, data []byte) error {
	staged := filepath.Join(a.cfg.Paths.StateDir, "appconfig", name+".conf")
	if _, err := a.backups.Write(ctx, staged, data, 0o644); err != nil {
		return err
	}
	_, err := a.run(ctx, filepath.Join(filepath.Dir(a.cfg.Paths.WHMAPI), "register_appconfig"), staged)
	return err
}

func copyAppConfig(ctx context.Context, a *Attempt, name string, data []byte) error {
	_, err := a.backups.Write(ctx, filepath.Join(a.cfg.Paths.AppConfigDir, name+".conf"), data, 0o644)
	return err
}

// RegisterPlugins installs the CGI wrappers and the WHM and cPanel
// AppConfig entries.
func (a *Attempt) RegisterPlugins(ctx context.Context, register registerFunc) error {
	if !a.plan.Has(TargetPlugins) {
		return nil
	}
	a.step = steps.ConfigsWritten
	wrapper := []byte("#!/bin/sh\nexec " + a.cfg.Paths.PanelBinary + " \"$@\"\n")
	for _, cgi := range []string{a.cfg.Paths.PanelCGI, a.cfg.Paths.UserCGI} {
		if _, err := a.backups.Write(ctx, cgi, wrapper, 0o755); err != nil {
			return fmt.Errorf("write %s: %w", cgi, err)
		}
	}
	for _, app := range AppConfigs(a.cfg) {
		if err := register(ctx, a, app.Name, app.Data); err != nil {
			return fmt.Errorf("register %s: %w", app.Name, err)
		}
	}
	if err := a.grantPanelAccess(ctx); err != nil {
		return err
	}
	a.ok(a.step, "plugins", "registered WHM and cPanel entries")
	return nil
}

// grantPanelAccess creates the panel secret and hands it, the varnishadm
// secret and the panel binary to the panel group. cpsrvd runs the cPanel
// CGI as the account owner, so the binary is setgid to that group.
func (a *Attempt) grantPanelAccess(ctx context.Context) error {
	group := a.cfg.Panel.Group
	if a.env.GroupID == nil || a.env.Chown == nil {
		return fmt.Errorf("no way to hand files to group %s", group)
	}
	gid, err := a.env.GroupID(group)
	if err != nil {
		return fmt.Errorf("look up group %s: %w", group, err)
	}
	key := a.cfg.Paths.PanelSecret
	if !a.exists(key) {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate panel secret: %w", err)
		}
		if _, err := a.backups.Write(ctx, key, []byte(hex.EncodeToString(buf)+"\n"), 0o640); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}
	for _, f := range []struct {
		path string
		mode os.FileMode
	}{
		{key, 0o640},
		{a.cfg.Varnish.SecretPath, 0o640},
		{a.cfg.Paths.PanelBinary, 0o755 | os.ModeSetgid},
	} {
		if !a.exists(f.path) {
			continue
		}
		// chown clears the setgid bit, so it goes first.
		if err := a.env.Chown(f.path, 0, gid); err != nil {
			return fmt.Errorf("chown %s: %w", f.path, err)
		}
		if err := os.Chmod(f.path, f.mode); err != nil {
			return fmt.Errorf("chmod %s: %w", f.path, err)
		}
	}
	return nil
}

type AppConfig struct {
	Name string
	Data []byte
}

// AppConfigs returns the cpsrvd AppConfig files for the admin and user panels.
func AppConfigs(cfg config.Config) []AppConfig {
	whmURL := "/cgi/cpvarnish/" + filepath.Base(cfg.Paths.PanelCGI)
	userURL := "/3rdparty/cpvarnish/" + filepath.Base(cfg.Paths.UserCGI)
	return []AppConfig{
		{Name: "cpvarnish_whm", Data: []byte("name=cpvarnish_whm\nservice=whostmgr\nuser=root\nacls=all\n" +
			"url=" + whmURL + "\nentryurl=" + whmURL[1:] + "/whm/\ndisplayname=Varnish Cache\ntarget=_self\n")},
		{Name: "cpvarnish_cpanel", Data: []byte("name=cpvarnish_cpanel\nservice=cpanel\n" +
			"url=" + userURL + "\ndisplayname=Varnish Cache\n")},
	}
}
