package installer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/turnuphosting/latest-varnish/internal/backup"
	"github.com/turnuphosting/latest-varnish/internal/config"
	"github.com/turnuphosting/latest-varnish/internal/host"
	"github.com/turnuphosting/latest-varnish/internal/probe"
	"github.com/turnuphosting/latest-varnish/internal/render"
	"github.com/turnuphosting/latest-varnish/internal/steps"
	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

// Attempt is one strategy's pass over the plan. It carries the routines the
// full and scripted tiers share.
type Attempt struct {
	tier    string
	cfg     config.Config
	plan    Plan
	osr     host.OSRelease
	env     Env
	log     zerolog.Logger
	backups *backup.Store
	prober  *probe.Prober
	record  func(steps.Result)

	// step is where a returned error is attributed.
	step steps.State
	// blocked maps a service to the reason it must not be started.
	blocked map[string]string
	// pending holds written configs whose check runs later.
	pending map[string]backup.Entry
	// apachePorts are the backend ports Apache was moved to.
	apachePorts []int
}

func (a *Attempt) add(step steps.State, service string, outcome steps.Outcome, kind steps.Kind, detail string) {
	a.record(steps.Result{Step: step, Service: service, Tier: a.tier, Outcome: outcome, Kind: kind, Detail: detail})
}

func (a *Attempt) ok(step steps.State, service, detail string) {
	a.add(step, service, steps.Success, steps.KindNone, detail)
}

func (a *Attempt) skip(step steps.State, service, detail string) {
	a.add(step, service, steps.Skipped, steps.KindNone, detail)
}

func (a *Attempt) fail(step steps.State, service string, kind steps.Kind, detail string) {
	a.add(step, service, steps.Failure, kind, detail)
}

func (a *Attempt) block(service, reason string) {
	if a.blocked == nil {
		a.blocked = map[string]string{}
	}
	if a.blocked[service] == "" {
		a.blocked[service] = reason
	}
}

func (a *Attempt) exists(p string) bool {
	if a.env.Exists != nil {
		return a.env.Exists(p)
	}
	return fileExists(p)
}

func (a *Attempt) run(ctx context.Context, name string, args ...string) (shell.Result, error) {
	return shell.Check(ctx, a.env.Runner, name, args...)
}

// InstallPackages installs whatever the plan needs and is not yet present.
func (a *Attempt) InstallPackages(ctx context.Context) error {
	a.step = steps.PackagesInstalled
	var want []string
	if a.plan.Has(TargetVarnish) {
		want = append(want, "varnish")
	}
	if a.plan.Has(TargetHitch) {
		want = append(want, "hitch")
	}
	if len(want) == 0 {
		a.skip(a.step, "", "no packages selected")
		return nil
	}
	pm, err := a.env.Packages(a.osr)
	if err != nil {
		return &StepError{Kind: steps.KindPackageManagerUnavailable, Step: a.step, Err: err}
	}
	// Hitch comes from EPEL on the RHEL family.
	if a.plan.Has(TargetHitch) && a.osr.Family() == "rhel" && !pm.Installed(ctx, "epel-release") {
		want = append([]string{"epel-release"}, want...)
	}
	var missing []string
	for _, p := range want {
		if !pm.Installed(ctx, p) {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		a.ok(a.step, "", "already installed: "+strings.Join(want, " "))
		return nil
	}
	if err := pm.Install(ctx, missing...); err != nil {
		return &StepError{Kind: steps.KindStrategyFailed, Step: a.step,
			Err: fmt.Errorf("%s install %s: %w", pm.Name(), strings.Join(missing, " "), err)}
	}
	a.ok(a.step, "", fmt.Sprintf("installed with %s: %s", pm.Name(), strings.Join(missing, " ")))
	return nil
}

func (a *Attempt) unitParams() render.UnitParams {
	var varnishd string
	if a.env.LookPath != nil {
		varnishd, _ = a.env.LookPath("varnishd")
	}
	return render.UnitFor(a.cfg, varnishd)
}

// WriteConfigs renders and writes the Varnish and Hitch configuration.
// Varnish is checked immediately; Hitch needs bundles in its pem-dir first.
func (a *Attempt) WriteConfigs(ctx context.Context) error {
	a.step = steps.ConfigsWritten
	if a.plan.Has(TargetVarnish) {
		if err := a.writeVarnish(ctx); err != nil {
			return err
		}
	}
	if a.plan.Has(TargetHitch) {
		if err := a.writeHitch(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *Attempt) writeVarnish(ctx context.Context) error {
	vcl, err := render.RenderVCL(render.VCLFor(a.cfg))
	if err != nil {
		return &StepError{Kind: steps.KindConfigValidationFailed, Step: a.step, Err: err}
	}
	unit, err := render.RenderVarnishUnit(a.unitParams())
	if err != nil {
		return &StepError{Kind: steps.KindConfigValidationFailed, Step: a.step, Err: err}
	}
	if err := a.ensureSecret(ctx); err != nil {
		return err
	}
	var written []backup.Entry
	for _, f := range []struct {
		path string
		data string
	}{
		{a.cfg.Varnish.VCLPath, vcl},
		{a.cfg.Varnish.UnitDropIn, unit},
	} {
		e, err := a.backups.Write(ctx, f.path, []byte(f.data), 0o644)
		if err != nil {
			a.restore(ctx, written...)
			return fmt.Errorf("write %s: %w", f.path, err)
		}
		written = append(written, e)
	}
	if _, err := a.run(ctx, "systemctl", "daemon-reload"); err != nil {
		a.log.Warn().Err(err).Msg("systemctl daemon-reload failed")
	}

	desc, _ := a.cfg.Service(config.ServiceVarnish)
	if err := a.check(ctx, desc); err != nil {
		a.restore(ctx, written...)
		a.block(config.ServiceVarnish, "configuration rejected by varnishd -C")
		a.fail(a.step, config.ServiceVarnish, steps.KindConfigValidationFailed, err.Error())
		return nil
	}
	a.ok(a.step, config.ServiceVarnish, fmt.Sprintf("wrote %s and %s", a.cfg.Varnish.VCLPath, a.cfg.Varnish.UnitDropIn))
	return nil
}

func (a *Attempt) ensureSecret(ctx context.Context) error {
	path := a.cfg.Varnish.SecretPath
	if a.exists(path) {
		return nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate varnish secret: %w", err)
	}
	if _, err := a.backups.Write(ctx, path, []byte(hex.EncodeToString(buf)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (a *Attempt) writeHitch(ctx context.Context) error {
	conf, err := render.RenderHitch(render.HitchFor(a.cfg))
	if err != nil {
		return &StepError{Kind: steps.KindConfigValidationFailed, Step: a.step, Err: err}
	}
	if err := os.MkdirAll(a.cfg.Hitch.CertDir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", a.cfg.Hitch.CertDir, err)
	}
	e, err := a.backups.Write(ctx, a.cfg.Hitch.ConfigPath, []byte(conf), 0o644)
	if err != nil {
		return fmt.Errorf("write %s: %w", a.cfg.Hitch.ConfigPath, err)
	}
	if a.pending == nil {
		a.pending = map[string]backup.Entry{}
	}
	a.pending[config.ServiceHitch] = e
	a.ok(a.step, config.ServiceHitch, "wrote "+a.cfg.Hitch.ConfigPath)
	return nil
}

// check runs the descriptor's self-check command.
func (a *Attempt) check(ctx context.Context, d host.ServiceDescriptor) error {
	argv := d.ValidateArgv()
	if len(argv) == 0 {
		return nil
	}
	if _, err := a.run(ctx, argv[0], argv[1:]...); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigValidationFailed, err)
	}
	return nil
}

func (a *Attempt) restore(ctx context.Context, entries ...backup.Entry) {
	for _, e := range entries {
		if err := a.backups.Restore(ctx, e); err != nil {
			a.log.Error().Err(err).Str("path", e.Original).Msg("restore from backup failed")
			continue
		}
		a.log.Warn().Str("path", e.Original).Str("backup", e.Copy).Msg("restored previous content")
	}
}

// BundleCertificates builds Hitch's pem-dir and then checks the Hitch config.
func (a *Attempt) BundleCertificates(ctx context.Context) error {
	a.step = steps.CertificatesBundled
	if !a.plan.Has(TargetHitch) {
		a.skip(a.step, config.ServiceHitch, "hitch not selected")
		return nil
	}
	if reason := a.blocked[config.ServiceHitch]; reason != "" {
		a.skip(a.step, config.ServiceHitch, reason)
		return nil
	}
	bundles, err := a.env.Certs.Discover(ctx)
	if err != nil {
		a.block(config.ServiceHitch, "certificate discovery failed")
		a.fail(a.step, config.ServiceHitch, steps.KindNone, "certificate discovery: "+err.Error())
		return nil
	}
	if len(bundles) == 0 {
		a.block(config.ServiceHitch, "no certificates bundled")
		a.fail(a.step, config.ServiceHitch, steps.KindNone, "no certificate/key pairs found")
		return nil
	}
	if e, ok := a.pending[config.ServiceHitch]; ok {
		desc, _ := a.cfg.Service(config.ServiceHitch)
		if err := a.check(ctx, desc); err != nil {
			a.restore(ctx, e)
			a.block(config.ServiceHitch, "configuration rejected by hitch --test")
			a.fail(a.step, config.ServiceHitch, steps.KindConfigValidationFailed, err.Error())
			return nil
		}
		delete(a.pending, config.ServiceHitch)
	}
	a.ok(a.step, config.ServiceHitch, fmt.Sprintf("%d bundles in %s", len(bundles), a.cfg.Hitch.CertDir))
	return nil
}

// Apache moves the backend web server off the public ports.
type Apache interface {
	MovePorts(ctx context.Context, a *Attempt, http, https int) error
	Restart(ctx context.Context, a *Attempt) error
}

// StartServices moves Apache aside and starts Varnish then Hitch. Only a
// failure to move Apache is returned; everything else is recorded.
func (a *Attempt) StartServices(ctx context.Context, apache Apache) error {
	a.step = steps.ServicesStarted
	if a.plan.Has(TargetVarnish) && a.blocked[config.ServiceVarnish] != "" {
		a.block(config.ServiceHitch, "varnish is not startable")
	}

	http, https := 0, 0
	if a.plan.Has(TargetVarnish) && a.blocked[config.ServiceVarnish] == "" {
		http = a.cfg.Ports.BackendHTTP
	}
	if a.plan.Has(TargetHitch) && a.blocked[config.ServiceHitch] == "" {
		https = a.cfg.Ports.BackendHTTPS
	}
	if http != 0 || https != 0 {
		if err := apache.MovePorts(ctx, a, http, https); err != nil {
			return &StepError{Kind: steps.KindStrategyFailed, Step: a.step, Err: fmt.Errorf("move apache ports: %w", err)}
		}
		for _, p := range []int{http, https} {
			if p != 0 {
				a.apachePorts = append(a.apachePorts, p)
			}
		}
		if err := apache.Restart(ctx, a); err != nil {
			a.fail(a.step, config.ServiceHTTPD, steps.KindServiceStartFailed, err.Error())
		} else {
			a.ok(a.step, config.ServiceHTTPD, describePorts(http, https))
		}
	}

	for _, name := range a.plan.Services() {
		if reason := a.blocked[name]; reason != "" {
			a.skip(a.step, name, reason)
			continue
		}
		desc, _ := a.cfg.Service(name)
		if detail, conflict := a.portConflict(ctx, desc); conflict {
			a.fail(a.step, name, steps.KindPortConflict, detail)
			continue
		}
		res := a.prober.StartWithRetry(ctx, desc, a.cfg.Retry.MaxAttempts, a.cfg.Retry.Backoff)
		res.Tier = a.tier
		a.record(res)
		if res.Outcome == steps.Success {
			if err := a.env.Services.Enable(ctx, desc.Unit); err != nil {
				a.log.Warn().Err(err).Str("unit", desc.Unit).Msg("enable failed")
			}
		}
	}
	return nil
}

func (a *Attempt) portConflict(ctx context.Context, d host.ServiceDescriptor) (string, bool) {
	for _, port := range d.ListenPorts {
		l, ok, err := a.env.Ports.Listener(ctx, port)
		if err != nil {
			a.log.Warn().Err(err).Int("port", port).Msg("port check failed")
			continue
		}
		if ok && !d.OwnsProcess(l.Process) {
			return fmt.Sprintf("port %d is held by %s (pid %d)", port, l.Process, l.PID), true
		}
	}
	return "", false
}

// remove backs path up and deletes it.
func (a *Attempt) remove(ctx context.Context, path string) (bool, error) {
	e, err := a.backups.Save(ctx, path)
	if err != nil {
		return false, err
	}
	if !e.Existed {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	return true, nil
}

func (a *Attempt) script(name string) string {
	return filepath.Join(a.cfg.Paths.Scripts, name)
}
