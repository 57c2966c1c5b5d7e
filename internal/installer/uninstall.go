package installer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/turnuphosting/latest-varnish/internal/backup"
	"github.com/turnuphosting/latest-varnish/internal/config"
	"github.com/turnuphosting/latest-varnish/internal/host"
	"github.com/turnuphosting/latest-varnish/internal/steps"
	"github.com/turnuphosting/latest-varnish/internal/verify"
)

// Uninstall stops Varnish and Hitch, gives the public ports back to Apache
// and removes the cron entry and panel registration. Generated configs are
// left in place so a later install can diff against them.
func (i *Installer) Uninstall(ctx context.Context) (*Report, error) {
	plan := NewPlan(i.Config)
	rep := &Report{RunID: i.runID(), Started: i.now(), Plan: plan}
	rec := i.recorder(rep)
	i.Log.Info().Str("run", rep.RunID).Msg("revert started")

	osr, unlock, err := i.prepare(plan)
	if err != nil {
		rec(steps.Result{Step: steps.Prepared, Outcome: steps.Failure, Kind: steps.KindPrecondition, Detail: err.Error()})
		rep.Finished = i.now()
		return rep, err
	}
	defer unlock()
	rec(steps.Result{Step: steps.Prepared, Outcome: steps.Success, Detail: osr.PrettyName})

	cfg := i.Config
	store := backup.New(cfg.Paths.BackupDir, rep.RunID)
	store.Now = i.now
	rep.BackupDir = store.Dir
	prober := i.prober()
	a := &Attempt{
		tier:    "revert",
		cfg:     cfg,
		plan:    plan,
		osr:     osr,
		env:     i.Env,
		log:     i.Log.With().Str("tier", "revert").Logger(),
		backups: store,
		prober:  prober,
		record:  rec,
		step:    steps.Reverted,
	}

	for _, name := range []string{config.ServiceHitch, config.ServiceVarnish} {
		desc, _ := cfg.Service(name)
		if err := i.Env.Services.Stop(ctx, desc.Unit); err != nil {
			a.fail(a.step, name, steps.KindNone, "stop: "+err.Error())
			continue
		}
		if err := i.Env.Services.Disable(ctx, desc.Unit); err != nil {
			a.fail(a.step, name, steps.KindNone, "disable: "+err.Error())
			continue
		}
		a.ok(a.step, name, "stopped and disabled")
	}

	apache := scriptedApache{}
	if err := apache.MovePorts(ctx, a, cfg.Ports.HTTP, cfg.Ports.HTTPS); err != nil {
		a.fail(a.step, config.ServiceHTTPD, steps.KindNone, "restore apache ports: "+err.Error())
	} else if err := apache.Restart(ctx, a); err != nil {
		a.fail(a.step, config.ServiceHTTPD, steps.KindServiceStartFailed, err.Error())
	} else {
		a.ok(a.step, config.ServiceHTTPD, describePorts(cfg.Ports.HTTP, cfg.Ports.HTTPS))
	}

	unregister := filepath.Join(filepath.Dir(cfg.Paths.WHMAPI), "unregister_appconfig")
	removed := 0
	for _, app := range AppConfigs(cfg) {
		if a.exists(unregister) {
			if _, err := a.run(ctx, unregister, app.Name); err != nil {
				a.log.Warn().Err(err).Str("app", app.Name).Msg("unregister_appconfig failed")
			}
		}
		if ok, err := a.remove(ctx, filepath.Join(cfg.Paths.AppConfigDir, app.Name+".conf")); err != nil {
			a.log.Warn().Err(err).Str("app", app.Name).Msg("remove appconfig failed")
		} else if ok {
			removed++
		}
	}
	for _, p := range []string{cfg.Paths.CronFile, cfg.Paths.PanelCGI, cfg.Paths.UserCGI} {
		ok, err := a.remove(ctx, p)
		if err != nil {
			a.fail(a.step, "", steps.KindNone, fmt.Sprintf("remove %s: %v", p, err))
			continue
		}
		if ok {
			removed++
		}
	}
	a.ok(a.step, "plugins", fmt.Sprintf("removed %d managed files", removed))

	httpd, _ := cfg.Service(config.ServiceHTTPD)
	httpd.ListenPorts = []int{cfg.Ports.HTTP, cfg.Ports.HTTPS}
	v := &verify.Verifier{Prober: prober, Now: i.now}
	vr := v.Verify(ctx, []host.ServiceDescriptor{httpd})
	rep.Verification = &vr
	res := steps.Result{Step: steps.Verified, Outcome: steps.Success, Detail: vr.Summary()}
	if !vr.Healthy() {
		res.Outcome = steps.Failure
	}
	rec(res)

	rep.Finished = i.now()
	i.persist(ctx, rep)
	return rep, nil
}
