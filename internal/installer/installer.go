// Package installer drives a cPanel host from stock Apache to Varnish on :80
// and Hitch on :443. Tiers of decreasing capability are tried in order and
// every step is recorded as a steps.Result.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/turnuphosting/latest-varnish/internal/backup"
	"github.com/turnuphosting/latest-varnish/internal/certs"
	"github.com/turnuphosting/latest-varnish/internal/config"
	"github.com/turnuphosting/latest-varnish/internal/fsatomic"
	"github.com/turnuphosting/latest-varnish/internal/host"
	"github.com/turnuphosting/latest-varnish/internal/probe"
	"github.com/turnuphosting/latest-varnish/internal/steps"
	"github.com/turnuphosting/latest-varnish/internal/verify"
	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

const (
	lastRunFile = "last-run.json"
	lockFile    = "install.lock"
)

type CertSource interface {
	Discover(ctx context.Context) ([]certs.Bundle, error)
}

// Env is everything the installer touches on the host.
type Env struct {
	Runner   shell.Runner
	Services host.ServiceManager
	Ports    host.PortInspector
	Packages func(host.OSRelease) (host.PackageManager, error)
	Certs    CertSource
	IsRoot   func() bool
	Exists   func(path string) bool
	LookPath func(string) (string, error)
	Now      func() time.Time
	Sleep    func(time.Duration)
	NewRunID func() string
	GroupID  func(name string) (int, error)
	Chown    func(path string, uid, gid int) error
}

// SystemEnv wires Env to the real host.
func SystemEnv(cfg config.Config, log zerolog.Logger) Env {
	r := shell.Exec{Timeout: 10 * time.Minute}
	return Env{
		Runner:   r,
		Services: host.Systemd{Runner: r},
		Ports:    host.NetPorts{},
		Packages: func(osr host.OSRelease) (host.PackageManager, error) {
			return host.DetectPackageManager(osr, exec.LookPath, r)
		},
		Certs:    certs.FromConfig(cfg, log),
		IsRoot:   func() bool { return os.Geteuid() == 0 },
		Exists:   fileExists,
		LookPath: exec.LookPath,
		Now:      time.Now,
		GroupID:  groupID,
		Chown:    os.Chown,
	}
}

func groupID(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

type Report struct {
	RunID        string         `json:"runId"`
	Started      time.Time      `json:"started"`
	Finished     time.Time      `json:"finished"`
	Plan         Plan           `json:"plan"`
	Tier         string         `json:"tier,omitempty"`
	BackupDir    string         `json:"backupDir,omitempty"`
	Steps        []steps.Result `json:"steps"`
	Verification *verify.Report `json:"verification,omitempty"`
}

// Failed reports whether any step failed.
func (r *Report) Failed() bool {
	for _, s := range r.Steps {
		if s.Failed() {
			return true
		}
	}
	return false
}

func (r *Report) States() []steps.State { return steps.States(r.Steps) }

// LoadLastRun reads the report of the most recent run, if any.
func LoadLastRun(stateDir string) (*Report, bool, error) {
	var r Report
	ok, err := fsatomic.LoadJSON(filepath.Join(stateDir, lastRunFile), &r)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &r, true, nil
}

type Installer struct {
	Config config.Config
	Env    Env
	Log    zerolog.Logger
	// Strategies are tried in order. Nil means DefaultStrategies.
	Strategies []Strategy
	// OnStep sees every result as it is recorded.
	OnStep func(steps.Result)
}

func New(cfg config.Config, env Env, log zerolog.Logger) *Installer {
	return &Installer{Config: cfg, Env: env, Log: log}
}

func (i *Installer) now() time.Time {
	if i.Env.Now != nil {
		return i.Env.Now()
	}
	return time.Now()
}

func (i *Installer) exists(p string) bool {
	if i.Env.Exists != nil {
		return i.Env.Exists(p)
	}
	return fileExists(p)
}

func (i *Installer) runID() string {
	if i.Env.NewRunID != nil {
		return i.Env.NewRunID()
	}
	return backup.NewRunID(i.now())
}

func (i *Installer) strategies() []Strategy {
	if i.Strategies != nil {
		return i.Strategies
	}
	return DefaultStrategies()
}

func (i *Installer) prober() *probe.Prober {
	return &probe.Prober{
		Services: i.Env.Services,
		Ports:    i.Env.Ports,
		Runner:   i.Env.Runner,
		Log:      i.Log,
		Now:      i.now,
		Sleep:    i.Env.Sleep,
	}
}

func (i *Installer) recorder(rep *Report) func(steps.Result) {
	return func(r steps.Result) {
		if r.At.IsZero() {
			r.At = i.now()
		}
		rep.Steps = append(rep.Steps, r)
		ev := i.Log.Info()
		switch r.Outcome {
		case steps.Failure:
			ev = i.Log.Error().Str("kind", string(r.Kind))
		case steps.Skipped:
			ev = i.Log.Warn()
		}
		ev.Str("step", string(r.Step)).Str("service", r.Service).Str("tier", r.Tier).
			Str("outcome", string(r.Outcome)).Str("detail", r.Detail).Msg("step")
		if i.OnStep != nil {
			i.OnStep(r)
		}
	}
}

// prepare checks the fatal preconditions and takes the run lock.
func (i *Installer) prepare(plan Plan) (host.OSRelease, func(), error) {
	var osr host.OSRelease
	cfg := i.Config
	if err := plan.Validate(); err != nil {
		return osr, nil, precondition("invalid plan: %v", err)
	}
	if i.Env.IsRoot != nil && !i.Env.IsRoot() {
		return osr, nil, precondition("must run as root")
	}
	if !i.exists(cfg.Paths.CPanelBinary) {
		return osr, nil, precondition("cPanel not found at %s", cfg.Paths.CPanelBinary)
	}
	osr, err := host.ReadOSRelease(cfg.Paths.OSRelease)
	if err != nil {
		return osr, nil, precondition("read %s: %v", cfg.Paths.OSRelease, err)
	}
	if !osr.Supported() {
		return osr, nil, precondition("unsupported OS %q (supported: %s)", osr.ID, strings.Join(host.SupportedOS, ", "))
	}
	lock := filepath.Join(cfg.Paths.StateDir, lockFile)
	unlock, err := fsatomic.TryLock(lock)
	if errors.Is(err, fsatomic.ErrLocked) {
		return osr, nil, precondition("another cpvarnish run holds %s", lock)
	}
	if err != nil {
		return osr, nil, precondition("lock %s: %v", lock, err)
	}
	return osr, unlock, nil
}

// Run installs plan. The returned error is non-nil only for a failed
// precondition; everything else is in the report.
func (i *Installer) Run(ctx context.Context, plan Plan) (*Report, error) {
	rep := &Report{RunID: i.runID(), Started: i.now(), Plan: plan}
	rec := i.recorder(rep)
	i.Log.Info().Str("run", rep.RunID).Str("plan", plan.String()).Msg("installation started")

	osr, unlock, err := i.prepare(plan)
	if err != nil {
		rec(steps.Result{Step: steps.Prepared, Outcome: steps.Failure, Kind: steps.KindPrecondition, Detail: err.Error()})
		rep.Finished = i.now()
		return rep, err
	}
	defer unlock()
	rec(steps.Result{Step: steps.Prepared, Outcome: steps.Success, Detail: osr.PrettyName})

	cfg := plan.Apply(i.Config)
	store := backup.New(cfg.Paths.BackupDir, rep.RunID)
	store.Now = i.now
	rep.BackupDir = store.Dir
	prober := i.prober()

	var apachePorts []int
	for _, s := range i.strategies() {
		a := &Attempt{
			tier:    s.Name(),
			cfg:     cfg,
			plan:    plan,
			osr:     osr,
			env:     i.Env,
			log:     i.Log.With().Str("tier", s.Name()).Logger(),
			backups: store,
			prober:  prober,
			record:  rec,
			step:    steps.PackagesInstalled,
		}
		a.log.Info().Msg("trying installation strategy")
		err := s.Run(ctx, a)
		if len(a.apachePorts) > 0 {
			apachePorts = a.apachePorts
		}
		if err == nil {
			rep.Tier = s.Name()
			break
		}
		step, kind := classify(err, a.step)
		a.log.Error().Err(err).Msg("installation strategy failed")
		rec(steps.Result{Step: step, Tier: s.Name(), Outcome: steps.Failure, Kind: kind, Detail: err.Error()})
		if ctx.Err() != nil {
			break
		}
	}
	if rep.Tier == "" {
		rec(steps.Result{Step: steps.Failed, Outcome: steps.Failure, Kind: steps.KindStrategyFailed, Detail: "every installation strategy failed"})
	}

	v := &verify.Verifier{Prober: prober, CertDir: cfg.Hitch.CertDir, Now: i.now}
	vr := v.Verify(ctx, verifyTargets(cfg, plan, apachePorts))
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

// verifyTargets lists the planned services plus Apache on the ports it was
// moved to during this run.
func verifyTargets(cfg config.Config, plan Plan, apachePorts []int) []host.ServiceDescriptor {
	out := cfg.Services(plan.Services()...)
	if len(apachePorts) > 0 {
		httpd, _ := cfg.Service(config.ServiceHTTPD)
		httpd.ListenPorts = apachePorts
		out = append(out, httpd)
	}
	return out
}

func (i *Installer) persist(ctx context.Context, rep *Report) {
	dir := i.Config.Paths.StateDir
	for _, p := range []string{
		filepath.Join(dir, lastRunFile),
		filepath.Join(dir, "runs", rep.RunID+".json"),
	} {
		if err := fsatomic.SaveJSON(ctx, p, rep, 0o600); err != nil {
			i.Log.Warn().Err(err).Str("path", p).Msg("could not save run report")
		}
	}
}

func describePorts(http, https int) string {
	var parts []string
	if http != 0 {
		parts = append(parts, fmt.Sprintf("http on %d", http))
	}
	if https != 0 {
		parts = append(parts, fmt.Sprintf("https on %d", https))
	}
	return "apache restarted with " + strings.Join(parts, " and ")
}
