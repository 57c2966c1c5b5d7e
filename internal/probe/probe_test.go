package probe

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/turnuphosting/latest-varnish/internal/host"
	"github.com/turnuphosting/latest-varnish/internal/host/hosttest"
	"github.com/turnuphosting/latest-varnish/internal/steps"
	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

var varnishDesc = host.ServiceDescriptor{
	Name:            "varnish",
	Unit:            "varnish",
	ListenPorts:     []int{80, 4443},
	ConfigPath:      "/etc/varnish/default.vcl",
	ValidateCommand: []string{"varnishd", "-C", "-f", "{config}"},
	ProcessNames:    []string{"varnishd"},
}

func newProber(svc host.ServiceManager, ports host.PortInspector, r shell.Runner, sleeps *[]time.Duration) *Prober {
	return &Prober{
		Services: svc,
		Ports:    ports,
		Runner:   r,
		Log:      zerolog.Nop(),
		Now:      func() time.Time { return time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC) },
		Sleep:    func(d time.Duration) { *sleeps = append(*sleeps, d) },
	}
}

func TestProbeRunningService(t *testing.T) {
	svc := hosttest.NewServices()
	svc.States["varnish"] = host.UnitState{Unit: "varnish", LoadState: "loaded", ActiveState: "active",
		Since: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	ports := &hosttest.Ports{}
	ports.Set(80, "varnishd")
	var sleeps []time.Duration
	r := &hosttest.Runner{}
	st := newProber(svc, ports, r, &sleeps).Probe(context.Background(), varnishDesc)

	if !st.Running || !st.Installed || st.Uptime != time.Hour {
		t.Fatalf("status: %+v", st)
	}
	if !st.Listening[80] || st.Listening[4443] {
		t.Fatalf("listening: %v", st.Listening)
	}
	if !st.ConfigValid || st.LastError != "" {
		t.Fatalf("config: %+v", st)
	}
	if !r.Ran("varnishd -C -f /etc/varnish/default.vcl") {
		t.Fatalf("validate not run: %v", r.Calls)
	}
}

func TestProbeInvalidConfig(t *testing.T) {
	r := &hosttest.Runner{Handler: func(c hosttest.Call) (shell.Result, error) {
		return hosttest.Fail(2, "Message from VCC-compiler:\nExpected ';' got '}'")
	}}
	var sleeps []time.Duration
	st := newProber(hosttest.NewServices(), &hosttest.Ports{}, r, &sleeps).Probe(context.Background(), varnishDesc)
	if st.ConfigValid || st.ConfigError != "Message from VCC-compiler:" {
		t.Fatalf("status: %+v", st)
	}
	if st.Running {
		t.Fatalf("inactive unit reported running")
	}
}

func TestProbeMissingSystemctl(t *testing.T) {
	r := &hosttest.Runner{Handler: func(c hosttest.Call) (shell.Result, error) {
		return hosttest.Missing(c.Name)
	}}
	var sleeps []time.Duration
	p := newProber(host.Systemd{Runner: r}, &hosttest.Ports{}, r, &sleeps)
	st := p.Probe(context.Background(), varnishDesc)
	if st.Running {
		t.Fatalf("must not report running")
	}
	if !strings.Contains(st.LastError, "tool not found: systemctl") {
		t.Fatalf("last error: %q", st.LastError)
	}
	if !st.ToolMissing || st.ConfigError != "" {
		t.Fatalf("status: %+v", st)
	}
}

func TestProbeMissingValidator(t *testing.T) {
	svc := hosttest.NewServices()
	_ = svc.Start(context.Background(), "varnish")
	r := &hosttest.Runner{Handler: func(c hosttest.Call) (shell.Result, error) {
		return hosttest.Missing(c.Name)
	}}
	var sleeps []time.Duration
	st := newProber(svc, &hosttest.Ports{}, r, &sleeps).Probe(context.Background(), varnishDesc)
	if !st.Running || !st.ToolMissing {
		t.Fatalf("status: %+v", st)
	}
	if st.ConfigValid || st.ConfigError != "" {
		t.Fatalf("missing validator reported as a config verdict: %+v", st)
	}
}

func TestProbeFailingSystemctlIsNotMissing(t *testing.T) {
	r := &hosttest.Runner{Handler: func(c hosttest.Call) (shell.Result, error) {
		return hosttest.Fail(1, "Failed to connect to bus: tool not found")
	}}
	var sleeps []time.Duration
	st := newProber(host.Systemd{Runner: r}, &hosttest.Ports{}, r, &sleeps).Probe(context.Background(), varnishDesc)
	if st.ToolMissing {
		t.Fatalf("exit status 1 treated as a missing tool: %+v", st)
	}
}

func TestStartWithRetrySucceedsOnThirdAttempt(t *testing.T) {
	svc := hosttest.NewServices()
	boom := errors.New("Job for varnish.service failed")
	svc.StartErrs["varnish"] = []error{boom, boom}
	var sleeps []time.Duration
	res := newProber(svc, &hosttest.Ports{}, &hosttest.Runner{}, &sleeps).
		StartWithRetry(context.Background(), varnishDesc, 3, 3*time.Second)

	if res.Outcome != steps.Success || res.Step != steps.ServicesStarted || res.Service != "varnish" {
		t.Fatalf("result: %+v", res)
	}
	if n := svc.Count("start varnish"); n != 3 {
		t.Fatalf("start calls: %d", n)
	}
	if len(sleeps) != 2 || sleeps[0] != 3*time.Second {
		t.Fatalf("sleeps: %v", sleeps)
	}
}

func TestStartWithRetryGivesUp(t *testing.T) {
	svc := hosttest.NewServices()
	svc.AlwaysFail["varnish"] = errors.New("Job for varnish.service failed")
	svc.Journal["varnish"] = []string{"varnishd[1]: Error: Could not get socket :80: Address already in use"}
	var sleeps []time.Duration
	res := newProber(svc, &hosttest.Ports{}, &hosttest.Runner{}, &sleeps).
		StartWithRetry(context.Background(), varnishDesc, 3, time.Second)

	if res.Outcome != steps.Failure || res.Kind != steps.KindServiceStartFailed {
		t.Fatalf("result: %+v", res)
	}
	if !strings.Contains(res.Detail, "after 3 attempts") || !strings.Contains(res.Detail, "Address already in use") {
		t.Fatalf("detail: %q", res.Detail)
	}
	if svc.Count("start varnish") != 3 || len(sleeps) != 2 {
		t.Fatalf("calls=%d sleeps=%d", svc.Count("start varnish"), len(sleeps))
	}
}

func TestStartWithRetryRestartsActiveUnit(t *testing.T) {
	svc := hosttest.NewServices()
	svc.States["varnish"] = host.UnitState{Unit: "varnish", LoadState: "loaded", ActiveState: "active"}
	var sleeps []time.Duration
	p := newProber(svc, &hosttest.Ports{}, &hosttest.Runner{}, &sleeps)

	res := p.StartWithRetry(context.Background(), varnishDesc, 3, time.Second)
	if res.Outcome != steps.Success {
		t.Fatalf("result: %+v", res)
	}
	if svc.Count("restart varnish") != 1 || svc.Count("start varnish") != 0 {
		t.Fatalf("calls: %v", svc.Calls)
	}
}
