package verify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/turnuphosting/latest-varnish/internal/host"
	"github.com/turnuphosting/latest-varnish/internal/host/hosttest"
	"github.com/turnuphosting/latest-varnish/internal/probe"
	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

var (
	varnish = host.ServiceDescriptor{Name: "varnish", Unit: "varnish", ListenPorts: []int{80, 4443}, ProcessNames: []string{"varnishd"}}
	hitch   = host.ServiceDescriptor{Name: "hitch", Unit: "hitch", ListenPorts: []int{443}, ProcessNames: []string{"hitch"}}
)

func verifier(svc host.ServiceManager, ports host.PortInspector, r shell.Runner) *Verifier {
	now := func() time.Time { return time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC) }
	return &Verifier{
		Prober: &probe.Prober{Services: svc, Ports: ports, Runner: r, Log: zerolog.Nop(), Now: now},
		Now:    now,
	}
}

func hasHint(r Report, service string, sig Signature) bool {
	for _, h := range r.Hints {
		if h.Service == service && h.Signature == sig {
			return true
		}
	}
	return false
}

func TestVerifyHealthy(t *testing.T) {
	svc := hosttest.NewServices()
	_ = svc.Start(context.Background(), "varnish")
	_ = svc.Start(context.Background(), "hitch")
	ports := &hosttest.LivePorts{Services: svc, Owners: map[int]host.ServiceDescriptor{80: varnish, 4443: varnish, 443: hitch}}

	r := verifier(svc, ports, &hosttest.Runner{}).Verify(context.Background(), []host.ServiceDescriptor{varnish, hitch})
	if !r.Healthy() {
		t.Fatalf("expected healthy: %+v", r)
	}
	if len(r.Hints) != 0 {
		t.Fatalf("unexpected hints: %+v", r.Hints)
	}
	if r.Summary() != "2/2 services running, 3/3 ports listening" {
		t.Fatalf("summary: %s", r.Summary())
	}
	if len(r.Ports) != 3 || r.Ports[0].Port != 80 || r.Ports[1].Port != 4443 {
		t.Fatalf("ports: %+v", r.Ports)
	}
}

func TestVerifyHints(t *testing.T) {
	svc := hosttest.NewServices()
	_ = svc.Start(context.Background(), "varnish")
	ports := &hosttest.LivePorts{Services: svc, Owners: map[int]host.ServiceDescriptor{4443: varnish}}
	ports.Static.Set(80, "nginx")

	v := verifier(svc, ports, &hosttest.Runner{})
	v.CertDir = t.TempDir()
	r := v.Verify(context.Background(), []host.ServiceDescriptor{varnish, hitch})

	if r.Healthy() {
		t.Fatal("report should be unhealthy")
	}
	if !hasHint(r, "varnish", SigPortConflict) {
		t.Fatalf("missing port conflict hint: %+v", r.Hints)
	}
	if !hasHint(r, "hitch", SigNotRunning) || !hasHint(r, "hitch", SigNoCertificates) {
		t.Fatalf("missing hitch hints: %+v", r.Hints)
	}
	if hasHint(r, "hitch", SigPortNotListening) {
		t.Fatal("a stopped service should not also get a port hint")
	}
	for _, h := range r.Hints {
		if h.Message == "" || strings.Contains(h.Message, "%!") {
			t.Fatalf("bad message: %+v", h)
		}
	}
}

func TestVerifyToolMissingAndInvalidConfig(t *testing.T) {
	svc := hosttest.NewServices()
	_ = svc.Start(context.Background(), "varnish")
	d := varnish
	d.ConfigPath = "/etc/varnish/default.vcl"
	d.ValidateCommand = []string{"varnishd", "-C", "-f", "{config}"}
	r := &hosttest.Runner{Handler: func(c hosttest.Call) (shell.Result, error) {
		return hosttest.Fail(2, "Message from VCC-compiler:\nSyntax error")
	}}
	rep := verifier(svc, &hosttest.Ports{}, r).Verify(context.Background(), []host.ServiceDescriptor{d})
	if !hasHint(rep, "varnish", SigConfigInvalid) || !hasHint(rep, "varnish", SigPortNotListening) {
		t.Fatalf("hints: %+v", rep.Hints)
	}

	r.Handler = func(c hosttest.Call) (shell.Result, error) { return hosttest.Missing(c.Name) }
	rep = verifier(svc, &hosttest.Ports{}, r).Verify(context.Background(), []host.ServiceDescriptor{d})
	if !hasHint(rep, "varnish", SigToolMissing) || hasHint(rep, "varnish", SigConfigInvalid) {
		t.Fatalf("hints: %+v", rep.Hints)
	}
}

func TestVerifyToolMissingIsTyped(t *testing.T) {
	// systemctl runs but its stderr happens to contain the words.
	r := &hosttest.Runner{Handler: func(c hosttest.Call) (shell.Result, error) {
		return hosttest.Fail(1, "tool not found")
	}}
	rep := verifier(host.Systemd{Runner: r}, &hosttest.Ports{}, r).Verify(context.Background(), []host.ServiceDescriptor{varnish})
	if hasHint(rep, "varnish", SigToolMissing) {
		t.Fatalf("hints: %+v", rep.Hints)
	}
	if len(rep.Services) != 1 || rep.Services[0].ToolMissing {
		t.Fatalf("services: %+v", rep.Services)
	}
}

func TestWriteTextfile(t *testing.T) {
	svc := hosttest.NewServices()
	_ = svc.Start(context.Background(), "varnish")
	ports := &hosttest.LivePorts{Services: svc, Owners: map[int]host.ServiceDescriptor{80: varnish, 4443: varnish}}
	r := verifier(svc, ports, &hosttest.Runner{}).Verify(context.Background(), []host.ServiceDescriptor{varnish, hitch})

	path := filepath.Join(t.TempDir(), "cpvarnish.prom")
	if err := WriteTextfile(r, path); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	for _, want := range []string{
		`cpvarnish_service_up{service="varnish"} 1`,
		`cpvarnish_service_up{service="hitch"} 0`,
		`cpvarnish_port_listening{port="80",service="varnish"} 1`,
		`cpvarnish_service_uptime_seconds{service="varnish"} 7200`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("textfile missing %q:\n%s", want, out)
		}
	}
}
