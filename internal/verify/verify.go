// Package verify reports what is actually running after an install. It only
// reads host state.
package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/turnuphosting/latest-varnish/internal/host"
	"github.com/turnuphosting/latest-varnish/internal/probe"
)

type Signature string

const (
	SigToolMissing      Signature = "tool-missing"
	SigNotInstalled     Signature = "not-installed"
	SigNotRunning       Signature = "not-running"
	SigConfigInvalid    Signature = "config-invalid"
	SigPortNotListening Signature = "port-not-listening"
	SigPortConflict     Signature = "port-conflict"
	SigNoCertificates   Signature = "no-certificates"
)

// remediation is keyed by failure signature. %[1]s is the service name and
// %[2]s the systemd unit.
var remediation = map[Signature]string{
	SigToolMissing:      "A required command is missing for %[1]s. Reinstall the %[1]s package and make sure systemd tools are on PATH.",
	SigNotInstalled:     "The %[2]s unit does not exist. Run `cpvarnish install` to install %[1]s.",
	SigNotRunning:       "%[1]s is not running. Inspect `journalctl -u %[2]s -n 50` and start it with `systemctl start %[2]s`.",
	SigConfigInvalid:    "The %[1]s configuration does not pass its self-check. Run `cpvarnish render` to compare with the generated file, or restore it from the backup directory.",
	SigPortNotListening: "%[1]s is running but not listening on every expected port. Check the listen addresses in its configuration and restart %[2]s.",
	SigPortConflict:     "Another process holds a port %[1]s needs. Stop that process or change the ports in /etc/cpvarnish/config.yaml, then rerun the install.",
	SigNoCertificates:   "No certificate bundles exist for %[1]s. Run `cpvarnish certs sync` after issuing SSL certificates in WHM.",
}

// Remediation returns the static advice for sig.
func Remediation(sig Signature, service, unit string) string {
	tmpl, ok := remediation[sig]
	if !ok {
		return ""
	}
	return fmt.Sprintf(tmpl, service, unit)
}

type Hint struct {
	Service   string    `json:"service"`
	Signature Signature `json:"signature"`
	Message   string    `json:"message"`
}

type PortCheck struct {
	Port      int    `json:"port"`
	Service   string `json:"service"`
	Listening bool   `json:"listening"`
	Owner     string `json:"owner,omitempty"`
	PID       int32  `json:"pid,omitempty"`
	Conflict  bool   `json:"conflict"`
}

type Report struct {
	CheckedAt time.Time             `json:"checkedAt"`
	Services  []probe.ServiceStatus `json:"services"`
	Ports     []PortCheck           `json:"ports"`
	Hints     []Hint                `json:"hints"`
}

// Healthy is true when every service runs and every port is held by its owner.
func (r Report) Healthy() bool {
	for _, s := range r.Services {
		if !s.Running {
			return false
		}
	}
	for _, p := range r.Ports {
		if !p.Listening || p.Conflict {
			return false
		}
	}
	return true
}

func (r Report) Summary() string {
	running, listening := 0, 0
	for _, s := range r.Services {
		if s.Running {
			running++
		}
	}
	for _, p := range r.Ports {
		if p.Listening && !p.Conflict {
			listening++
		}
	}
	return fmt.Sprintf("%d/%d services running, %d/%d ports listening", running, len(r.Services), listening, len(r.Ports))
}

type Verifier struct {
	Prober *probe.Prober
	// CertDir, when set, is checked for Hitch bundles.
	CertDir string
	Now     func() time.Time
}

func (v *Verifier) Verify(ctx context.Context, services []host.ServiceDescriptor) Report {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	r := Report{CheckedAt: now()}
	for _, d := range services {
		st := v.Prober.Probe(ctx, d)
		r.Services = append(r.Services, st)
		hint := func(sig Signature) {
			r.Hints = append(r.Hints, Hint{Service: d.Name, Signature: sig, Message: Remediation(sig, d.Name, d.Unit)})
		}

		switch {
		case st.ToolMissing:
			hint(SigToolMissing)
		case !st.Installed && st.LastError == "":
			hint(SigNotInstalled)
		case !st.Running:
			hint(SigNotRunning)
		}
		if !st.ConfigValid && st.ConfigError != "" {
			hint(SigConfigInvalid)
		}

		ports := append([]int(nil), d.ListenPorts...)
		sort.Ints(ports)
		notListening, conflict := false, false
		for _, port := range ports {
			pc := PortCheck{Port: port, Service: d.Name, Listening: st.Listening[port]}
			if l, ok := st.Listeners[port]; ok {
				pc.Owner, pc.PID = l.Process, l.PID
				pc.Conflict = l.Process != "" && !d.OwnsProcess(l.Process)
			}
			notListening = notListening || !pc.Listening
			conflict = conflict || pc.Conflict
			r.Ports = append(r.Ports, pc)
		}
		if conflict {
			hint(SigPortConflict)
		} else if notListening && st.Running {
			hint(SigPortNotListening)
		}

		if d.Name == "hitch" && v.CertDir != "" && !hasBundles(v.CertDir) {
			hint(SigNoCertificates)
		}
	}
	return r
}

func hasBundles(dir string) bool {
	m, err := filepath.Glob(filepath.Join(dir, "*.pem"))
	if err != nil || len(m) == 0 {
		return false
	}
	for _, p := range m {
		if fi, err := os.Stat(p); err == nil && fi.Size() > 0 {
			return true
		}
	}
	return false
}
