// Package hosttest provides in-memory stand-ins for the host adapters so
// orchestration can be exercised without root, systemd or a package manager.
package hosttest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/turnuphosting/latest-varnish/internal/host"
	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

type Call struct {
	Name string
	Args []string
}

func (c Call) String() string { return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " ")) }

// Runner records every command and answers through Handler. A nil Handler
// succeeds with empty output.
type Runner struct {
	mu      sync.Mutex
	Calls   []Call
	Handler func(c Call) (shell.Result, error)
}

func (r *Runner) Run(_ context.Context, name string, args ...string) (shell.Result, error) {
	c := Call{Name: name, Args: append([]string(nil), args...)}
	r.mu.Lock()
	r.Calls = append(r.Calls, c)
	h := r.Handler
	r.mu.Unlock()
	if h == nil {
		return shell.Result{}, nil
	}
	return h(c)
}

// Ran reports whether any recorded command line starts with prefix.
func (r *Runner) Ran(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.Calls {
		if strings.HasPrefix(c.String(), prefix) {
			return true
		}
	}
	return false
}

func (r *Runner) Count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.Calls {
		if strings.HasPrefix(c.String(), prefix) {
			n++
		}
	}
	return n
}

// Services is a fake systemd. Start and Restart consume StartErrs[unit] in
// order; once drained they succeed unless AlwaysFail[unit] is set.
type Services struct {
	mu         sync.Mutex
	States     map[string]host.UnitState
	StartErrs  map[string][]error
	AlwaysFail map[string]error
	Journal    map[string][]string
	Calls      []string
	Now        time.Time
}

func NewServices() *Services {
	return &Services{
		States:     map[string]host.UnitState{},
		StartErrs:  map[string][]error{},
		AlwaysFail: map[string]error{},
		Journal:    map[string][]string{},
		Now:        time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

func (s *Services) State(_ context.Context, unit string) (host.UnitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.States[unit]; ok {
		return st, nil
	}
	return host.UnitState{Unit: unit, LoadState: "loaded", ActiveState: "inactive", SubState: "dead"}, nil
}

func (s *Services) Start(ctx context.Context, unit string) error   { return s.start("start", unit) }
func (s *Services) Restart(ctx context.Context, unit string) error { return s.start("restart", unit) }

func (s *Services) start(verb, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, verb+" "+unit)
	if q := s.StartErrs[unit]; len(q) > 0 {
		err := q[0]
		s.StartErrs[unit] = q[1:]
		if err != nil {
			s.States[unit] = host.UnitState{Unit: unit, LoadState: "loaded", ActiveState: "failed", SubState: "failed"}
			return err
		}
	} else if err := s.AlwaysFail[unit]; err != nil {
		s.States[unit] = host.UnitState{Unit: unit, LoadState: "loaded", ActiveState: "failed", SubState: "failed"}
		return err
	}
	s.States[unit] = host.UnitState{Unit: unit, LoadState: "loaded", ActiveState: "active", SubState: "running", MainPID: 4242, Since: s.Now}
	return nil
}

func (s *Services) Stop(_ context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "stop "+unit)
	s.States[unit] = host.UnitState{Unit: unit, LoadState: "loaded", ActiveState: "inactive", SubState: "dead"}
	return nil
}

func (s *Services) Enable(_ context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "enable "+unit)
	return nil
}

func (s *Services) Disable(_ context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "disable "+unit)
	return nil
}

func (s *Services) JournalTail(_ context.Context, unit string, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.Journal[unit]
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return append([]string(nil), lines...), nil
}

// Count returns how many recorded calls equal "verb unit".
func (s *Services) Count(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Calls {
		if c == call {
			n++
		}
	}
	return n
}

type Packages struct {
	mu         sync.Mutex
	Tool       string
	Present    map[string]bool
	InstallErr error
	Installs   [][]string
}

func (p *Packages) Name() string {
	if p.Tool == "" {
		return "fake"
	}
	return p.Tool
}

func (p *Packages) Install(_ context.Context, pkgs ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Installs = append(p.Installs, append([]string(nil), pkgs...))
	if p.InstallErr != nil {
		return p.InstallErr
	}
	if p.Present == nil {
		p.Present = map[string]bool{}
	}
	for _, pkg := range pkgs {
		p.Present[pkg] = true
	}
	return nil
}

func (p *Packages) Installed(_ context.Context, pkg string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Present[pkg]
}

// Ports answers from a fixed table.
type Ports struct {
	mu        sync.Mutex
	Listeners map[int]host.Listener
	Err       error
}

func (p *Ports) Listener(_ context.Context, port int) (host.Listener, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return host.Listener{Port: port}, false, p.Err
	}
	l, ok := p.Listeners[port]
	return l, ok, nil
}

func (p *Ports) Set(port int, process string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Listeners == nil {
		p.Listeners = map[int]host.Listener{}
	}
	p.Listeners[port] = host.Listener{Port: port, PID: int32(1000 + port), Process: process}
}

// LivePorts derives listeners from a fake service manager: a port is bound
// while the owning unit is active.
type LivePorts struct {
	Services *Services
	Owners   map[int]host.ServiceDescriptor
	Static   Ports
}

func (p *LivePorts) Listener(ctx context.Context, port int) (host.Listener, bool, error) {
	if l, ok, err := p.Static.Listener(ctx, port); ok || err != nil {
		return l, ok, err
	}
	d, ok := p.Owners[port]
	if !ok {
		return host.Listener{Port: port}, false, nil
	}
	st, _ := p.Services.State(ctx, d.Unit)
	if !st.Running() {
		return host.Listener{Port: port}, false, nil
	}
	name := d.Name
	if len(d.ProcessNames) > 0 {
		name = d.ProcessNames[0]
	}
	return host.Listener{Port: port, PID: int32(st.MainPID), Process: name}, true, nil
}

// Fail builds a runner result for a failed command.
func Fail(code int, stderr string) (shell.Result, error) {
	return shell.Result{Stderr: []byte(stderr), Code: code}, nil
}

// Missing simulates a tool absent from PATH.
func Missing(name string) (shell.Result, error) {
	return shell.Result{Code: -1}, fmt.Errorf("%w: %s", shell.ErrNotFound, name)
}
