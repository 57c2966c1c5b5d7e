package installer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/turnuphosting/latest-varnish/internal/config"
	"github.com/turnuphosting/latest-varnish/pkg/validate"
)

type Target string

const (
	TargetVarnish Target = "varnish"
	TargetHitch   Target = "hitch"
	TargetPlugins Target = "plugins"
)

var AllTargets = []Target{TargetVarnish, TargetHitch, TargetPlugins}

type PlanPorts struct {
	HTTP          int `json:"http"`
	HTTPS         int `json:"https"`
	BackendHTTP   int `json:"backendHttp"`
	BackendHTTPS  int `json:"backendHttps"`
	InternalProxy int `json:"internalProxy"`
}

// Plan is fixed for the duration of a run.
type Plan struct {
	Targets map[Target]bool `json:"targets"`
	Ports   PlanPorts       `json:"ports"`
}

// NewPlan seeds the ports from cfg. An empty target list selects everything.
func NewPlan(cfg config.Config, targets ...Target) Plan {
	if len(targets) == 0 {
		targets = AllTargets
	}
	p := Plan{Targets: map[Target]bool{}, Ports: PlanPorts{
		HTTP:          cfg.Ports.HTTP,
		HTTPS:         cfg.Ports.HTTPS,
		BackendHTTP:   cfg.Ports.BackendHTTP,
		BackendHTTPS:  cfg.Ports.BackendHTTPS,
		InternalProxy: cfg.Ports.InternalProxy,
	}}
	for _, t := range targets {
		p.Targets[t] = true
	}
	return p
}

// ParseTargets accepts a comma separated list such as "varnish,hitch".
func ParseTargets(s string) ([]Target, error) {
	var out []Target
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(strings.ToLower(f))
		if f == "" {
			continue
		}
		switch Target(f) {
		case TargetVarnish, TargetHitch, TargetPlugins:
			out = append(out, Target(f))
		case "all":
			out = append(out, AllTargets...)
		default:
			return nil, fmt.Errorf("unknown target %q (want varnish, hitch, plugins or all)", f)
		}
	}
	return out, nil
}

func (p Plan) Has(t Target) bool { return p.Targets[t] }

// Services lists the daemons the plan manages, in start order.
func (p Plan) Services() []string {
	var out []string
	if p.Has(TargetVarnish) {
		out = append(out, config.ServiceVarnish)
	}
	if p.Has(TargetHitch) {
		out = append(out, config.ServiceHitch)
	}
	return out
}

func (p Plan) String() string {
	var names []string
	for t, on := range p.Targets {
		if on {
			names = append(names, string(t))
		}
	}
	sort.Strings(names)
	return fmt.Sprintf("targets=%s http=%d https=%d backend=%d/%d proxy=%d",
		strings.Join(names, ","), p.Ports.HTTP, p.Ports.HTTPS, p.Ports.BackendHTTP, p.Ports.BackendHTTPS, p.Ports.InternalProxy)
}

func (p Plan) Validate() error {
	if len(p.Services()) == 0 && !p.Has(TargetPlugins) {
		return fmt.Errorf("plan has no targets")
	}
	named := []struct {
		name string
		port int
	}{
		{"http", p.Ports.HTTP},
		{"https", p.Ports.HTTPS},
		{"backendHttp", p.Ports.BackendHTTP},
		{"backendHttps", p.Ports.BackendHTTPS},
		{"internalProxy", p.Ports.InternalProxy},
	}
	seen := map[int]string{}
	for _, n := range named {
		if err := validate.Port(n.port); err != nil {
			return fmt.Errorf("%s port %d: %w", n.name, n.port, err)
		}
		if other, dup := seen[n.port]; dup {
			return fmt.Errorf("%s and %s ports are both %d", other, n.name, n.port)
		}
		seen[n.port] = n.name
	}
	return nil
}

// Apply returns cfg with the plan's ports.
func (p Plan) Apply(cfg config.Config) config.Config {
	cfg.Ports.HTTP = p.Ports.HTTP
	cfg.Ports.HTTPS = p.Ports.HTTPS
	cfg.Ports.BackendHTTP = p.Ports.BackendHTTP
	cfg.Ports.BackendHTTPS = p.Ports.BackendHTTPS
	cfg.Ports.InternalProxy = p.Ports.InternalProxy
	return cfg
}
