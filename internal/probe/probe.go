// Package probe inspects and starts managed services.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/turnuphosting/latest-varnish/internal/host"
	"github.com/turnuphosting/latest-varnish/internal/steps"
	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

// JournalLines is how much of the journal a failed start carries as detail.
const JournalLines = 20

type ServiceStatus struct {
	Name        string                `json:"name"`
	Unit        string                `json:"unit"`
	Installed   bool                  `json:"installed"`
	Running     bool                  `json:"running"`
	Since       time.Time             `json:"since,omitempty"`
	Uptime      time.Duration         `json:"uptime"`
	ConfigValid bool                  `json:"configValid"`
	ConfigError string                `json:"configError,omitempty"`
	Listening   map[int]bool          `json:"listening"`
	Listeners   map[int]host.Listener `json:"listeners,omitempty"`
	LastError   string                `json:"lastError,omitempty"`
	// ToolMissing is set when systemctl or the validate command is not
	// installed, so the other fields could not be determined.
	ToolMissing bool `json:"toolMissing,omitempty"`
}

type Prober struct {
	Services host.ServiceManager
	Ports    host.PortInspector
	Runner   shell.Runner
	Log      zerolog.Logger
	Now      func() time.Time
	Sleep    func(time.Duration)
}

func (p *Prober) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Prober) sleep(ctx context.Context, d time.Duration) {
	if p.Sleep != nil {
		p.Sleep(d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Probe reports the observed state of d. Tool failures are folded into
// LastError; Probe never fails.
func (p *Prober) Probe(ctx context.Context, d host.ServiceDescriptor) ServiceStatus {
	st := ServiceStatus{Name: d.Name, Unit: d.Unit, Listening: map[int]bool{}, Listeners: map[int]host.Listener{}}
	var errs []string

	us, err := p.Services.State(ctx, d.Unit)
	if err != nil {
		st.ToolMissing = errors.Is(err, shell.ErrNotFound)
		errs = append(errs, describe(err))
	} else {
		st.Installed = us.Installed()
		st.Running = us.Running()
		if st.Running && !us.Since.IsZero() {
			st.Since = us.Since
			st.Uptime = p.now().Sub(us.Since).Truncate(time.Second)
		}
	}

	for _, port := range d.ListenPorts {
		l, ok, err := p.Ports.Listener(ctx, port)
		if err != nil {
			errs = append(errs, fmt.Sprintf("port %d: %v", port, err))
			continue
		}
		st.Listening[port] = ok
		if ok {
			st.Listeners[port] = l
		}
	}

	if argv := d.ValidateArgv(); len(argv) > 0 {
		res, err := p.Runner.Run(ctx, argv[0], argv[1:]...)
		switch {
		case errors.Is(err, shell.ErrNotFound):
			// Unchecked rather than invalid.
			st.ToolMissing = true
			errs = append(errs, describe(err))
		case err == nil && res.Code == 0:
			st.ConfigValid = true
		default:
			st.ConfigError = firstLine(res.Output())
			if st.ConfigError == "" && err != nil {
				st.ConfigError = err.Error()
			}
		}
	}

	st.LastError = strings.Join(errs, "; ")
	return st
}

// StartWithRetry starts d up to attempts times, sleeping backoff between
// attempts. A unit that is already active is restarted so it picks up new
// configuration. The final failure carries the tail of the unit journal.
func (p *Prober) StartWithRetry(ctx context.Context, d host.ServiceDescriptor, attempts int, backoff time.Duration) steps.Result {
	if attempts < 1 {
		attempts = 1
	}
	res := steps.Result{Step: steps.ServicesStarted, Service: d.Name}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		start := p.Services.Start
		if us, err := p.Services.State(ctx, d.Unit); err == nil && us.Running() {
			start = p.Services.Restart
		}
		err := start(ctx, d.Unit)
		if err == nil {
			us, serr := p.Services.State(ctx, d.Unit)
			if serr == nil && us.Running() {
				p.Log.Info().Str("service", d.Name).Int("attempt", i).Msg("service started")
				res.Outcome = steps.Success
				res.At = p.now()
				if i > 1 {
					res.Detail = fmt.Sprintf("started on attempt %d of %d", i, attempts)
				}
				return res
			}
			if serr != nil {
				err = serr
			} else {
				err = fmt.Errorf("unit %s is %s after start", d.Unit, us.ActiveState)
			}
		}
		lastErr = err
		p.Log.Warn().Err(err).Str("service", d.Name).Int("attempt", i).Int("of", attempts).Msg("start attempt failed")
		if i < attempts {
			p.sleep(ctx, backoff)
		}
	}

	res.Outcome = steps.Failure
	res.Kind = steps.KindServiceStartFailed
	res.At = p.now()
	detail := fmt.Sprintf("start failed after %d attempts: %s", attempts, describe(lastErr))
	if lines, err := p.Services.JournalTail(ctx, d.Unit, JournalLines); err == nil && len(lines) > 0 {
		detail += "\n" + strings.Join(lines, "\n")
	}
	res.Detail = detail
	return res
}

func describe(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
