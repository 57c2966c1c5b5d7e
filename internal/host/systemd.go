package host

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/turnuphosting/latest-varnish/pkg/shell"
	"github.com/turnuphosting/latest-varnish/pkg/validate"
)

// UnitState is the subset of `systemctl show` this tool reads.
type UnitState struct {
	Unit        string
	LoadState   string
	ActiveState string
	SubState    string
	MainPID     int
	Since       time.Time
}

func (s UnitState) Running() bool { return s.ActiveState == "active" }

// Installed is false when systemd has no unit file by that name.
func (s UnitState) Installed() bool { return s.LoadState != "" && s.LoadState != "not-found" }

type ServiceManager interface {
	State(ctx context.Context, unit string) (UnitState, error)
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Enable(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error
	JournalTail(ctx context.Context, unit string, lines int) ([]string, error)
}

// Systemd drives units through systemctl and journalctl.
type Systemd struct {
	Runner shell.Runner
}

func (s Systemd) State(ctx context.Context, unit string) (UnitState, error) {
	if err := validate.ServiceName(unit); err != nil {
		return UnitState{Unit: unit}, fmt.Errorf("unit %q: %w", unit, err)
	}
	res, err := shell.Check(ctx, s.Runner, "systemctl", "show", unit, "--no-pager",
		"--property=LoadState,ActiveState,SubState,MainPID,ActiveEnterTimestamp")
	if err != nil {
		return UnitState{Unit: unit}, err
	}
	return parseShow(unit, string(res.Stdout)), nil
}

func (s Systemd) Start(ctx context.Context, unit string) error   { return s.ctl(ctx, "start", unit) }
func (s Systemd) Stop(ctx context.Context, unit string) error    { return s.ctl(ctx, "stop", unit) }
func (s Systemd) Restart(ctx context.Context, unit string) error { return s.ctl(ctx, "restart", unit) }
func (s Systemd) Enable(ctx context.Context, unit string) error  { return s.ctl(ctx, "enable", unit) }
func (s Systemd) Disable(ctx context.Context, unit string) error { return s.ctl(ctx, "disable", unit) }

func (s Systemd) ctl(ctx context.Context, verb, unit string) error {
	if err := validate.ServiceName(unit); err != nil {
		return fmt.Errorf("unit %q: %w", unit, err)
	}
	_, err := shell.Check(ctx, s.Runner, "systemctl", verb, unit)
	return err
}

// JournalTail returns the last n journal lines for unit, without "-- " banners.
func (s Systemd) JournalTail(ctx context.Context, unit string, n int) ([]string, error) {
	if err := validate.ServiceName(unit); err != nil {
		return nil, fmt.Errorf("unit %q: %w", unit, err)
	}
	res, err := shell.Check(ctx, s.Runner, "journalctl", "-u", unit, "-n", strconv.Itoa(n), "--no-pager", "-o", "short-iso")
	if err != nil {
		return nil, err
	}
	var out []string
	sc := bufio.NewScanner(strings.NewReader(string(res.Stdout)))
	for sc.Scan() {
		line := sc.Text()
		if line != "" && !strings.HasPrefix(line, "-- ") {
			out = append(out, line)
		}
	}
	return out, nil
}

func parseShow(unit, out string) UnitState {
	st := UnitState{Unit: unit}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch k {
		case "LoadState":
			st.LoadState = v
		case "ActiveState":
			st.ActiveState = v
		case "SubState":
			st.SubState = v
		case "MainPID":
			st.MainPID, _ = strconv.Atoi(v)
		case "ActiveEnterTimestamp":
			if t, err := ParseSystemdTimestamp(v); err == nil {
				st.Since = t
			}
		}
	}
	return st
}

// ParseSystemdTimestamp parses "Mon 2024-01-15 10:30:45 UTC" and the "@<epoch>"
// form. Zone abbreviations resolve against the host's local zone.
func ParseSystemdTimestamp(ts string) (time.Time, error) {
	return ParseSystemdTimestampIn(ts, time.Local)
}

// ParseSystemdTimestampIn is ParseSystemdTimestamp with an explicit zone, the
// one systemctl formatted the timestamp in.
func ParseSystemdTimestampIn(ts string, loc *time.Location) (time.Time, error) {
	ts = strings.TrimSpace(ts)
	if ts == "" || strings.HasPrefix(ts, "n/a") {
		return time.Time{}, fmt.Errorf("no timestamp available")
	}
	if strings.HasPrefix(ts, "@") {
		sec, err := strconv.ParseInt(ts[1:], 10, 64)
		if err == nil {
			return time.Unix(sec, 0), nil
		}
	}
	formats := []string{
		"Mon 2006-01-02 15:04:05 MST",
		"Mon 2006-01-02 15:04:05.000000 MST",
		time.RFC3339,
	}
	for _, format := range formats {
		if t, err := time.ParseInLocation(format, ts, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", ts)
}
