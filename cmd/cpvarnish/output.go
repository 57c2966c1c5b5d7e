package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/turnuphosting/latest-varnish/internal/steps"
	"github.com/turnuphosting/latest-varnish/internal/verify"
)

func parseLevel(s string) (zerolog.Level, error) {
	l, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func banner(title string) {
	line := strings.Repeat("═", len(title)+8)
	color.Blue("\n╔%s╗", line)
	color.Blue("║    %s    ║", title)
	color.Blue("╚%s╝\n", line)
}

func confirm(msg string) (bool, error) {
	ok := false
	err := survey.AskOne(&survey.Confirm{Message: msg, Default: false}, &ok)
	return ok, err
}

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	failMark = color.New(color.FgRed).Sprint("✗")
	skipMark = color.New(color.FgYellow).Sprint("-")
)

func mark(o steps.Outcome) string {
	switch o {
	case steps.Success:
		return okMark
	case steps.Failure:
		return failMark
	}
	return skipMark
}

func printSteps(w io.Writer, rs []steps.Result) {
	for _, r := range rs {
		label := string(r.Step)
		if r.Service != "" {
			label += " " + r.Service
		}
		if r.Tier != "" {
			label += " [" + r.Tier + "]"
		}
		line := fmt.Sprintf(" %s %-40s %s", mark(r.Outcome), label, firstLine(r.Detail))
		if r.Kind != steps.KindNone {
			line += color.New(color.FgRed).Sprintf(" (%s)", r.Kind)
		}
		fmt.Fprintln(w, line)
	}
}

func printVerification(w io.Writer, r verify.Report) {
	fmt.Fprintln(w)
	for _, s := range r.Services {
		state := color.New(color.FgRed).Sprint("stopped")
		if s.Running {
			state = color.New(color.FgGreen).Sprint("running")
			if s.Uptime > 0 {
				state += fmt.Sprintf(" for %s", s.Uptime.Truncate(time.Second))
			}
		}
		fmt.Fprintf(w, " %-8s %s\n", s.Name, state)
	}
	for _, p := range r.Ports {
		m := okMark
		detail := "listening"
		switch {
		case p.Conflict:
			m, detail = failMark, fmt.Sprintf("held by %s (pid %d)", p.Owner, p.PID)
		case !p.Listening:
			m, detail = failMark, "not listening"
		}
		fmt.Fprintf(w, " %s port %-5d %-8s %s\n", m, p.Port, p.Service, detail)
	}
	if len(r.Hints) > 0 {
		fmt.Fprintln(w)
		color.New(color.FgYellow).Fprintln(w, "Suggestions:")
		for _, h := range r.Hints {
			fmt.Fprintf(w, "  • %s\n", h.Message)
		}
	}
	fmt.Fprintf(w, "\n%s\n", r.Summary())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
