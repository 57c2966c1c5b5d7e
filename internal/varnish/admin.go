// Package varnish talks to a running varnishd through its command line tools.
package varnish

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

var ErrEmptyBan = errors.New("empty ban expression")

// Admin wraps varnishadm. Address and SecretPath map to -T and -S.
type Admin struct {
	Runner     shell.Runner
	Address    string
	SecretPath string
}

func (a Admin) args(cmd ...string) []string {
	var out []string
	if a.Address != "" {
		out = append(out, "-T", a.Address)
	}
	if a.SecretPath != "" {
		out = append(out, "-S", a.SecretPath)
	}
	return append(out, cmd...)
}

func (a Admin) Ban(ctx context.Context, b BanExpr) error {
	if b.Empty() {
		return ErrEmptyBan
	}
	if _, err := shell.Check(ctx, a.Runner, "varnishadm", a.args(append([]string{"ban"}, b.Args()...)...)...); err != nil {
		return fmt.Errorf("ban %s: %w", b, err)
	}
	return nil
}

type Ban struct {
	Time      time.Time `json:"time"`
	Refs      int       `json:"refs"`
	Completed bool      `json:"completed"`
	Expr      string    `json:"expr"`
}

func (a Admin) BanList(ctx context.Context) ([]Ban, error) {
	res, err := shell.Check(ctx, a.Runner, "varnishadm", a.args("ban.list")...)
	if err != nil {
		return nil, err
	}
	return parseBanList(string(res.Stdout)), nil
}

// Status returns the child process state, e.g. "running".
func (a Admin) Status(ctx context.Context) (string, error) {
	res, err := shell.Check(ctx, a.Runner, "varnishadm", a.args("status")...)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(string(res.Stdout))
	if i := strings.LastIndex(out, "state "); i >= 0 {
		return strings.TrimSpace(out[i+len("state "):]), nil
	}
	return out, nil
}

func parseBanList(out string) []Ban {
	var bans []Ban
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 2 {
			continue
		}
		ts, err := strconv.ParseFloat(f[0], 64)
		if err != nil {
			continue
		}
		refs, err := strconv.Atoi(f[1])
		if err != nil {
			continue
		}
		b := Ban{Time: time.Unix(0, int64(ts*float64(time.Second))).UTC(), Refs: refs}
		rest := f[2:]
		if len(rest) > 0 && isFlags(rest[0]) {
			b.Completed = strings.Contains(rest[0], "C")
			rest = rest[1:]
		}
		b.Expr = strings.Join(rest, " ")
		bans = append(bans, b)
	}
	return bans
}

func isFlags(s string) bool {
	if s == "-" {
		return true
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return s != ""
}
