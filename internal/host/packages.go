package host

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

var ErrNoPackageManager = errors.New("no supported package manager found")

type PackageManager interface {
	Name() string
	Install(ctx context.Context, pkgs ...string) error
	Installed(ctx context.Context, pkg string) bool
}

// Packages wraps dnf, yum or apt-get.
type Packages struct {
	Tool   string
	Runner shell.Runner
}

func (p Packages) Name() string { return p.Tool }

func (p Packages) Install(ctx context.Context, pkgs ...string) error {
	if len(pkgs) == 0 {
		return nil
	}
	var args []string
	switch p.Tool {
	case "apt-get":
		args = append([]string{"-y", "-q", "-o", "Dpkg::Options::=--force-confold", "install"}, pkgs...)
	default:
		args = append([]string{"-y", "install"}, pkgs...)
	}
	if _, err := shell.Check(ctx, p.Runner, p.Tool, args...); err != nil {
		return fmt.Errorf("%s install %s: %w", p.Tool, strings.Join(pkgs, " "), err)
	}
	return nil
}

func (p Packages) Installed(ctx context.Context, pkg string) bool {
	if p.Tool == "apt-get" {
		res, err := p.Runner.Run(ctx, "dpkg-query", "-W", "-f=${Status}", pkg)
		return err == nil && res.Code == 0 && strings.Contains(string(res.Stdout), "install ok installed")
	}
	res, err := p.Runner.Run(ctx, "rpm", "-q", pkg)
	return err == nil && res.Code == 0
}

// DetectPackageManager picks the tool for the OS family that is present on PATH.
// lookPath defaults to exec.LookPath.
func DetectPackageManager(osr OSRelease, lookPath func(string) (string, error), r shell.Runner) (PackageManager, error) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	var candidates []string
	switch osr.Family() {
	case "rhel":
		candidates = []string{"dnf", "yum"}
	case "debian":
		candidates = []string{"apt-get"}
	default:
		candidates = []string{"dnf", "yum", "apt-get"}
	}
	for _, c := range candidates {
		if _, err := lookPath(c); err == nil {
			return Packages{Tool: c, Runner: r}, nil
		}
	}
	return nil, fmt.Errorf("%w (tried %s)", ErrNoPackageManager, strings.Join(candidates, ", "))
}
