package installer

import (
	"context"
	"fmt"
	"strings"

	"github.com/turnuphosting/latest-varnish/internal/config"
	"github.com/turnuphosting/latest-varnish/internal/steps"
	"github.com/turnuphosting/latest-varnish/pkg/validate"
)

// CronFile renders /etc/cron.d/cpvarnish, which resyncs the Hitch bundles.
func CronFile(cfg config.Config) ([]byte, error) {
	schedule := strings.TrimSpace(cfg.CertSync.Schedule)
	if err := config.ValidateSchedule(cfg.CertSync.Schedule); err != nil {
		return nil, fmt.Errorf("certSync.schedule %q: %w", schedule, err)
	}
	if err := validate.AbsPath(cfg.Paths.CLIBinary); err != nil {
		return nil, fmt.Errorf("paths.cliBinary: %w", err)
	}
	var b strings.Builder
	b.WriteString("# Managed by cpvarnish. Local changes are replaced on the next install.\n")
	b.WriteString("SHELL=/bin/sh\n")
	b.WriteString("PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin\n")
	fmt.Fprintf(&b, "%s root %s certs sync --reload >/dev/null 2>&1\n", schedule, cfg.Paths.CLIBinary)
	return []byte(b.String()), nil
}

// WriteCron schedules certificate resyncs when Hitch is part of the plan.
func (a *Attempt) WriteCron(ctx context.Context) error {
	if !a.plan.Has(TargetHitch) {
		return nil
	}
	a.step = steps.ConfigsWritten
	data, err := CronFile(a.cfg)
	if err != nil {
		return err
	}
	if _, err := a.backups.Write(ctx, a.cfg.Paths.CronFile, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", a.cfg.Paths.CronFile, err)
	}
	a.ok(a.step, "cron", "certificate sync scheduled at "+strings.TrimSpace(a.cfg.CertSync.Schedule))
	return nil
}
