package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/turnuphosting/latest-varnish/internal/backup"
	"github.com/turnuphosting/latest-varnish/internal/config"
	"github.com/turnuphosting/latest-varnish/internal/host"
	"github.com/turnuphosting/latest-varnish/internal/installer"
	"github.com/turnuphosting/latest-varnish/internal/logging"
	"github.com/turnuphosting/latest-varnish/internal/probe"
	"github.com/turnuphosting/latest-varnish/internal/verify"
	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

func newVerifier(cfg config.Config) *verify.Verifier {
	r := shell.Exec{Timeout: time.Minute}
	return &verify.Verifier{
		Prober: &probe.Prober{
			Services: host.Systemd{Runner: r},
			Ports:    host.NetPorts{},
			Runner:   r,
			Log:      *logging.New(cfg),
		},
		CertDir: cfg.Hitch.CertDir,
	}
}

func newVerifyCmd() *cobra.Command {
	var textfile bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check services, ports and certificates",
		Long: `verify probes Varnish, Hitch and Apache and reports what is wrong with a
suggested fix for each problem. It never changes the host.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fatal(err)
			}
			rep := newVerifier(cfg).Verify(cmd.Context(), cfg.Services(config.ServiceVarnish, config.ServiceHitch, config.ServiceHTTPD))
			if textfile {
				if err := verify.WriteTextfile(rep, cfg.Paths.MetricsTextfile); err != nil {
					return fatal(fmt.Errorf("write %s: %w", cfg.Paths.MetricsTextfile, err))
				}
			}
			out := cmd.OutOrStdout()
			if outputJSON {
				if err := printJSON(out, rep); err != nil {
					return fatal(err)
				}
			} else {
				printVerification(out, rep)
			}
			if !rep.Healthy() {
				return errStepsFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&textfile, "textfile", false, "also write metrics for the node_exporter textfile collector")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last install run and the current service state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fatal(err)
			}
			last, ok, err := installer.LoadLastRun(cfg.Paths.StateDir)
			if err != nil {
				return fatal(err)
			}
			var saved []backup.Entry
			if ok && last.BackupDir != "" {
				saved, err = backup.LoadManifest(last.BackupDir)
				if err != nil && !errors.Is(err, os.ErrNotExist) {
					return fatal(fmt.Errorf("read backups of run %s: %w", last.RunID, err))
				}
			}
			rep := newVerifier(cfg).Verify(cmd.Context(), cfg.Services(config.ServiceVarnish, config.ServiceHitch, config.ServiceHTTPD))
			out := cmd.OutOrStdout()
			if outputJSON {
				return printJSON(out, map[string]any{"lastRun": last, "backups": saved, "current": rep})
			}
			if !ok {
				color.Yellow("No install run recorded in %s", cfg.Paths.StateDir)
			} else {
				fmt.Fprintf(out, "Last run %s (%s, tier %q)\n", last.RunID, last.Finished.Format(time.RFC3339), last.Tier)
				printSteps(out, last.Steps)
				printBackups(out, saved)
			}
			printVerification(out, rep)
			return nil
		},
	}
}

// printBackups lists the rollback copies a run left behind.
func printBackups(w io.Writer, entries []backup.Entry) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintln(w, "\nRollback copies:")
	for _, e := range entries {
		if !e.Existed {
			fmt.Fprintf(w, "  %s (created by the run)\n", e.Original)
			continue
		}
		fmt.Fprintf(w, "  %s <- %s\n", e.Original, e.Copy)
	}
}
