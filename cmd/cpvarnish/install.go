package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/turnuphosting/latest-varnish/internal/installer"
	"github.com/turnuphosting/latest-varnish/internal/logging"
	"github.com/turnuphosting/latest-varnish/internal/steps"
)

func newInstallCmd() *cobra.Command {
	var (
		targets string
		yes     bool
		revert  bool
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install and configure Varnish and Hitch",
		Long: `install moves Apache to the backend ports, puts Varnish on the public HTTP
port and Hitch on the public HTTPS port, registers the WHM and cPanel plugins
and verifies the result. With --revert it hands the public ports back to Apache.`,
		Example: `  cpvarnish install
  cpvarnish install --targets varnish --yes
  cpvarnish install --revert`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fatal(err)
			}
			ts, err := installer.ParseTargets(targets)
			if err != nil {
				return fatal(err)
			}
			plan := installer.NewPlan(cfg, ts...)
			if err := plan.Validate(); err != nil {
				return fatal(err)
			}

			tty := interactive() && !outputJSON
			out := cmd.OutOrStdout()
			if tty {
				title := "cpvarnish installer"
				if revert {
					title = "cpvarnish uninstall"
				}
				banner(title)
				fmt.Fprintf(out, "Plan: %s\n\n", plan)
			}
			if !yes {
				if !tty {
					return fatal(errors.New("refusing to change the host without --yes when not attached to a terminal"))
				}
				msg := "Apply this plan?"
				if revert {
					msg = "Stop Varnish and Hitch and give ports 80/443 back to Apache?"
				}
				ok, err := confirm(msg)
				if err != nil {
					return fatal(err)
				}
				if !ok {
					color.Yellow("Aborted, nothing was changed.")
					return nil
				}
			}

			// The console sink would fight the progress bar for the terminal.
			var console io.Writer = os.Stderr
			if tty {
				console = nil
			}
			ilog, err := logging.OpenInstallLog(cfg, console)
			if err != nil {
				return fatal(fmt.Errorf("open install log: %w", err))
			}
			defer ilog.Close()

			inst := installer.New(cfg, installer.SystemEnv(cfg, *ilog.Logger), *ilog.Logger)
			var bar *progressbar.ProgressBar
			if tty {
				bar = progressbar.Default(-1, "starting")
				inst.OnStep = func(r steps.Result) {
					desc := string(r.Step)
					if r.Service != "" {
						desc += " " + r.Service
					}
					bar.Describe(desc)
					_ = bar.Add(1)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			var rep *installer.Report
			if revert {
				rep, err = inst.Uninstall(ctx)
			} else {
				rep, err = inst.Run(ctx, plan)
			}
			if bar != nil {
				_ = bar.Finish()
				fmt.Fprintln(out)
			}
			return finishRun(out, rep, err, ilog.Path)
		},
	}
	cmd.Flags().StringVar(&targets, "targets", "all", "what to install: varnish, hitch, plugins or all (comma separated)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&revert, "revert", false, "undo a previous install")
	return cmd
}

// finishRun prints the report and maps it to an exit code.
func finishRun(out io.Writer, rep *installer.Report, runErr error, logPath string) error {
	if outputJSON && rep != nil {
		if err := printJSON(out, rep); err != nil {
			return fatal(err)
		}
	} else if rep != nil {
		printSteps(out, rep.Steps)
		if rep.Verification != nil {
			printVerification(out, *rep.Verification)
		}
		fmt.Fprintf(out, "\nRun %s", rep.RunID)
		if rep.BackupDir != "" {
			fmt.Fprintf(out, ", backups in %s", rep.BackupDir)
		}
		fmt.Fprintf(out, ", log at %s\n", logPath)
	}
	switch {
	case runErr != nil:
		return fatal(runErr)
	case rep.Failed():
		if !outputJSON {
			color.Red("\nCompleted with failures.")
		}
		return errStepsFailed
	}
	if !outputJSON {
		color.Green("\n✓ Completed successfully.")
	}
	return nil
}
