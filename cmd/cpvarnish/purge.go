package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/turnuphosting/latest-varnish/internal/varnish"
	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

func newPurgeCmd() *cobra.Command {
	var (
		all     bool
		pattern string
	)
	cmd := &cobra.Command{
		Use:   "purge [domain] [path]",
		Short: "Invalidate cached objects",
		Long: `purge bans cached objects through varnishadm. A path ending in "*" bans
everything under it; --pattern bans URLs on the domain matching a regular
expression; --all bans everything.`,
		Example: `  cpvarnish purge example.com
  cpvarnish purge example.com /blog/*
  cpvarnish purge example.com --pattern '^/img/'
  cpvarnish purge --all`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fatal(err)
			}
			b, err := banFor(args, all, pattern)
			if err != nil {
				return fatal(err)
			}
			adm := varnish.Admin{
				Runner:     shell.Exec{Timeout: 30 * time.Second},
				Address:    fmt.Sprintf("127.0.0.1:%d", cfg.Ports.VarnishAdmin),
				SecretPath: cfg.Varnish.SecretPath,
			}
			if err := adm.Ban(cmd.Context(), b); err != nil {
				return fatal(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ban %s\n", okMark, b)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "purge every cached object")
	cmd.Flags().StringVar(&pattern, "pattern", "", "regular expression matched against the URL")
	return cmd
}

func banFor(args []string, all bool, pattern string) (varnish.BanExpr, error) {
	switch {
	case all:
		if len(args) > 0 || pattern != "" {
			return varnish.BanExpr{}, errors.New("--all takes no domain, path or pattern")
		}
		return varnish.BanAll(), nil
	case len(args) == 0:
		return varnish.BanExpr{}, errors.New("a domain or --all is required")
	case pattern != "":
		if len(args) > 1 {
			return varnish.BanExpr{}, errors.New("--pattern and a path are mutually exclusive")
		}
		return varnish.BanPattern(args[0], pattern)
	case len(args) == 1:
		return varnish.BanHost(args[0])
	case strings.HasSuffix(args[1], "*"):
		return varnish.BanPrefix(args[0], strings.TrimSuffix(args[1], "*"))
	}
	return varnish.BanURL(args[0], args[1])
}
