package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/turnuphosting/latest-varnish/internal/certs"
	"github.com/turnuphosting/latest-varnish/internal/config"
	"github.com/turnuphosting/latest-varnish/internal/logging"
	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

func newCertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage the certificate bundles Hitch serves",
	}
	var reload bool
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Rebuild Hitch's pem-dir from the certificates on the host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fatal(err)
			}
			log := logging.New(cfg)
			res, err := certs.FromConfig(cfg, *log).Sync(cmd.Context())
			if err != nil {
				return fatal(err)
			}
			if reload && res.Changed {
				desc, _ := cfg.Service(config.ServiceHitch)
				r := shell.Exec{Timeout: time.Minute}
				if _, err := shell.Check(cmd.Context(), r, "systemctl", "reload", desc.Unit); err != nil {
					return fatal(fmt.Errorf("reload %s: %w", desc.Unit, err))
				}
				log.Info().Str("unit", desc.Unit).Msg("reloaded after certificate change")
			}
			out := cmd.OutOrStdout()
			if outputJSON {
				return printJSON(out, res)
			}
			for _, b := range res.Bundles {
				fmt.Fprintf(out, " %s %-32s %s\n", okMark, b.Domain, b.CombinedPath)
			}
			for _, p := range res.Removed {
				fmt.Fprintf(out, " %s removed %s\n", skipMark, p)
			}
			fmt.Fprintf(out, "%d bundles, changed=%t\n", len(res.Bundles), res.Changed)
			return nil
		},
	}
	sync.Flags().BoolVar(&reload, "reload", false, "reload Hitch when the bundles changed")
	cmd.AddCommand(sync)
	return cmd
}
