package main

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/turnuphosting/latest-varnish/internal/render"
)

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "render {vcl|hitch|unit}",
		Short:     "Print a generated configuration file without writing it",
		Args:      cobra.ExactValidArgs(1),
		ValidArgs: []string{"vcl", "hitch", "unit"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fatal(err)
			}
			var out string
			switch args[0] {
			case "vcl":
				out, err = render.RenderVCL(render.VCLFor(cfg))
			case "hitch":
				out, err = render.RenderHitch(render.HitchFor(cfg))
			case "unit":
				varnishd, _ := exec.LookPath("varnishd")
				out, err = render.RenderVarnishUnit(render.UnitFor(cfg, varnishd))
			}
			if err != nil {
				return fatal(err)
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	return cmd
}
