// Command cpvarnish-panel serves the WHM and cPanel plugin pages. Under
// cpsrvd it runs once per request as a CGI program; "serve" runs the same
// router as a long-lived listener.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cgi"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/turnuphosting/latest-varnish/internal/config"
	"github.com/turnuphosting/latest-varnish/internal/logging"
	"github.com/turnuphosting/latest-varnish/internal/panel"
)

var cfgFile string

func main() {
	if os.Getenv("GATEWAY_INTERFACE") != "" {
		if err := serveCGI(); err != nil {
			fmt.Fprintln(os.Stderr, "cpvarnish-panel:", err)
			os.Exit(1)
		}
		return
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serveCGI() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	log := logging.New(cfg)
	srv, err := panel.New(context.Background(), cfg, *log, panel.RemoteUser(nil))
	if err != nil {
		return err
	}
	return cgi.Serve(panel.CGIPath(srv.Router(), os.Getenv))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cpvarnish-panel",
		Short:         "Varnish Cache plugin for WHM and cPanel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default "+config.DefaultPath+")")
	root.AddCommand(newServeCmd(), newRoutesCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		bind string
		as   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen on panel.bind outside cpsrvd",
		Long: `serve runs the plugin router as a standalone HTTP listener. Every request
is treated as coming from the account given with --as; /metrics exposes the
verification gauges for Prometheus.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Panel.Bind = bind
			}
			log := logging.New(cfg)
			srv, err := panel.New(cmd.Context(), cfg, *log, panel.FixedUser(as))
			if err != nil {
				return err
			}
			srv.Standalone = true
			return listen(cmd.Context(), cfg.Panel.Bind, srv.Router(), *log)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "listen address (overrides panel.bind)")
	cmd.Flags().StringVar(&as, "as", "root", "account every request is attributed to")
	return cmd
}

func listen(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	hs := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	log.Info().Msgf("cpvarnish-panel listening on http://%s", addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}

// newRoutesCmd prints the route table, for checking AppConfig URLs.
func newRoutesCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "routes",
		Short:  "Print the method and path of every route as JSON",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			csrf, err := panel.NewCSRF(make([]byte, 32), 0)
			if err != nil {
				return err
			}
			srv := &panel.Server{Config: config.Defaults(), CSRF: csrf, Standalone: true, Identity: panel.FixedUser("root")}
			mux, ok := srv.Router().(*chi.Mux)
			if !ok {
				return fmt.Errorf("router is %T, not *chi.Mux", srv.Router())
			}
			var routes []map[string]string
			_ = chi.Walk(mux, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
				routes = append(routes, map[string]string{"method": method, "path": route})
				return nil
			})
			return json.NewEncoder(cmd.OutOrStdout()).Encode(routes)
		},
	}
}
