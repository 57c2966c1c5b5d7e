// Package panel serves the WHM and cPanel plugin pages and the JSON actions
// behind them. cpsrvd runs it as a CGI program; the same handler can listen
// on its own for development and metrics scraping.
package panel

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/turnuphosting/latest-varnish/internal/config"
	"github.com/turnuphosting/latest-varnish/internal/host"
	"github.com/turnuphosting/latest-varnish/internal/probe"
	"github.com/turnuphosting/latest-varnish/internal/varnish"
	"github.com/turnuphosting/latest-varnish/internal/verify"
	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

type Server struct {
	Config   config.Config
	Log      zerolog.Logger
	Runner   shell.Runner
	Services host.ServiceManager
	Ports    host.PortInspector
	Identity IdentityFunc
	CSRF     *CSRF
	// Owners loads the domain to account map; it is read per request so a
	// long-running listener sees new accounts.
	Owners func() (*host.DomainOwners, error)
	Now    func() time.Time
	// Standalone enables /metrics and CORS.
	Standalone bool

	mu       sync.Mutex
	settings *CacheSettings
}

// New wires a Server against the live host.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger, identity IdentityFunc) (*Server, error) {
	secret, err := LoadSecret(ctx, cfg.Paths.PanelSecret, os.Geteuid() == 0)
	if err != nil {
		return nil, err
	}
	csrf, err := NewCSRF(secret, cfg.Panel.TokenTTL)
	if err != nil {
		return nil, err
	}
	r := shell.Exec{Timeout: time.Minute}
	return &Server{
		Config:   cfg,
		Log:      log,
		Runner:   r,
		Services: host.Systemd{Runner: r},
		Ports:    host.NetPorts{},
		Identity: identity,
		CSRF:     csrf,
		Owners:   func() (*host.DomainOwners, error) { return host.LoadDomainOwners(cfg.Paths.UserDomains) },
		Now:      time.Now,
	}, nil
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) admin() varnish.Admin {
	return varnish.Admin{
		Runner:     s.Runner,
		Address:    fmt.Sprintf("127.0.0.1:%d", s.Config.Ports.VarnishAdmin),
		SecretPath: s.Config.Varnish.SecretPath,
	}
}

func (s *Server) prober() *probe.Prober {
	return &probe.Prober{Services: s.Services, Ports: s.Ports, Runner: s.Runner, Log: s.Log, Now: s.now}
}

func (s *Server) verifier() *verify.Verifier {
	return &verify.Verifier{Prober: s.prober(), CertDir: s.Config.Hitch.CertDir, Now: s.now}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.Log))
	r.Use(securityHeaders)

	if s.Standalone {
		if len(s.Config.Panel.CORSOrigins) > 0 {
			c := cors.New(cors.Options{
				AllowedOrigins:   s.Config.Panel.CORSOrigins,
				AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders:   []string{"Content-Type", csrfHeader},
				AllowCredentials: true,
			})
			r.Use(c.Handler)
		}
		r.Get("/metrics", s.metrics)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(s.authenticate)
		pr.Use(s.CSRF.Require)
		pr.Route("/whm", s.adminRoutes)
		pr.Route("/cpanel", s.userRoutes)
	})
	return r
}

// metrics runs a verification pass per scrape and exposes it.
func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	rep := s.verifier().Verify(r.Context(), s.Config.Services(config.ServiceVarnish, config.ServiceHitch, config.ServiceHTTPD))
	promhttp.HandlerFor(verify.Registry(rep), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// CGIPath maps a CGI request onto the router's paths. cpsrvd passes the
// route in PATH_INFO; a bare plugin URL opens the caller's dashboard.
func CGIPath(h http.Handler, getenv func(string) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := getenv("PATH_INFO")
		if p == "" || p == "/" {
			p = "/cpanel/"
			if getenv("REMOTE_USER") == "root" {
				p = "/whm/"
			}
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		r2 := r.Clone(r.Context())
		r2.URL.Path = p
		r2.URL.RawPath = ""
		r2.RequestURI = p
		h.ServeHTTP(w, r2)
	})
}
