package panel

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/turnuphosting/latest-varnish/internal/config"
	"github.com/turnuphosting/latest-varnish/internal/varnish"
	"github.com/turnuphosting/latest-varnish/pkg/httpx"
)

func (s *Server) adminRoutes(r chi.Router) {
	r.Use(requireRoot)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		s.renderDashboard(w, dashboardData{Title: "Varnish Cache", Scope: "whm", User: identityFrom(r.Context()).User})
	})
	r.Get("/app.js", serveAsset("app.js", "text/javascript; charset=utf-8"))
	r.Get("/app.css", serveAsset("app.css", "text/css; charset=utf-8"))
	r.Get("/token", s.token)
	r.Get("/stats", s.adminStats)
	r.Get("/analytics", s.adminAnalytics)
	r.Post("/purge", s.adminPurge)
	r.Post("/purge-all", s.adminPurgeAll)
	r.Post("/restart/{service}", s.adminRestart)
	r.Get("/config", s.getConfig)
	r.Post("/config", s.postConfig)
}

// adminStats combines varnishstat counters with a health check of the
// managed services. A cache that cannot be read is reported, not fatal.
func (s *Server) adminStats(w http.ResponseWriter, r *http.Request) {
	rep := s.verifier().Verify(r.Context(), s.Config.Services(config.ServiceVarnish, config.ServiceHitch, config.ServiceHTTPD))
	out := map[string]any{"health": rep, "healthy": rep.Healthy()}
	if st, err := (varnish.Stat{Runner: s.Runner}).Snapshot(r.Context()); err != nil {
		out["cacheError"] = err.Error()
	} else {
		out["cache"] = st
	}
	adm := s.admin()
	if state, err := adm.Status(r.Context()); err != nil {
		out["adminError"] = err.Error()
	} else {
		out["child"] = state
		if bans, err := adm.BanList(r.Context()); err != nil {
			out["adminError"] = err.Error()
		} else {
			out["bans"] = bans
		}
	}
	httpx.OK(w, out)
}

type timeframe struct {
	step time.Duration
	n    int
}

var timeframes = map[string]timeframe{
	"1h":  {5 * time.Minute, 12},
	"24h": {time.Hour, 24},
	"7d":  {6 * time.Hour, 28},
}

func (s *Server) adminAnalytics(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("timeframe")
	if name == "" {
		name = "24h"
	}
	tf, ok := timeframes[name]
	if !ok {
		httpx.ErrorDetails(w, http.StatusBadRequest, "analytics.timeframe", "unknown timeframe", map[string]any{"allowed": []string{"1h", "24h", "7d"}})
		return
	}
	reqs, ok := s.recent(w, r)
	if !ok {
		return
	}
	span := tf.step * time.Duration(tf.n)
	start := s.now().Add(-span).Truncate(tf.step).Add(tf.step)
	keep := varnish.Since(start)
	httpx.OK(w, map[string]any{
		"timeframe": name,
		"summary":   varnish.Summarize(reqs, keep),
		"timeline":  varnish.Timeline(reqs, keep, start, tf.step, tf.n),
		"topUrls":   varnish.TopURLs(reqs, keep, 10),
	})
}

type adminPurgeRequest struct {
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// adminPurge bans one domain, one path on it, or a prefix when the path
// ends in "*".
func (s *Server) adminPurge(w http.ResponseWriter, r *http.Request) {
	var req adminPurgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var (
		b   varnish.BanExpr
		err error
	)
	switch {
	case req.Path == "":
		b, err = varnish.BanHost(req.Domain)
	case strings.HasSuffix(req.Path, "*"):
		b, err = varnish.BanPrefix(req.Domain, strings.TrimSuffix(req.Path, "*"))
	default:
		b, err = varnish.BanURL(req.Domain, req.Path)
	}
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "purge.invalid", err.Error())
		return
	}
	if !s.ban(w, r, []varnish.BanExpr{b}) {
		return
	}
	httpx.OK(w, map[string]any{"message": "Purged " + req.Domain + req.Path, "ban": b.String()})
}

func (s *Server) adminPurgeAll(w http.ResponseWriter, r *http.Request) {
	b := varnish.BanAll()
	if !s.ban(w, r, []varnish.BanExpr{b}) {
		return
	}
	httpx.OK(w, map[string]any{"message": "Purged every cached object", "ban": b.String()})
}

var restartable = map[string]bool{config.ServiceVarnish: true, config.ServiceHitch: true, config.ServiceHTTPD: true}

func (s *Server) adminRestart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")
	desc, ok := s.Config.Service(name)
	if !ok || !restartable[name] {
		httpx.ErrorDetails(w, http.StatusBadRequest, "service.unknown", "unknown service", map[string]any{"service": name})
		return
	}
	if err := s.Services.Restart(r.Context(), desc.Unit); err != nil {
		s.Log.Error().Err(err).Str("unit", desc.Unit).Msg("restart failed")
		httpx.Error(w, http.StatusBadGateway, "service.restart_failed", err.Error())
		return
	}
	s.Log.Info().Str("unit", desc.Unit).Msg("restarted from panel")
	httpx.OK(w, map[string]any{"message": "Restarted " + name, "service": name})
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	httpx.OK(w, map[string]any{"settings": s.currentSettings()})
}

func (s *Server) postConfig(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	next, err := parseSettings(s.currentSettings(), body)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "config.invalid", err.Error())
		return
	}
	res, err := s.applySettings(r.Context(), next)
	switch {
	case errors.Is(err, ErrInvalidSettings):
		httpx.ErrorDetails(w, http.StatusUnprocessableEntity, "config.rejected", err.Error(), map[string]any{"backupDir": res.BackupDir})
		return
	case err != nil:
		s.Log.Error().Err(err).Msg("apply settings")
		httpx.ErrorDetails(w, http.StatusInternalServerError, "config.apply_failed", err.Error(), map[string]any{"backupDir": res.BackupDir})
		return
	}
	httpx.OK(w, map[string]any{"message": "Settings saved", "settings": next, "result": res})
}
