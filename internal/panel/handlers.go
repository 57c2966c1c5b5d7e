package panel

import (
	"embed"
	"encoding/json"
	"html/template"
	"io"
	"net/http"
	"strings"

	"github.com/turnuphosting/latest-varnish/internal/varnish"
	"github.com/turnuphosting/latest-varnish/pkg/httpx"
)

const maxBody = 64 << 10

//go:embed templates/*
var assets embed.FS

var dashboard = template.Must(template.ParseFS(assets, "templates/dashboard.html.tmpl"))

type dashboardData struct {
	Title   string
	Scope   string
	User    string
	Domains []string
}

func (s *Server) renderDashboard(w http.ResponseWriter, d dashboardData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := dashboard.Execute(w, d); err != nil {
		s.Log.Error().Err(err).Msg("render dashboard")
	}
}

func serveAsset(name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := assets.ReadFile("templates/" + name)
		if err != nil {
			httpx.Error(w, http.StatusNotFound, "", "asset not found")
			return
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(b)
	}
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	tok, err := s.CSRF.Issue(w, r, identityFrom(r.Context()).User)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "", "could not issue token")
		return
	}
	httpx.OK(w, map[string]any{"token": tok, "expiresIn": int(s.CSRF.TTL.Seconds())})
}

// decodeBody reads a JSON object of at most maxBody bytes. It writes the
// 400 itself and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	b, ok := readBody(w, r)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		b = []byte("{}")
	}
	if err := json.Unmarshal(b, v); err != nil {
		httpx.Error(w, http.StatusBadRequest, "request.invalid", "body must be a JSON object")
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request.too_large", "request body too large")
		return nil, false
	}
	return b, true
}

func (s *Server) ban(w http.ResponseWriter, r *http.Request, exprs []varnish.BanExpr) bool {
	adm := s.admin()
	for _, b := range exprs {
		if err := adm.Ban(r.Context(), b); err != nil {
			s.Log.Error().Err(err).Str("ban", b.String()).Msg("purge failed")
			httpx.Error(w, http.StatusBadGateway, "purge.failed", err.Error())
			return false
		}
		s.Log.Info().Str("ban", b.String()).Str("user", identityFrom(r.Context()).User).Msg("purged")
	}
	return true
}

func (s *Server) recent(w http.ResponseWriter, r *http.Request) ([]varnish.Request, bool) {
	reqs, err := varnish.Log{Runner: s.Runner}.Recent(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusBadGateway, "log.unavailable", err.Error())
		return nil, false
	}
	return reqs, true
}
