package panel

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/turnuphosting/latest-varnish/internal/host"
	"github.com/turnuphosting/latest-varnish/internal/varnish"
	"github.com/turnuphosting/latest-varnish/pkg/httpx"
)

const (
	defaultTopURLs = 10
	maxTopURLs     = 100
	realtimeWindow = 5 * time.Minute
)

func (s *Server) userRoutes(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		owners, ok := s.owners(w)
		if !ok {
			return
		}
		user := identityFrom(r.Context()).User
		s.renderDashboard(w, dashboardData{Title: "Varnish Cache", Scope: "cpanel", User: user, Domains: owners.DomainsOf(user)})
	})
	r.Get("/app.js", serveAsset("app.js", "text/javascript; charset=utf-8"))
	r.Get("/app.css", serveAsset("app.css", "text/css; charset=utf-8"))
	r.Get("/token", s.token)
	r.Post("/purge", s.userPurge)
	r.Get("/domain-stats", s.domainStats)
	r.Get("/url-stats", s.urlStats)
	r.Get("/realtime", s.realtime)
	r.Get("/top-urls", s.topURLs)
}

func (s *Server) owners(w http.ResponseWriter) (*host.DomainOwners, bool) {
	o, err := s.Owners()
	if err != nil {
		s.Log.Error().Err(err).Msg("load domain owners")
		httpx.Error(w, http.StatusInternalServerError, "domains.unavailable", "could not read the domain list")
		return nil, false
	}
	return o, true
}

// owns reports whether the caller may act on domain. A leading "www." is
// accepted for any domain the account owns.
func owns(o *host.DomainOwners, id Identity, domain string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if id.Root() {
		return true
	}
	return o.Owns(id.User, domain) || o.Owns(id.User, strings.TrimPrefix(domain, "www."))
}

func forbidDomain(w http.ResponseWriter, domain string) {
	httpx.ErrorDetails(w, http.StatusForbidden, "domain.forbidden", "domain is not on this account", map[string]any{"domain": domain})
}

// splitURL accepts "https://host/path", "host/path" or "host".
func splitURL(raw string) (string, string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", "", false
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	return strings.ToLower(u.Hostname()), p, true
}

type userPurgeRequest struct {
	URL     string `json:"url"`
	Domain  string `json:"domain"`
	Pattern string `json:"pattern"`
}

func (s *Server) userPurge(w http.ResponseWriter, r *http.Request) {
	var req userPurgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	o, ok := s.owners(w)
	if !ok {
		return
	}
	id := identityFrom(r.Context())

	var exprs []varnish.BanExpr
	switch {
	case req.URL != "":
		dom, path, ok := splitURL(req.URL)
		if !ok {
			httpx.Error(w, http.StatusBadRequest, "purge.invalid", "url must name a host")
			return
		}
		if !owns(o, id, dom) {
			forbidDomain(w, dom)
			return
		}
		b, err := varnish.BanURL(dom, path)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "purge.invalid", err.Error())
			return
		}
		exprs = append(exprs, b)
	case req.Pattern != "":
		domains := o.DomainsOf(id.User)
		if req.Domain != "" {
			if !owns(o, id, req.Domain) {
				forbidDomain(w, req.Domain)
				return
			}
			domains = []string{req.Domain}
		}
		if len(domains) == 0 {
			httpx.Error(w, http.StatusBadRequest, "purge.invalid", "account has no domains")
			return
		}
		for _, d := range domains {
			b, err := varnish.BanPattern(d, req.Pattern)
			if err != nil {
				httpx.Error(w, http.StatusBadRequest, "purge.invalid", err.Error())
				return
			}
			exprs = append(exprs, b)
		}
	case req.Domain != "":
		if !owns(o, id, req.Domain) {
			forbidDomain(w, req.Domain)
			return
		}
		b, err := varnish.BanHost(req.Domain)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "purge.invalid", err.Error())
			return
		}
		exprs = append(exprs, b)
	default:
		httpx.Error(w, http.StatusBadRequest, "purge.invalid", "one of url, domain or pattern is required")
		return
	}
	if !s.ban(w, r, exprs) {
		return
	}
	httpx.OK(w, map[string]any{"message": "Purge queued", "bans": len(exprs)})
}

func (s *Server) domainStats(w http.ResponseWriter, r *http.Request) {
	dom := strings.ToLower(r.URL.Query().Get("domain"))
	o, ok := s.owners(w)
	if !ok {
		return
	}
	if dom == "" || !owns(o, identityFrom(r.Context()), dom) {
		forbidDomain(w, dom)
		return
	}
	reqs, ok := s.recent(w, r)
	if !ok {
		return
	}
	keep := varnish.ForHosts(dom)
	httpx.OK(w, map[string]any{
		"domain":  dom,
		"summary": varnish.Summarize(reqs, keep),
		"topUrls": varnish.TopURLs(reqs, keep, defaultTopURLs),
	})
}

func (s *Server) urlStats(w http.ResponseWriter, r *http.Request) {
	dom, path, ok := splitURL(r.URL.Query().Get("url"))
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "request.invalid", "url must name a host")
		return
	}
	o, ok := s.owners(w)
	if !ok {
		return
	}
	if !owns(o, identityFrom(r.Context()), dom) {
		forbidDomain(w, dom)
		return
	}
	reqs, ok := s.recent(w, r)
	if !ok {
		return
	}
	httpx.OK(w, map[string]any{
		"url":     dom + path,
		"summary": varnish.Summarize(reqs, varnish.ForURL(dom, path)),
	})
}

// realtime covers the last five minutes in 30 second buckets.
func (s *Server) realtime(w http.ResponseWriter, r *http.Request) {
	o, ok := s.owners(w)
	if !ok {
		return
	}
	reqs, ok := s.recent(w, r)
	if !ok {
		return
	}
	step := 30 * time.Second
	start := s.now().Add(-realtimeWindow).Truncate(step).Add(step)
	keep := varnish.All(varnish.Since(start), s.scope(o, identityFrom(r.Context())))
	httpx.OK(w, map[string]any{
		"since":    start,
		"summary":  varnish.Summarize(reqs, keep),
		"timeline": varnish.Timeline(reqs, keep, start, step, int(realtimeWindow/step)),
	})
}

func (s *Server) topURLs(w http.ResponseWriter, r *http.Request) {
	limit := defaultTopURLs
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httpx.Error(w, http.StatusBadRequest, "request.invalid", "limit must be a positive integer")
			return
		}
		limit = min(n, maxTopURLs)
	}
	o, ok := s.owners(w)
	if !ok {
		return
	}
	reqs, ok := s.recent(w, r)
	if !ok {
		return
	}
	httpx.OK(w, map[string]any{"urls": varnish.TopURLs(reqs, s.scope(o, identityFrom(r.Context())), limit)})
}

// scope limits log entries to the caller's domains; root sees everything.
func (s *Server) scope(o *host.DomainOwners, id Identity) varnish.Filter {
	if id.Root() {
		return nil
	}
	return varnish.ForHosts(o.DomainsOf(id.User)...)
}
