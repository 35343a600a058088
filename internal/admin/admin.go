// Package admin exposes the health and operator-control HTTP surface: a
// synchronous snapshot of every component's state, plus mutation endpoints
// for forcing recovery actions by hand.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/WYQ425/anyrouter-pool-go/internal/apikeyvalidation"
	"github.com/WYQ425/anyrouter-pool-go/internal/siterouter"
	"github.com/WYQ425/anyrouter-pool-go/internal/types"
	"github.com/WYQ425/anyrouter-pool-go/internal/wafcache"
)

// BrowserManager is the subset of browser.Manager the admin surface needs.
type BrowserManager interface {
	Stats() types.BrowserState
	Restart(ctx context.Context) error
}

// AccountPool is the subset of accounts.Pool the admin surface needs.
type AccountPool interface {
	Summary() types.AccountsSummary
	Load() error
}

// SiteRouter is the subset of siterouter.Router the admin surface needs.
type SiteRouter interface {
	State() types.SiteRouterState
	ForceSwitchToPrimary() string
	CurrentIndex() int
	RecordProbe(healthy bool, result string)
}

// WAFCache is the subset of wafcache.Cache the admin surface needs.
type WAFCache interface {
	Get(ctx context.Context, url string) (map[string]string, error)
	ForceRefresh(ctx context.Context, url string) (map[string]string, error)
	StatsFor(url string) wafcache.Stats
}

// Server wires the health/control endpoints over the shared components. It
// does not own an HTTP server itself — Routes registers handlers on any
// *http.ServeMux.
type Server struct {
	browser  BrowserManager
	accounts AccountPool
	sites    SiteRouter
	waf      WAFCache
	keys     *apikeyvalidation.Validator
	primary  types.Site
	proxyURL string
	limiter  *rate.Limiter
}

// Config bundles the admin server's collaborators.
type Config struct {
	Browser  BrowserManager
	Accounts AccountPool
	Sites    SiteRouter
	WAF      WAFCache
	Keys     *apikeyvalidation.Validator
	Primary  types.Site
	ProxyURL string

	// RateLimitRPS bounds how often an operator can hit the origin- or
	// browser-affecting mutation endpoints (refresh-waf, restart-browser,
	// switch-to-primary, force-switch-to-primary). Zero disables limiting.
	RateLimitRPS float64
}

// New constructs a Server.
func New(cfg Config) *Server {
	s := &Server{
		browser:  cfg.Browser,
		accounts: cfg.Accounts,
		sites:    cfg.Sites,
		waf:      cfg.WAF,
		keys:     cfg.Keys,
		primary:  cfg.Primary,
		proxyURL: cfg.ProxyURL,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}
	return s
}

// rateLimited wraps a mutation handler with the shared token-bucket limiter,
// rejecting a burst of operator calls that would otherwise hammer the
// browser or origin (a refresh storm from a fat-fingered retry loop).
func (s *Server) rateLimited(h http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.writeResponse(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
			return
		}
		h(w, r)
	}
}

// Routes registers every admin endpoint on mux. wrap lets the caller apply
// shared middleware (admin-token auth, a stricter rate limiter) to mutation
// endpoints; /health is always served unauthenticated for load balancers.
func (s *Server) Routes(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /reload", wrap(s.handleReload))
	mux.HandleFunc("POST /refresh-waf", wrap(s.rateLimited(s.handleRefreshWAF)))
	mux.HandleFunc("POST /restart-browser", wrap(s.rateLimited(s.handleRestartBrowser)))
	mux.HandleFunc("POST /switch-to-primary", wrap(s.rateLimited(s.handleSwitchToPrimary)))
	mux.HandleFunc("POST /force-switch-to-primary", wrap(s.rateLimited(s.handleForceSwitchPrimary)))
	mux.HandleFunc("POST /clear-api-key-cache", wrap(s.handleClearAPIKeyCache))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := types.HealthReport{
		Status:    "ok",
		Browser:   s.browser.Stats(),
		Site:      s.sites.State(),
		Accounts:  s.accounts.Summary(),
		Timestamp: time.Now(),
	}
	if s.waf != nil {
		report.WAFCacheAge = s.waf.StatsFor(s.primary.URL).AgeSeconds
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.Error().Err(err).Msg("failed to encode health report")
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.Load(); err != nil {
		s.writeResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeResponse(w, http.StatusOK, "accounts reloaded")
}

func (s *Server) handleRefreshWAF(w http.ResponseWriter, r *http.Request) {
	if _, err := s.waf.ForceRefresh(r.Context(), s.primary.URL); err != nil {
		s.writeResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeResponse(w, http.StatusOK, "WAF cookies refreshed")
}

func (s *Server) handleRestartBrowser(w http.ResponseWriter, r *http.Request) {
	if err := s.browser.Restart(r.Context()); err != nil {
		s.writeResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeResponse(w, http.StatusOK, "browser restarted")
}

func (s *Server) handleSwitchToPrimary(w http.ResponseWriter, r *http.Request) {
	if s.sites.CurrentIndex() == 0 {
		s.writeResponse(w, http.StatusOK, "already using primary site")
		return
	}
	healthy, result := siterouter.ProbePrimary(r.Context(), s.primary, s.waf, s.proxyURL)
	s.sites.RecordProbe(healthy, result)
	if !healthy {
		s.writeResponse(w, http.StatusBadGateway, "primary site health check failed: "+result)
		return
	}
	s.writeResponse(w, http.StatusOK, "switched to primary site")
}

func (s *Server) handleForceSwitchPrimary(w http.ResponseWriter, r *http.Request) {
	from := s.sites.ForceSwitchToPrimary()
	s.writeResponse(w, http.StatusOK, "force switched to primary (from "+from+"), health was not verified")
}

func (s *Server) handleClearAPIKeyCache(w http.ResponseWriter, r *http.Request) {
	if s.keys != nil {
		s.keys.Clear()
	}
	s.writeResponse(w, http.StatusOK, "API key validation cache cleared")
}

func (s *Server) writeResponse(w http.ResponseWriter, status int, message string) {
	resp := types.AdminResponse{
		Status:    statusWord(status),
		Message:   message,
		Timestamp: time.Now(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func statusWord(code int) string {
	if code >= 200 && code < 300 {
		return "ok"
	}
	return "error"
}
