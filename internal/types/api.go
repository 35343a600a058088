package types

import "time"

// Account is one credential slot multiplexed onto the origin. Fields mirror
// the account snapshot's on-disk JSON shape so the file can be edited by the
// external account-management collaborator without a schema migration.
type Account struct {
	Name          string            `json:"name"`
	APIUser       string            `json:"api_user"`
	APIKey        string            `json:"api_key"`
	SessionCookie string            `json:"session_cookie,omitempty"`
	Cookies       map[string]string `json:"cookies,omitempty"`
	Provider      string            `json:"provider,omitempty"`
	Enabled       bool              `json:"enabled"`
}

// AccountHealth tracks the circuit-breaker state for one account. It is
// never persisted: it is rebuilt in memory every time the account snapshot
// loads.
type AccountHealth struct {
	FailCount      int
	DisabledUntil  time.Time
	LastUsed       time.Time
	LastError      string
	TotalRequests  int64
	TotalFailures  int64
}

// Disabled reports whether the account is currently circuit-broken.
func (h *AccountHealth) Disabled(now time.Time) bool {
	return !h.DisabledUntil.IsZero() && now.Before(h.DisabledUntil)
}

// Site is one candidate origin the proxy can route a request to: either the
// primary (WAF-fronted, needs fresh cookies and usually a proxy) or a
// mirror (typically WAF-free, reached directly).
type Site struct {
	Name      string `yaml:"name" json:"name"`
	URL       string `yaml:"url" json:"url"`
	UseProxy  bool   `yaml:"use_proxy" json:"use_proxy"`
	NeedWAF   bool   `yaml:"need_waf" json:"need_waf"`
	IsPrimary bool   `yaml:"is_primary" json:"is_primary"`
}

// SiteRouterState is the observable state of the site router, returned by
// the admin health endpoint.
type SiteRouterState struct {
	CurrentSite   string `json:"current_site"`
	CurrentIndex  int    `json:"current_index"`
	FailCount     int    `json:"fail_count"`
	TotalSites    int    `json:"total_sites"`
	OnPrimary     bool   `json:"on_primary"`
}

// BrowserState mirrors the browser manager's observable status, shaped to
// match the stats block the original Python BrowserManager exposed.
type BrowserState struct {
	Running       bool      `json:"running"`
	Started       bool      `json:"started"`
	StartTime     time.Time `json:"start_time,omitempty"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	RestartCount  int64     `json:"restart_count"`
	ErrorCount    int64     `json:"error_count"`
}

// HealthReport is the payload served by GET /health.
type HealthReport struct {
	Status      string          `json:"status"`
	Browser     BrowserState    `json:"browser"`
	Site        SiteRouterState `json:"site"`
	Accounts    AccountsSummary `json:"accounts"`
	WAFCacheAge float64         `json:"waf_cache_age_seconds"`
	Timestamp   time.Time       `json:"timestamp"`
}

// AccountsSummary is the aggregated account pool view exposed in /health.
type AccountsSummary struct {
	Total    int `json:"total"`
	Enabled  int `json:"enabled"`
	Healthy  int `json:"healthy"`
	Disabled int `json:"disabled"`
}

// AdminResponse is a consistent envelope for admin mutation endpoints.
type AdminResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
