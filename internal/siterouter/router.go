// Package siterouter tracks the ordered list of candidate origins, the
// sticky current index, and the threshold-based failover between the
// primary origin and its mirrors.
package siterouter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/WYQ425/anyrouter-pool-go/internal/metrics"
	"github.com/WYQ425/anyrouter-pool-go/internal/security"
	"github.com/WYQ425/anyrouter-pool-go/internal/types"
	"github.com/WYQ425/anyrouter-pool-go/pkg/version"
)

// Router is the sticky-current-index state machine over a static, ordered
// site list. Index 0 is always the primary.
type Router struct {
	mu           sync.RWMutex
	sites        []types.Site
	currentIndex int
	failCount    int
	maxFails     int

	probeStatus ProbeStatus
}

// ProbeStatus records the outcome of the last primary health probe, exposed
// through the admin health endpoint.
type ProbeStatus struct {
	LastCheck     time.Time
	LastResult    string
	LastRecovery  time.Time
	CheckCount    int64
	RecoveryCount int64
}

// LoadSites reads the ordered site list from a YAML file.
func LoadSites(path string) ([]types.Site, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sites []types.Site
	if err := yaml.Unmarshal(raw, &sites); err != nil {
		return nil, err
	}
	if len(sites) == 0 {
		return nil, types.ErrNoSitesConfigured
	}
	return sites, nil
}

// ValidateSiteURLs rejects any configured site whose URL resolves to a
// private, loopback, or cloud-metadata address — config/sites.yaml is
// operator-edited, but a mistyped or compromised entry should not turn the
// failover list into an SSRF vector against the host's own network.
func ValidateSiteURLs(sites []types.Site) error {
	for _, s := range sites {
		if err := security.ValidateURL(s.URL); err != nil {
			return fmt.Errorf("site %q (%s): %w", s.Name, s.URL, err)
		}
	}
	return nil
}

// New constructs a Router over sites, with index 0 as the starting primary.
func New(sites []types.Site, maxFails int) (*Router, error) {
	if len(sites) == 0 {
		return nil, types.ErrNoSitesConfigured
	}
	return &Router{sites: sites, maxFails: maxFails}, nil
}

// Current returns the site at the current sticky index.
func (r *Router) Current() types.Site {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sites[r.currentIndex]
}

// CurrentIndex returns the sticky index.
func (r *Router) CurrentIndex() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentIndex
}

// Len returns the number of configured sites.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sites)
}

// SiteAt returns the site at the given offset from the current index,
// wrapping modulo the site count. Used by the Proxy Handler to iterate all
// sites in order-of-offset starting from the sticky current index.
func (r *Router) SiteAt(offset int) (types.Site, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := (r.currentIndex + offset) % len(r.sites)
	return r.sites[idx], idx
}

// RecordFailure increments the consecutive-fail counter, rotating to the
// next site modulo N and resetting the counter once it reaches maxFails.
func (r *Router) RecordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCount++
	if r.failCount >= r.maxFails {
		old := r.sites[r.currentIndex]
		r.currentIndex = (r.currentIndex + 1) % len(r.sites)
		r.failCount = 0
		metrics.RecordSiteRotation(r.currentIndex)
		log.Warn().
			Str("from", old.Name).
			Str("to", r.sites[r.currentIndex].Name).
			Msg("site rotated after repeated failures")
	}
}

// RecordSuccess zeros the fail counter. If index differs from the current
// sticky index it becomes the new current index ("sticky to last winner").
func (r *Router) RecordSuccess(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCount = 0
	if index != r.currentIndex {
		log.Info().
			Str("to", r.sites[index].Name).
			Msg("switched current site to last winner")
		r.currentIndex = index
	}
}

// State returns a snapshot of the router's observable state for the admin
// health endpoint.
func (r *Router) State() types.SiteRouterState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return types.SiteRouterState{
		CurrentSite:  r.sites[r.currentIndex].Name,
		CurrentIndex: r.currentIndex,
		FailCount:    r.failCount,
		TotalSites:   len(r.sites),
		OnPrimary:    r.currentIndex == 0,
	}
}

// ProbeState returns a snapshot of the last primary-probe result.
func (r *Router) ProbeState() ProbeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.probeStatus
}

// CookieSource supplies WAF cookies for the primary probe without forcing a
// refresh, matching probe_primary()'s "reuse cached cookies" contract.
type CookieSource interface {
	Get(ctx context.Context, url string) (map[string]string, error)
}

const (
	probeConnectTimeout = 5 * time.Second
	probeReadTimeout    = 10 * time.Second
)

// ProbePrimary issues a lightweight HEAD against the primary's /v1/models
// endpoint using cached (not force-refreshed) WAF cookies, classifying the
// response as healthy/unhealthy. It does not mutate router state; callers
// decide what to do with the result. The 5 s connect / 10 s read budget is
// enforced by a dialer timeout plus a client timeout covering both legs.
func ProbePrimary(ctx context.Context, primary types.Site, cookies CookieSource, proxyURL string) (healthy bool, result string) {
	probeCtx, cancel := context.WithTimeout(ctx, probeConnectTimeout+probeReadTimeout)
	defer cancel()

	var jar map[string]string
	if primary.NeedWAF && cookies != nil {
		jar, _ = cookies.Get(probeCtx, primary.URL)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: probeConnectTimeout}).DialContext,
	}
	if primary.UseProxy && proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	client := &http.Client{Transport: transport, Timeout: probeConnectTimeout + probeReadTimeout}

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, strings.TrimRight(primary.URL, "/")+"/v1/models", nil)
	if err != nil {
		return false, fmt.Sprintf("error: %v", err)
	}
	req.Header.Set("User-Agent", version.UserAgent)
	for name, value := range jar {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("error: %v", err)
	}
	defer resp.Body.Close()

	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return false, "waf_challenge"
	}
	if resp.StatusCode >= 500 {
		return false, fmt.Sprintf("error_%d", resp.StatusCode)
	}
	return true, "healthy"
}

// RecordProbe updates probe stats and, when healthy and not already primary,
// switches to the primary (index 0), resetting the fail counter.
func (r *Router) RecordProbe(healthy bool, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probeStatus.LastCheck = time.Now()
	r.probeStatus.LastResult = result
	r.probeStatus.CheckCount++

	if healthy && r.currentIndex != 0 {
		r.currentIndex = 0
		r.failCount = 0
		r.probeStatus.LastRecovery = time.Now()
		r.probeStatus.RecoveryCount++
		metrics.RecordSiteRotation(0)
		log.Info().Msg("primary site recovered, switching back")
	}
}

// PrimaryProber adapts a Router into a scheduler.PrimaryProbe: it only
// probes when the router isn't already on the primary, matching
// "if current_index == 0, skip the check".
type PrimaryProber struct {
	Router   *Router
	Cookies  CookieSource
	ProxyURL string
}

// ProbeAndRecord implements scheduler.PrimaryProbe.
func (p *PrimaryProber) ProbeAndRecord(ctx context.Context) {
	if p.Router.CurrentIndex() == 0 {
		return
	}
	primary, _ := p.Router.SiteAt(-p.Router.CurrentIndex())
	healthy, result := ProbePrimary(ctx, primary, p.Cookies, p.ProxyURL)
	p.Router.RecordProbe(healthy, result)
}

// ForceSwitchToPrimary switches to index 0 without probing, matching the
// unverified force-switch admin operation.
func (r *Router) ForceSwitchToPrimary() (from string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	from = r.sites[r.currentIndex].Name
	if r.currentIndex != 0 {
		r.currentIndex = 0
		r.failCount = 0
		r.probeStatus.LastRecovery = time.Now()
		r.probeStatus.RecoveryCount++
	}
	return from
}
