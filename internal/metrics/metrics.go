// Package metrics provides Prometheus metrics for monitoring the proxy.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ProxyRequestsTotal counts proxied requests by site and outcome.
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anyrouter_proxy_requests_total",
			Help: "Total number of proxied requests by site and outcome",
		},
		[]string{"site", "outcome"},
	)

	// ProxyRequestDuration tracks end-to-end request duration by site.
	ProxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anyrouter_proxy_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"site"},
	)

	// AccountFailuresTotal counts attributed account failures.
	AccountFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anyrouter_account_failures_total",
			Help: "Total account-attributable failures by account",
		},
		[]string{"account"},
	)

	// AccountsDisabled shows the current count of circuit-broken accounts.
	AccountsDisabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anyrouter_accounts_disabled",
			Help: "Number of accounts currently circuit-broken",
		},
	)

	// SiteRotationsTotal counts site-router failovers.
	SiteRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anyrouter_site_rotations_total",
			Help: "Total site-router rotations due to repeated failures",
		},
	)

	// SiteCurrentIndex shows the site router's current sticky index.
	SiteCurrentIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anyrouter_site_current_index",
			Help: "Current sticky site index (0 = primary)",
		},
	)

	// WAFRefreshesTotal counts WAF cookie refreshes by outcome.
	WAFRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anyrouter_waf_refreshes_total",
			Help: "Total WAF cookie refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	// WAFCookieAgeSeconds shows how long ago the cached cookies were fetched.
	WAFCookieAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anyrouter_waf_cookie_age_seconds",
			Help: "Age in seconds of the currently cached WAF cookies",
		},
	)

	// BrowserRestartsTotal counts browser manager restarts.
	BrowserRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anyrouter_browser_restarts_total",
			Help: "Total headless browser restarts",
		},
	)

	// BrowserRunning shows whether the persistent browser is currently up.
	BrowserRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anyrouter_browser_running",
			Help: "1 if the headless browser process is currently running",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anyrouter_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anyrouter_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anyrouter_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		ProxyRequestsTotal,
		ProxyRequestDuration,
		AccountFailuresTotal,
		AccountsDisabled,
		SiteRotationsTotal,
		SiteCurrentIndex,
		WAFRefreshesTotal,
		WAFCookieAgeSeconds,
		BrowserRestartsTotal,
		BrowserRunning,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory
// and goroutine metrics until stopCh is closed.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	MemoryUsageBytes.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordProxyRequest records a completed proxied request.
func RecordProxyRequest(site, outcome string, duration time.Duration) {
	ProxyRequestsTotal.WithLabelValues(site, outcome).Inc()
	ProxyRequestDuration.WithLabelValues(site).Observe(duration.Seconds())
}

// RecordAccountFailure records one attributed account failure.
func RecordAccountFailure(account string) {
	AccountFailuresTotal.WithLabelValues(account).Inc()
}

// RecordSiteRotation records one site-router failover.
func RecordSiteRotation(newIndex int) {
	SiteRotationsTotal.Inc()
	SiteCurrentIndex.Set(float64(newIndex))
}

// RecordWAFRefresh records one WAF cookie refresh attempt.
func RecordWAFRefresh(outcome string) {
	WAFRefreshesTotal.WithLabelValues(outcome).Inc()
}

// RecordBrowserRestart records one browser manager restart.
func RecordBrowserRestart() {
	BrowserRestartsTotal.Inc()
}
