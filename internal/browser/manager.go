// Package browser manages the single persistent headless browser instance
// used to defeat the WAF by fetching fresh challenge-response cookies.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/WYQ425/anyrouter-pool-go/internal/metrics"
	"github.com/WYQ425/anyrouter-pool-go/internal/security"
	"github.com/WYQ425/anyrouter-pool-go/internal/types"
	"github.com/WYQ425/anyrouter-pool-go/pkg/version"
)

// Manager is a singleton, serialized-lifecycle wrapper around a rod.Browser.
// Only one instance runs at a time; Start/Stop/Restart are mutually
// exclusive so the browser is never torn down while another goroutine is
// mid-launch.
type Manager struct {
	mu sync.Mutex

	browser   *rod.Browser
	launcher  *launcher.Launcher
	started   bool
	startTime time.Time

	restartCount atomic.Int64
	errorCount   atomic.Int64

	proxyURL    string
	headless    bool
	browserPath string
	restartAfter time.Duration

	closed atomic.Bool
}

// Config bundles the launch-time settings the manager needs. It is a
// narrow subset of config.Config so this package doesn't import it
// directly (keeps the dependency direction config -> browser, not the
// reverse).
type Config struct {
	ProxyURL      string
	Headless      bool
	BrowserPath   string
	RestartAfter  time.Duration
}

// NewManager constructs a Manager. The browser is not launched until the
// first Start/EnsureRunning call.
func NewManager(cfg Config) *Manager {
	return &Manager{
		proxyURL:     cfg.ProxyURL,
		headless:     cfg.Headless,
		browserPath:  cfg.BrowserPath,
		restartAfter: cfg.RestartAfter,
	}
}

// IsRunning reports whether a browser process is attached. This is a cheap
// pointer check, not a liveness probe — use IsHealthy for the latter.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunningLocked()
}

func (m *Manager) isRunningLocked() bool {
	return m.browser != nil
}

// IsHealthy performs an actual liveness probe by creating and navigating a
// throwaway page, the same check the teacher's browser pool uses before
// handing a browser out.
func (m *Manager) IsHealthy(ctx context.Context) bool {
	m.mu.Lock()
	b := m.browser
	m.mu.Unlock()
	if b == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return false
	}
	defer page.Close()

	return page.Context(probeCtx).Navigate("about:blank") == nil
}

// Stats returns the observable BrowserState, matching the shape of the
// original BrowserManager's stats property.
func (m *Manager) Stats() types.BrowserState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := types.BrowserState{
		Running:      m.isRunningLocked(),
		Started:      m.started,
		RestartCount: m.restartCount.Load(),
		ErrorCount:   m.errorCount.Load(),
	}
	if !m.startTime.IsZero() {
		state.StartTime = m.startTime
		state.UptimeSeconds = time.Since(m.startTime).Seconds()
	}
	return state
}

// ShouldRestart reports whether the browser has been up longer than the
// configured restart interval, mirroring should_restart() in the Python
// original.
func (m *Manager) ShouldRestart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startTime.IsZero() || m.restartAfter <= 0 {
		return false
	}
	return time.Since(m.startTime) >= m.restartAfter
}

// Start launches the browser if it is not already running. Safe to call
// concurrently; only one launch happens.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx)
}

func (m *Manager) startLocked(ctx context.Context) error {
	if m.closed.Load() {
		return types.ErrBrowserClosed
	}
	if m.isRunningLocked() {
		log.Debug().Msg("browser already running")
		return nil
	}

	m.cleanupLocked()

	l := m.newLauncher()
	controlURL, err := l.Launch()
	if err != nil {
		m.errorCount.Add(1)
		return fmt.Errorf("%w: %w", types.ErrBrowserStartFailed, err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		m.errorCount.Add(1)
		l.Cleanup()
		return fmt.Errorf("%w: %w", types.ErrBrowserStartFailed, err)
	}

	m.launcher = l
	m.browser = b
	m.started = true
	m.startTime = time.Now()

	metrics.BrowserRunning.Set(1)
	log.Info().Str("proxy", redactProxy(m.proxyURL)).Msg("browser started")
	return nil
}

// newLauncher builds the Chrome launcher with the anti-detection flag set
// this proxy relies on to keep the persistent browser stable and
// undetectable inside a container.
func (m *Manager) newLauncher() *launcher.Launcher {
	l := launcher.New().
		Headless(m.headless).
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("disable-software-rasterizer").
		Set("disable-extensions").
		Set("disable-background-networking").
		Set("disable-sync").
		Set("no-first-run").
		Set("disable-blink-features", "AutomationControlled")

	if !isARM() {
		l = l.Set("no-zygote")
	}

	if m.browserPath != "" {
		l = l.Bin(m.browserPath)
	}
	if m.proxyURL != "" {
		l = l.Set("proxy-server", m.proxyURL)
	}
	return l
}

func isARM() bool {
	return runtime.GOARCH == "arm64" || runtime.GOARCH == "arm"
}

// Stop shuts the browser down, releasing all resources.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	log.Info().Msg("browser stopped")
}

func (m *Manager) cleanupLocked() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing browser")
		}
		m.browser = nil
		metrics.BrowserRunning.Set(0)
	}
	if m.launcher != nil {
		m.launcher.Cleanup()
		m.launcher = nil
	}
	m.started = false
}

// Restart tears the browser down and relaunches it, incrementing the
// restart counter. Used both for periodic recycling (ShouldRestart) and
// operator-triggered recovery (POST /restart-browser).
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.Info().Msg("restarting browser")
	m.cleanupLocked()
	m.restartCount.Add(1)
	metrics.RecordBrowserRestart()

	if err := m.startLocked(ctx); err != nil {
		return err
	}
	log.Info().Int64("restart_count", m.restartCount.Load()).Msg("browser restarted")
	return nil
}

// EnsureRunning starts the browser if it isn't already running.
func (m *Manager) EnsureRunning(ctx context.Context) error {
	if m.IsRunning() {
		return nil
	}
	log.Warn().Msg("browser not running, attempting to start")
	return m.Start(ctx)
}

// FetchCookies opens an isolated page, navigates to url, waits settle for
// the WAF's JavaScript challenge to finish running, and returns whatever
// cookies the browser collected. The browser itself is left running
// regardless of outcome; only the caller's operation fails on error,
// mirroring get_page_cookies in the original Python.
func (m *Manager) FetchCookies(ctx context.Context, url string, settle time.Duration) (map[string]string, error) {
	if err := m.EnsureRunning(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	b := m.browser
	m.mu.Unlock()
	if b == nil {
		return nil, types.ErrBrowserNotRunning
	}

	page, err := stealth.Page(b)
	if err != nil {
		log.Warn().Err(err).Msg("stealth page creation failed, falling back to a plain page")
		page, err = b.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			m.errorCount.Add(1)
			return nil, fmt.Errorf("create page: %w", err)
		}
	}
	defer page.Close()

	// Layer the hand-rolled patches on top of the stealth library's page:
	// the WAF challenge script probes more properties than the library alone
	// spoofs, and a failure here is non-fatal to cookie collection.
	if err := ApplyStealthToPage(page); err != nil {
		log.Warn().Err(err).Msg("stealth script injection failed, continuing anyway")
	}
	if err := SetViewport(page, 1920, 1080); err != nil {
		log.Debug().Err(err).Msg("failed to set viewport")
	}
	if err := SetUserAgent(page, version.UserAgent); err != nil {
		log.Debug().Err(err).Msg("failed to override user agent")
	}

	// The challenge script only needs to run and set cookies, not render
	// anything visible, so dropping images/fonts/media shortens the wait.
	blockCleanup, err := BlockResources(ctx, page, true, false, true, true)
	if err != nil {
		log.Debug().Err(err).Msg("failed to enable resource blocking")
	} else {
		defer blockCleanup()
	}

	pageCtx := page.Context(ctx)
	if err := pageCtx.Navigate(url); err != nil {
		m.errorCount.Add(1)
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := pageCtx.WaitLoad(); err != nil {
		log.Debug().Err(err).Msg("page load wait returned early, continuing to settle")
	}

	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	cookies, err := GetCookies(pageCtx)
	if err != nil {
		m.errorCount.Add(1)
		return nil, fmt.Errorf("collect cookies: %w", err)
	}

	result := make(map[string]string, len(cookies))
	for _, c := range cookies {
		result[c.Name] = c.Value
	}
	if len(result) == 0 {
		return nil, types.ErrWAFCookiesEmpty
	}
	return result, nil
}

// Close permanently shuts the manager down. No further Start/Restart calls
// will succeed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed.Store(true)
	m.cleanupLocked()
}

func redactProxy(proxyURL string) string {
	return security.RedactProxyURL(proxyURL)
}
