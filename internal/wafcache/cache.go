// Package wafcache caches WAF challenge-response cookies per site so most
// requests never have to wait on a browser round trip. Entries are
// refreshed in the background before they expire and refreshed on demand,
// with concurrent refreshes for the same site collapsed into one browser
// call via singleflight.
package wafcache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/WYQ425/anyrouter-pool-go/internal/metrics"
	"github.com/WYQ425/anyrouter-pool-go/internal/proxyerr"
	"github.com/WYQ425/anyrouter-pool-go/internal/types"
)

// maxBrowserDisconnectRetries bounds how many times a refresh will restart
// the browser and retry after a disconnect is detected mid-fetch, before
// giving up and falling back to stale cookies (or failing the caller).
const maxBrowserDisconnectRetries = 2

// State is the pure function of an entry's (cookies present?, now, expire_at,
// refresh_in_flight) described by the data model: it never carries its own
// mutable fields, only classifies a snapshot.
type State int

const (
	StateEmpty State = iota
	StateValid
	StateExpiring
	StateExpired
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "VALID"
	case StateExpiring:
		return "EXPIRING"
	case StateExpired:
		return "EXPIRED"
	case StateRefreshing:
		return "REFRESHING"
	default:
		return "EMPTY"
	}
}

// Fetcher is the subset of the browser manager this cache depends on: a way
// to fetch fresh cookies, and a way to recycle the browser process when a
// fetch fails because the browser itself is gone. A narrow interface keeps
// this package testable without a real browser.
type Fetcher interface {
	FetchCookies(ctx context.Context, url string, settle time.Duration) (map[string]string, error)
	Restart(ctx context.Context) error
}

type siteEntry struct {
	mu         sync.RWMutex
	cookies    map[string]string
	fetchedAt  time.Time
	expiresAt  time.Time
	inFlight   bool
	lastError  error
	totalRefreshes int64
}

func (e *siteEntry) state(now time.Time, refreshBefore time.Duration) State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.inFlight {
		return StateRefreshing
	}
	if len(e.cookies) == 0 {
		return StateEmpty
	}
	if now.After(e.expiresAt) || now.Equal(e.expiresAt) {
		return StateExpired
	}
	if now.After(e.expiresAt.Add(-refreshBefore)) {
		return StateExpiring
	}
	return StateValid
}

func (e *siteEntry) snapshotCookies() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.cookies))
	for k, v := range e.cookies {
		out[k] = v
	}
	return out
}

// Cache holds one entry per site URL and coordinates refreshes against a
// single Browser Manager.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*siteEntry

	fetcher Fetcher
	group   singleflight.Group

	ttl           time.Duration
	settle        time.Duration
	refreshBefore time.Duration
	retryInterval time.Duration
	waiterTimeout time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config bundles the cache's tunables, mirroring WAF_COOKIE_TTL,
// WAF_COOKIE_REFRESH_BEFORE, WAF_COOKIE_RETRY_INTERVAL, and WAF_PAGE_WAIT_MS.
type Config struct {
	TTL           time.Duration
	Settle        time.Duration
	RefreshBefore time.Duration
	RetryInterval time.Duration
	WaiterTimeout time.Duration
}

// New constructs a Cache backed by fetcher.
func New(fetcher Fetcher, cfg Config) *Cache {
	return &Cache{
		entries:       make(map[string]*siteEntry),
		fetcher:       fetcher,
		ttl:           cfg.TTL,
		settle:        cfg.Settle,
		refreshBefore: cfg.RefreshBefore,
		retryInterval: cfg.RetryInterval,
		waiterTimeout: cfg.WaiterTimeout,
		stopCh:        make(chan struct{}),
	}
}

func (c *Cache) entryFor(url string) *siteEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[url]
	if !ok {
		e = &siteEntry{}
		c.entries[url] = e
	}
	return e
}

// Get returns the best cookies currently available for url, following the
// state-driven behavior: VALID returns immediately, EXPIRING returns stale
// cookies while kicking a background refresh, EMPTY/EXPIRED refresh
// synchronously (bounded by waiterTimeout, after which stale cookies are
// returned if any exist).
func (c *Cache) Get(ctx context.Context, url string) (map[string]string, error) {
	e := c.entryFor(url)
	switch e.state(time.Now(), c.refreshBefore) {
	case StateValid:
		return e.snapshotCookies(), nil
	case StateExpiring:
		c.triggerAsyncRefresh(url)
		return e.snapshotCookies(), nil
	default:
		return c.syncRefresh(ctx, url, e)
	}
}

// ForceRefresh discards freshness and performs a synchronous refresh,
// following the same single-flight path as Get. Two concurrent ForceRefresh
// calls against the same url collapse into one browser fetch.
func (c *Cache) ForceRefresh(ctx context.Context, url string) (map[string]string, error) {
	e := c.entryFor(url)
	return c.syncRefresh(ctx, url, e)
}

// syncRefresh waits up to waiterTimeout for the in-flight (or freshly
// started) refresh to complete. If it times out, or the refresh itself
// fails, stale cookies are returned when present rather than failing the
// caller outright.
func (c *Cache) syncRefresh(ctx context.Context, url string, e *siteEntry) (map[string]string, error) {
	done := make(chan struct{})
	var cookies map[string]string
	var refreshErr error

	go func() {
		defer close(done)
		cookies, refreshErr = c.doRefresh(ctx, url, e)
	}()

	timer := time.NewTimer(c.waiterTimeout)
	defer timer.Stop()

	select {
	case <-done:
		if refreshErr == nil {
			return cookies, nil
		}
		if stale := e.snapshotCookies(); len(stale) > 0 {
			log.Warn().Str("url", url).Err(refreshErr).Msg("WAF refresh failed, serving stale cookies")
			return stale, nil
		}
		return nil, refreshErr
	case <-timer.C:
		if stale := e.snapshotCookies(); len(stale) > 0 {
			log.Warn().Str("url", url).Msg("WAF refresh wait timed out, serving stale cookies")
			return stale, nil
		}
		return nil, types.ErrWAFRefreshFailed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) triggerAsyncRefresh(url string) {
	e := c.entryFor(url)
	e.mu.RLock()
	inFlight := e.inFlight
	e.mu.RUnlock()
	if inFlight {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.waiterTimeout)
		defer cancel()
		if _, err := c.doRefresh(ctx, url, e); err != nil {
			log.Warn().Str("url", url).Err(err).Msg("background WAF cookie refresh failed")
		}
	}()
}

// doRefresh is the single-flight-guarded refresh procedure. Concurrent
// callers for the same url share the result of one fetch; the refresh_in_
// flight flag is visible to State() for the whole duration. A fetch failure
// classified as a browser disconnect restarts the browser and retries, up to
// maxBrowserDisconnectRetries times, all still inside the single-flight
// section so parked callers keep waiting on one outcome rather than each
// independently timing out.
func (c *Cache) doRefresh(ctx context.Context, url string, e *siteEntry) (map[string]string, error) {
	v, err, _ := c.group.Do(url, func() (interface{}, error) {
		e.mu.Lock()
		e.inFlight = true
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			e.inFlight = false
			e.mu.Unlock()
		}()

		var cookies map[string]string
		var ferr error
		for attempt := 0; ; attempt++ {
			cookies, ferr = c.fetcher.FetchCookies(ctx, url, c.settle)
			if ferr == nil {
				break
			}
			if attempt >= maxBrowserDisconnectRetries || !proxyerr.IsBrowserDisconnect(ferr.Error()) {
				break
			}
			log.Warn().Str("url", url).Err(ferr).Int("attempt", attempt+1).
				Msg("browser disconnect detected during WAF refresh, restarting and retrying")
			if rerr := c.fetcher.Restart(ctx); rerr != nil {
				log.Error().Str("url", url).Err(rerr).Msg("browser restart during WAF refresh failed")
				ferr = rerr
				break
			}
		}
		if ferr != nil {
			e.mu.Lock()
			e.lastError = ferr
			e.mu.Unlock()
			metrics.RecordWAFRefresh("error")
			return nil, ferr
		}

		now := time.Now()
		e.mu.Lock()
		e.cookies = cookies
		e.fetchedAt = now
		e.expiresAt = now.Add(c.ttl)
		e.lastError = nil
		e.totalRefreshes++
		e.mu.Unlock()

		metrics.RecordWAFRefresh("ok")
		log.Info().Str("url", url).Int("cookies", len(cookies)).Msg("WAF cookies refreshed")
		return cookies, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

// Age returns how long ago the cached entry for url was fetched, or -1 if
// there is no entry yet.
func (c *Cache) Age(url string) time.Duration {
	e := c.entryFor(url)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.fetchedAt.IsZero() {
		return -1
	}
	return time.Since(e.fetchedAt)
}

// Stats reports the observable state of the cache entry for url, used by the
// admin health endpoint.
type Stats struct {
	State          string
	TotalRefreshes int64
	LastError      string
	AgeSeconds     float64
}

func (c *Cache) StatsFor(url string) Stats {
	e := c.entryFor(url)
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Stats{
		State:          e.state(time.Now(), c.refreshBefore).String(),
		TotalRefreshes: e.totalRefreshes,
	}
	if e.lastError != nil {
		st.LastError = e.lastError.Error()
	}
	if !e.fetchedAt.IsZero() {
		st.AgeSeconds = time.Since(e.fetchedAt).Seconds()
	}
	return st
}

// StartBackgroundRefresh launches a goroutine that periodically checks every
// tracked site and refreshes entries that are EXPIRING or worse, so the
// request path rarely blocks on a browser round trip. urls is the fixed set
// of WAF-gated sites to keep warm. beforeTick, when non-nil, runs at the start
// of every tick before any refresh; the caller uses it to recycle an aged-out
// browser, mirroring the pre-refresh tick's should_restart check.
func (c *Cache) StartBackgroundRefresh(ctx context.Context, urls []string, tickInterval time.Duration, beforeTick func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if beforeTick != nil {
					beforeTick()
				}
				c.refreshDueEntries(ctx, urls)
			}
		}
	}()
}

func (c *Cache) refreshDueEntries(ctx context.Context, urls []string) {
	now := time.Now()
	for _, url := range urls {
		e := c.entryFor(url)
		state := e.state(now, c.refreshBefore)
		if state == StateValid || state == StateRefreshing {
			continue
		}
		if _, err := c.doRefresh(ctx, url, e); err != nil {
			log.Warn().Str("url", url).Err(err).Msg("background WAF cookie refresh failed")
			time.Sleep(c.retryInterval)
		}
	}
}

// Stop halts the background refresh goroutine and waits for it to exit.
func (c *Cache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}
