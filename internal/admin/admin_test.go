package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/WYQ425/anyrouter-pool-go/internal/types"
	"github.com/WYQ425/anyrouter-pool-go/internal/wafcache"
)

type fakeBrowser struct {
	stats       types.BrowserState
	restartErr  error
	restartHits int
}

func (f *fakeBrowser) Stats() types.BrowserState { return f.stats }
func (f *fakeBrowser) Restart(ctx context.Context) error {
	f.restartHits++
	return f.restartErr
}

type fakeAccounts struct {
	summary types.AccountsSummary
	loadErr error
}

func (f *fakeAccounts) Summary() types.AccountsSummary { return f.summary }
func (f *fakeAccounts) Load() error                    { return f.loadErr }

type fakeSites struct {
	state        types.SiteRouterState
	currentIndex int
	forceFrom    string
	probed       bool
}

func (f *fakeSites) State() types.SiteRouterState      { return f.state }
func (f *fakeSites) ForceSwitchToPrimary() string      { return f.forceFrom }
func (f *fakeSites) CurrentIndex() int                 { return f.currentIndex }
func (f *fakeSites) RecordProbe(healthy bool, result string) { f.probed = true }

type fakeWAF struct {
	ageSeconds float64
	refreshErr error
}

func (f *fakeWAF) Get(ctx context.Context, url string) (map[string]string, error) {
	return nil, nil
}
func (f *fakeWAF) ForceRefresh(ctx context.Context, url string) (map[string]string, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return map[string]string{"a": "1"}, nil
}
func (f *fakeWAF) StatsFor(url string) wafcache.Stats {
	return wafcache.Stats{AgeSeconds: f.ageSeconds}
}

func noopWrap(h http.HandlerFunc) http.HandlerFunc { return h }

func newTestServer() (*Server, *fakeBrowser, *fakeAccounts, *fakeSites, *fakeWAF) {
	b := &fakeBrowser{}
	a := &fakeAccounts{}
	s := &fakeSites{}
	w := &fakeWAF{}
	srv := New(Config{
		Browser: b,
		Accounts: a,
		Sites:    s,
		WAF:      w,
		Primary:  types.Site{Name: "primary", URL: "https://anyrouter.top"},
	})
	return srv, b, a, s, w
}

func TestHandleHealth(t *testing.T) {
	srv, _, _, _, _ := newTestServer()
	mux := http.NewServeMux()
	srv.Routes(mux, noopWrap)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report types.HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to decode health report: %v", err)
	}
	if report.Status != "ok" {
		t.Errorf("expected status ok, got %s", report.Status)
	}
}

func TestHandleReloadSuccess(t *testing.T) {
	srv, _, accounts, _, _ := newTestServer()
	mux := http.NewServeMux()
	srv.Routes(mux, noopWrap)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	_ = accounts
}

func TestHandleReloadFailure(t *testing.T) {
	srv, _, accounts, _, _ := newTestServer()
	accounts.loadErr = errors.New("disk read failed")
	mux := http.NewServeMux()
	srv.Routes(mux, noopWrap)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandleRefreshWAF(t *testing.T) {
	srv, _, _, _, _ := newTestServer()
	mux := http.NewServeMux()
	srv.Routes(mux, noopWrap)

	req := httptest.NewRequest(http.MethodPost, "/refresh-waf", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleRestartBrowser(t *testing.T) {
	srv, browser, _, _, _ := newTestServer()
	mux := http.NewServeMux()
	srv.Routes(mux, noopWrap)

	req := httptest.NewRequest(http.MethodPost, "/restart-browser", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if browser.restartHits != 1 {
		t.Errorf("expected Restart to be called once, got %d", browser.restartHits)
	}
}

func TestHandleForceSwitchPrimary(t *testing.T) {
	srv, _, _, sites, _ := newTestServer()
	sites.forceFrom = "mirror1"
	mux := http.NewServeMux()
	srv.Routes(mux, noopWrap)

	req := httptest.NewRequest(http.MethodPost, "/force-switch-to-primary", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp types.AdminResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Message == "" {
		t.Error("expected a non-empty response message")
	}
}

func TestHandleSwitchToPrimaryAlreadyPrimary(t *testing.T) {
	srv, _, _, sites, _ := newTestServer()
	sites.currentIndex = 0
	mux := http.NewServeMux()
	srv.Routes(mux, noopWrap)

	req := httptest.NewRequest(http.MethodPost, "/switch-to-primary", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sites.probed {
		t.Error("expected no probe to run when already on primary")
	}
}

func TestRateLimitedMutationEndpointRejectsBurst(t *testing.T) {
	b := &fakeBrowser{}
	srv := New(Config{
		Browser:      b,
		Accounts:     &fakeAccounts{},
		Sites:        &fakeSites{},
		WAF:          &fakeWAF{},
		Primary:      types.Site{Name: "primary", URL: "https://anyrouter.top"},
		RateLimitRPS: 1,
	})
	mux := http.NewServeMux()
	srv.Routes(mux, noopWrap)

	first := httptest.NewRecorder()
	mux.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/restart-browser", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected the first call to succeed, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	mux.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/restart-browser", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected the immediate second call to be rate-limited, got %d", second.Code)
	}

	if b.restartHits != 1 {
		t.Errorf("expected exactly one restart to reach the collaborator, got %d", b.restartHits)
	}
}

func TestHandleClearAPIKeyCacheNilKeys(t *testing.T) {
	srv, _, _, _, _ := newTestServer()
	mux := http.NewServeMux()
	srv.Routes(mux, noopWrap)

	req := httptest.NewRequest(http.MethodPost, "/clear-api-key-cache", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 even with no key validator configured, got %d", rec.Code)
	}
}
