package siterouter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/WYQ425/anyrouter-pool-go/internal/types"
)

func testSites() []types.Site {
	return []types.Site{
		{Name: "primary", URL: "https://anyrouter.top", IsPrimary: true, NeedWAF: true, UseProxy: true},
		{Name: "mirror1", URL: "https://c.cspok.cn"},
		{Name: "mirror2", URL: "https://pmpjfbhq.cn-nb1.rainapp.top"},
	}
}

func TestNewRejectsEmptySites(t *testing.T) {
	if _, err := New(nil, 3); err != types.ErrNoSitesConfigured {
		t.Errorf("expected ErrNoSitesConfigured, got %v", err)
	}
}

func TestRouterCurrentStartsOnPrimary(t *testing.T) {
	r, err := New(testSites(), 3)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if r.CurrentIndex() != 0 {
		t.Errorf("expected to start on index 0, got %d", r.CurrentIndex())
	}
	if r.Current().Name != "primary" {
		t.Errorf("expected primary site, got %s", r.Current().Name)
	}
}

func TestRouterSiteAtWraps(t *testing.T) {
	r, err := New(testSites(), 3)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	site, idx := r.SiteAt(3) // wraps back to index 0 with 3 sites
	if idx != 0 || site.Name != "primary" {
		t.Errorf("expected SiteAt(3) to wrap to primary, got idx=%d name=%s", idx, site.Name)
	}
}

func TestRouterRotatesAfterMaxFails(t *testing.T) {
	r, err := New(testSites(), 2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	r.RecordFailure()
	if r.CurrentIndex() != 0 {
		t.Fatalf("expected still on primary after 1 failure, got index %d", r.CurrentIndex())
	}
	r.RecordFailure()
	if r.CurrentIndex() != 1 {
		t.Errorf("expected rotation to mirror1 after 2 failures, got index %d", r.CurrentIndex())
	}

	state := r.State()
	if state.OnPrimary {
		t.Error("expected OnPrimary=false after rotation")
	}
	if state.FailCount != 0 {
		t.Errorf("expected fail count reset after rotation, got %d", state.FailCount)
	}
}

func TestRouterRecordSuccessSticksToWinner(t *testing.T) {
	r, err := New(testSites(), 3)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	r.RecordFailure()
	r.RecordSuccess(1) // account's retry succeeded against mirror1

	if r.CurrentIndex() != 1 {
		t.Errorf("expected sticky index to move to the last winner (1), got %d", r.CurrentIndex())
	}
	if r.State().FailCount != 0 {
		t.Error("expected fail count reset on success")
	}
}

func TestRouterRecordProbeRecoversToPrimary(t *testing.T) {
	r, err := New(testSites(), 2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	r.RecordFailure()
	r.RecordFailure() // now on mirror1

	r.RecordProbe(true, "healthy")

	if r.CurrentIndex() != 0 {
		t.Errorf("expected recovery to primary, got index %d", r.CurrentIndex())
	}
	probe := r.ProbeState()
	if probe.RecoveryCount != 1 {
		t.Errorf("expected RecoveryCount=1, got %d", probe.RecoveryCount)
	}
	if probe.CheckCount != 1 {
		t.Errorf("expected CheckCount=1, got %d", probe.CheckCount)
	}
}

func TestRouterRecordProbeUnhealthyStaysPut(t *testing.T) {
	r, err := New(testSites(), 2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	r.RecordFailure()
	r.RecordFailure() // now on mirror1

	r.RecordProbe(false, "waf_challenge")

	if r.CurrentIndex() != 1 {
		t.Errorf("expected to remain on mirror1 after an unhealthy probe, got index %d", r.CurrentIndex())
	}
}

func TestRouterForceSwitchToPrimary(t *testing.T) {
	r, err := New(testSites(), 2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	r.RecordFailure()
	r.RecordFailure() // now on mirror1

	from := r.ForceSwitchToPrimary()
	if from != "mirror1" {
		t.Errorf("expected ForceSwitchToPrimary to report previous site mirror1, got %s", from)
	}
	if r.CurrentIndex() != 0 {
		t.Error("expected current index to be primary after force switch")
	}
}

func TestPrimaryProberSkipsWhenAlreadyPrimary(t *testing.T) {
	r, err := New(testSites(), 2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	prober := &PrimaryProber{Router: r}
	prober.ProbeAndRecord(nil) // must not panic; should no-op since already on primary

	if r.ProbeState().CheckCount != 0 {
		t.Error("expected no probe to run while already on primary")
	}
}

func TestLoadSitesRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sites.yaml")
	if err := os.WriteFile(path, []byte("[]\n"), 0o600); err != nil {
		t.Fatalf("write sites file: %v", err)
	}

	if _, err := LoadSites(path); err != types.ErrNoSitesConfigured {
		t.Errorf("expected ErrNoSitesConfigured for empty site list, got %v", err)
	}
}

func TestLoadSitesParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sites.yaml")
	content := `
- name: primary
  url: https://anyrouter.top
  is_primary: true
  need_waf: true
  use_proxy: true
- name: mirror1
  url: https://c.cspok.cn
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write sites file: %v", err)
	}

	sites, err := LoadSites(path)
	if err != nil {
		t.Fatalf("LoadSites failed: %v", err)
	}
	if len(sites) != 2 {
		t.Fatalf("expected 2 sites, got %d", len(sites))
	}
	if sites[0].Name != "primary" || !sites[0].IsPrimary {
		t.Errorf("unexpected primary site: %+v", sites[0])
	}
}

func TestValidateSiteURLsRejectsBlockedScheme(t *testing.T) {
	err := ValidateSiteURLs([]types.Site{{Name: "evil", URL: "javascript:alert(1)"}})
	if err == nil {
		t.Fatal("expected a non-nil error for a javascript: scheme site")
	}
}

func TestValidateSiteURLsRejectsLoopback(t *testing.T) {
	err := ValidateSiteURLs([]types.Site{{Name: "local", URL: "http://127.0.0.1:8080"}})
	if err == nil {
		t.Fatal("expected a non-nil error for a loopback-addressed site")
	}
}
