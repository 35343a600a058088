// Package accounts maintains the hot-reloadable set of credentials
// multiplexed onto the origin, together with per-account failure counters
// and temporary circuit-breaking.
package accounts

import (
	"encoding/json"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/WYQ425/anyrouter-pool-go/internal/metrics"
	"github.com/WYQ425/anyrouter-pool-go/internal/types"
)

// Pool holds an immutable snapshot of accounts plus a mutable health map
// keyed by account name. The snapshot is replaced wholesale on Load so
// concurrent readers always see a complete, consistent list.
type Pool struct {
	mu       sync.RWMutex
	accounts []types.Account
	health   map[string]*types.AccountHealth

	path          string
	maxFails      int
	disableFor    time.Duration

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Config bundles the pool's tunables.
type Config struct {
	Path       string
	MaxFails   int
	DisableFor time.Duration
	HotReload  bool
}

// New constructs a Pool and performs an initial Load from disk.
func New(cfg Config) (*Pool, error) {
	p := &Pool{
		health:     make(map[string]*types.AccountHealth),
		path:       cfg.Path,
		maxFails:   cfg.MaxFails,
		disableFor: cfg.DisableFor,
		stopCh:     make(chan struct{}),
	}
	if err := p.Load(); err != nil {
		return nil, err
	}
	if cfg.HotReload {
		if err := p.startWatcher(); err != nil {
			log.Warn().Err(err).Str("path", cfg.Path).Msg("account hot-reload watcher failed to start")
		}
	}
	return p, nil
}

// Load reads the account snapshot from disk, keeping only records with a
// non-empty api_key and enabled=true, matching the filter the external
// account-management collaborator's own proxy applies before handing
// accounts to the core.
func (p *Pool) Load() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Error().Str("path", p.path).Msg("accounts file not found")
			p.replace(nil)
			return nil
		}
		return err
	}

	var all []types.Account
	if err := json.Unmarshal(raw, &all); err != nil {
		return err
	}

	eligible := make([]types.Account, 0, len(all))
	for _, a := range all {
		if a.APIKey != "" && a.Enabled {
			eligible = append(eligible, a)
		}
	}

	p.replace(eligible)
	log.Info().Int("count", len(eligible)).Str("path", p.path).Msg("accounts loaded")
	return nil
}

func (p *Pool) replace(accounts []types.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts = accounts
	for _, a := range accounts {
		if _, ok := p.health[a.Name]; !ok {
			p.health[a.Name] = &types.AccountHealth{}
		}
	}
}

// Pick selects uniformly at random from the eligible accounts not in
// excluded. If no eligible-and-not-excluded account exists, it falls back to
// any non-excluded account (degraded, logged). Returns false only when even
// the non-excluded set is empty.
func (p *Pool) Pick(excluded map[string]bool) (types.Account, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	var eligible, fallback []types.Account
	for _, a := range p.accounts {
		if excluded[a.Name] {
			continue
		}
		fallback = append(fallback, a)
		h := p.health[a.Name]
		if h == nil || !h.Disabled(now) {
			eligible = append(eligible, a)
		}
	}

	if len(eligible) > 0 {
		return eligible[rand.Intn(len(eligible))], true
	}
	if len(fallback) > 0 {
		log.Warn().Msg("no healthy accounts eligible, falling back to a disabled account")
		return fallback[rand.Intn(len(fallback))], true
	}
	return types.Account{}, false
}

// RecordSuccess zeroes the named account's health record.
func (p *Pool) RecordSuccess(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.health[name]
	if h == nil {
		return
	}
	h.FailCount = 0
	h.DisabledUntil = time.Time{}
	h.LastUsed = time.Now()
	h.TotalRequests++
}

// RecordFailure increments the named account's fail counter, disabling it
// once the counter reaches maxFails.
func (p *Pool) RecordFailure(name, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.health[name]
	if h == nil {
		h = &types.AccountHealth{}
		p.health[name] = h
	}
	h.FailCount++
	h.LastError = reason
	h.TotalRequests++
	h.TotalFailures++
	if h.FailCount >= p.maxFails {
		h.DisabledUntil = time.Now().Add(p.disableFor)
		log.Warn().Str("account", name).Int("fail_count", h.FailCount).
			Time("disabled_until", h.DisabledUntil).Msg("account disabled after repeated failures")
	}
}

// Summary aggregates the pool's state for the admin health endpoint.
func (p *Pool) Summary() types.AccountsSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := time.Now()
	s := types.AccountsSummary{Total: len(p.accounts), Enabled: len(p.accounts)}
	for _, a := range p.accounts {
		h := p.health[a.Name]
		if h != nil && h.Disabled(now) {
			s.Disabled++
		} else {
			s.Healthy++
		}
	}
	metrics.AccountsDisabled.Set(float64(s.Disabled))
	return s
}

func (p *Pool) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	p.watcher = w

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					log.Info().Str("path", event.Name).Msg("accounts file changed, reloading")
					if err := p.Load(); err != nil {
						log.Warn().Err(err).Msg("account hot-reload failed")
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("account watcher error")
			case <-p.stopCh:
				return
			}
		}
	}()

	return w.Add(p.path)
}

// Stop releases the watcher goroutine, if one was started.
func (p *Pool) Stop() {
	close(p.stopCh)
	if p.watcher != nil {
		p.watcher.Close()
	}
	p.wg.Wait()
}
