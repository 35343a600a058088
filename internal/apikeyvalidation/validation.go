// Package apikeyvalidation optionally checks client-supplied API keys
// against an external user-database service before any upstream work
// begins, caching both positive and negative results for a short TTL.
package apikeyvalidation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type cacheEntry struct {
	valid     bool
	expiresAt time.Time
}

// Validator calls GET {baseURL}/api/user/self with the caller's key as a
// bearer token and treats any 2xx response as a valid key.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]cacheEntry

	client  *http.Client
	baseURL string
	ttl     time.Duration
	enabled bool
}

// Config bundles the validator's tunables.
type Config struct {
	Enabled bool
	BaseURL string
	TTL     time.Duration
}

// New constructs a Validator.
func New(cfg Config) *Validator {
	return &Validator{
		cache:   make(map[string]cacheEntry),
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		ttl:     cfg.TTL,
		enabled: cfg.Enabled,
	}
}

// Enabled reports whether validation is turned on.
func (v *Validator) Enabled() bool {
	return v.enabled
}

// Validate reports whether apiKey is accepted by the external user-database
// service, consulting the cache first. A connect-level failure against the
// collaborator is not cached, so a transient outage doesn't lock out (or
// let in) every key for the remainder of the TTL.
func (v *Validator) Validate(ctx context.Context, apiKey string) (bool, error) {
	if cached, ok := v.peek(apiKey); ok {
		return cached, nil
	}

	url := fmt.Sprintf("%s/api/user/self", v.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("API key validation request failed, not caching result")
		return false, err
	}
	defer resp.Body.Close()

	valid := resp.StatusCode >= 200 && resp.StatusCode < 300
	v.store(apiKey, valid)
	return valid, nil
}

func (v *Validator) peek(apiKey string) (bool, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	entry, ok := v.cache[apiKey]
	if !ok || time.Now().After(entry.expiresAt) {
		return false, false
	}
	return entry.valid, true
}

func (v *Validator) store(apiKey string, valid bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[apiKey] = cacheEntry{valid: valid, expiresAt: time.Now().Add(v.ttl)}
}

// Clear empties the cache, used by the admin /clear-api-key-cache endpoint.
func (v *Validator) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[string]cacheEntry)
}

// Stats reports cache composition for the admin health endpoint.
type Stats struct {
	Enabled        bool
	CacheSize      int
	ValidCached    int
	InvalidCached  int
	ExpiredEntries int
}

func (v *Validator) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	now := time.Now()
	s := Stats{Enabled: v.enabled, CacheSize: len(v.cache)}
	for _, e := range v.cache {
		if now.After(e.expiresAt) {
			s.ExpiredEntries++
			continue
		}
		if e.valid {
			s.ValidCached++
		} else {
			s.InvalidCached++
		}
	}
	return s
}
