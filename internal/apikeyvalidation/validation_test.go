package apikeyvalidation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestValidatorDisabled(t *testing.T) {
	v := New(Config{Enabled: false})
	if v.Enabled() {
		t.Error("expected Enabled() to be false")
	}
}

func TestValidatorAcceptsValidKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := New(Config{Enabled: true, BaseURL: srv.URL, TTL: time.Minute})
	valid, err := v.Validate(context.Background(), "good-key")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !valid {
		t.Error("expected good-key to validate")
	}
}

func TestValidatorRejectsInvalidKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	v := New(Config{Enabled: true, BaseURL: srv.URL, TTL: time.Minute})
	valid, err := v.Validate(context.Background(), "bad-key")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if valid {
		t.Error("expected bad-key to be rejected")
	}
}

func TestValidatorCachesResult(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := New(Config{Enabled: true, BaseURL: srv.URL, TTL: time.Minute})
	ctx := context.Background()
	if _, err := v.Validate(ctx, "cached-key"); err != nil {
		t.Fatalf("first Validate failed: %v", err)
	}
	if _, err := v.Validate(ctx, "cached-key"); err != nil {
		t.Fatalf("second Validate failed: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected the second call to hit the cache, got %d upstream hits", hits.Load())
	}
}

func TestValidatorExpiredCacheRefetches(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := New(Config{Enabled: true, BaseURL: srv.URL, TTL: 10 * time.Millisecond})
	ctx := context.Background()
	if _, err := v.Validate(ctx, "key"); err != nil {
		t.Fatalf("first Validate failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := v.Validate(ctx, "key"); err != nil {
		t.Fatalf("second Validate failed: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected expiry to force a refetch, got %d upstream hits", hits.Load())
	}
}

func TestValidatorClear(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := New(Config{Enabled: true, BaseURL: srv.URL, TTL: time.Minute})
	ctx := context.Background()
	if _, err := v.Validate(ctx, "key"); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	v.Clear()
	if _, err := v.Validate(ctx, "key"); err != nil {
		t.Fatalf("Validate after Clear failed: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected Clear to force a refetch, got %d upstream hits", hits.Load())
	}
}

func TestValidatorStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer valid" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	v := New(Config{Enabled: true, BaseURL: srv.URL, TTL: time.Minute})
	ctx := context.Background()
	v.Validate(ctx, "valid")
	v.Validate(ctx, "invalid")

	stats := v.Stats()
	if stats.CacheSize != 2 {
		t.Errorf("expected CacheSize=2, got %d", stats.CacheSize)
	}
	if stats.ValidCached != 1 {
		t.Errorf("expected ValidCached=1, got %d", stats.ValidCached)
	}
	if stats.InvalidCached != 1 {
		t.Errorf("expected InvalidCached=1, got %d", stats.InvalidCached)
	}
}

func TestValidatorNetworkFailureNotCached(t *testing.T) {
	v := New(Config{Enabled: true, BaseURL: "http://127.0.0.1:1", TTL: time.Minute})
	ctx := context.Background()
	if _, err := v.Validate(ctx, "key"); err == nil {
		t.Fatal("expected a connect error against an unreachable host")
	}
	if stats := v.Stats(); stats.CacheSize != 0 {
		t.Errorf("expected a connect failure to not be cached, got cache size %d", stats.CacheSize)
	}
}
