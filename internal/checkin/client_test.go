package checkin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientNoOpWhenUnconfigured(t *testing.T) {
	c := New("")
	message, success, total, err := c.RunCheckin(context.Background())
	if err != nil {
		t.Fatalf("expected no error for an unconfigured client, got %v", err)
	}
	if success != 0 || total != 0 {
		t.Errorf("expected zeroed counts, got success=%d total=%d", success, total)
	}
	if message == "" {
		t.Error("expected a descriptive no-op message")
	}
}

func TestClientRunCheckinSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/checkin/run" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"4/5 accounts checked in","total_success":4,"total_count":5}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	message, success, total, err := c.RunCheckin(context.Background())
	if err != nil {
		t.Fatalf("RunCheckin failed: %v", err)
	}
	if success != 4 || total != 5 {
		t.Errorf("expected success=4 total=5, got success=%d total=%d", success, total)
	}
	if message != "4/5 accounts checked in" {
		t.Errorf("unexpected message: %q", message)
	}
}

func TestClientRunCheckinErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, _, _, err := c.RunCheckin(context.Background()); err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}

func TestClientTrimsTrailingSlash(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	if _, _, _, err := c.RunCheckin(context.Background()); err != nil {
		t.Fatalf("RunCheckin failed: %v", err)
	}
	if gotPath != "/checkin/run" {
		t.Errorf("expected path /checkin/run, got %q", gotPath)
	}
}
