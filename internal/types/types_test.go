package types

import (
	"testing"
	"time"
)

func TestAccountHealthDisabled(t *testing.T) {
	h := &AccountHealth{}
	if h.Disabled(time.Now()) {
		t.Error("expected a fresh AccountHealth to not be disabled")
	}

	h.DisabledUntil = time.Now().Add(time.Hour)
	if !h.Disabled(time.Now()) {
		t.Error("expected DisabledUntil in the future to report disabled")
	}

	h.DisabledUntil = time.Now().Add(-time.Hour)
	if h.Disabled(time.Now()) {
		t.Error("expected DisabledUntil in the past to report not disabled")
	}
}
