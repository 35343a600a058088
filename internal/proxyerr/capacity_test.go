package proxyerr

import "testing"

func TestIsCapacitySignal(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"chinese marker", `{"error":"负载已经达到上限，请稍后再试"}`, true},
		{"english marker", "you have hit the rate limit for this account", true},
		{"case insensitive english marker", "Rate Limit Exceeded", true},
		{"unrelated body", `{"error":"invalid request"}`, false},
		{"empty body", "", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsCapacitySignal(c.body); got != c.want {
				t.Errorf("IsCapacitySignal(%q) = %v, want %v", c.body, got, c.want)
			}
		})
	}
}

func TestIsBrowserDisconnect(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want bool
	}{
		{"closed browser", "error: browser has been closed", true},
		{"disconnected mixed case", "WebSocket Disconnected unexpectedly", true},
		{"connection refused", "dial tcp 127.0.0.1:9222: connect: connection refused", true},
		{"unrelated error", "navigation timeout exceeded", false},
		{"empty message", "", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsBrowserDisconnect(c.msg); got != c.want {
				t.Errorf("IsBrowserDisconnect(%q) = %v, want %v", c.msg, got, c.want)
			}
		})
	}
}
