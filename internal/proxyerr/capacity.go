// Package proxyerr isolates the brittle, literal-string error classification
// the upstream origin requires: there is no structured error code for
// "you're out of capacity," only magic substrings in an HTML or JSON body.
// Keeping them in one place means an operator can adjust them without
// touching the retry logic that consumes them.
package proxyerr

import "strings"

// capacitySignals are the literal substrings the origin emits in a 5xx body
// to mean "account is over its rate/capacity limit," preserved verbatim from
// the upstream's own error text.
var capacitySignals = []string{
	"负载已经达到上限",
	"rate limit",
}

// IsCapacitySignal reports whether body contains one of the known
// capacity/rate-limit markers.
func IsCapacitySignal(body string) bool {
	lower := strings.ToLower(body)
	for _, sig := range capacitySignals {
		if strings.Contains(body, sig) || strings.Contains(lower, strings.ToLower(sig)) {
			return true
		}
	}
	return false
}

// browserDisconnectSignals are the substrings that mark a WAF cookie refresh
// failure as an infrastructure problem (the browser died) rather than a
// navigation or WAF problem, warranting a Browser Manager restart-and-retry
// instead of just giving up.
var browserDisconnectSignals = []string{
	"browser has been closed",
	"disconnected",
	"connection refused",
}

// IsBrowserDisconnect reports whether an error message indicates the
// persistent browser process itself is gone, rather than a transient
// navigation failure.
func IsBrowserDisconnect(msg string) bool {
	lower := strings.ToLower(msg)
	for _, sig := range browserDisconnectSignals {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
