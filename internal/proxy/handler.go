// Package proxy implements the request-routing engine: per-request account
// selection, site failover, WAF cookie attachment, and streaming passthrough
// to the chosen origin.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/WYQ425/anyrouter-pool-go/internal/metrics"
	"github.com/WYQ425/anyrouter-pool-go/internal/proxyerr"
	"github.com/WYQ425/anyrouter-pool-go/internal/security"
	"github.com/WYQ425/anyrouter-pool-go/internal/types"
	"github.com/WYQ425/anyrouter-pool-go/pkg/version"
)

// AccountPool is the subset of accounts.Pool the handler depends on.
type AccountPool interface {
	Pick(excluded map[string]bool) (types.Account, bool)
	RecordSuccess(name string)
	RecordFailure(name, reason string)
}

// SiteRouter is the subset of siterouter.Router the handler depends on.
type SiteRouter interface {
	Len() int
	SiteAt(offset int) (types.Site, int)
	RecordSuccess(index int)
	RecordFailure()
}

// WAFCache is the subset of wafcache.Cache the handler depends on.
type WAFCache interface {
	Get(ctx context.Context, url string) (map[string]string, error)
	ForceRefresh(ctx context.Context, url string) (map[string]string, error)
}

// KeyValidator is the optional external API-key validation collaborator.
type KeyValidator interface {
	Validate(ctx context.Context, apiKey string) (bool, error)
}

// Config bundles the handler's retry budgets and timeouts. Defaults mirror
// the literal numbers the origin's own retry policy was built around.
type Config struct {
	MaxAccountRetries int
	MaxRetriesWAF     int
	MaxRetriesOpen    int
	CapacityBackoff   time.Duration

	ConnectTimeout       time.Duration
	ReadTimeoutNonStream time.Duration
	ReadTimeoutStream    time.Duration

	ForwardProxyURL string

	APIKeyValidationEnabled bool
}

// Handler orchestrates one client request end to end: account choice, site
// choice, retry, WAF refresh, streaming body passthrough, and failure
// attribution back into the Account Pool and Site Router.
type Handler struct {
	accounts AccountPool
	sites    SiteRouter
	waf      WAFCache
	keys     KeyValidator
	cfg      Config
}

// New constructs a Handler.
func New(accounts AccountPool, sites SiteRouter, waf WAFCache, keys KeyValidator, cfg Config) *Handler {
	return &Handler{accounts: accounts, sites: sites, waf: waf, keys: keys, cfg: cfg}
}

// ServeHTTP implements the ANY /v1/{path} surface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.cfg.APIKeyValidationEnabled && h.keys != nil {
		key := extractAPIKey(r)
		if key == "" {
			writeJSONError(w, http.StatusUnauthorized, "API key is required. Please provide x-api-key header or Authorization: Bearer <key>")
			return
		}
		valid, err := h.keys.Validate(ctx, key)
		if err != nil {
			log.Warn().Err(err).Msg("API key validation collaborator error")
		}
		if !valid {
			writeJSONError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
	}

	if err := security.ValidateHeaders(anthropicHeaders(r)); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request headers: %v", err))
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/")

	body, release, err := readBodyPooled(r.Body, 32<<20)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer release()

	isStream, model := sniffRequestBody(body)

	headers := buildUpstreamHeaders(r, "")

	h.run(ctx, w, r, path, body, headers, isStream, model)
}

func (h *Handler) currentSiteName() string {
	site, _ := h.sites.SiteAt(0)
	return site.Name
}

func sniffRequestBody(body []byte) (isStream bool, model string) {
	if len(body) == 0 {
		return false, ""
	}
	var parsed struct {
		Stream bool   `json:"stream"`
		Model  string `json:"model"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, ""
	}
	return parsed.Stream, parsed.Model
}

// anthropicHeaders collects the client-supplied anthropic-* headers into the
// flat map security.ValidateHeaders expects, rejecting control-character or
// prefix-spoofing injection before any of them reach buildUpstreamHeaders.
func anthropicHeaders(r *http.Request) map[string]string {
	out := make(map[string]string)
	for name, values := range r.Header {
		if strings.HasPrefix(strings.ToLower(name), "anthropic-") && len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

func buildUpstreamHeaders(r *http.Request, apiKey string) http.Header {
	h := make(http.Header)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	} else {
		h.Set("Content-Type", "application/json")
	}
	if v := r.Header.Get("anthropic-version"); v != "" {
		h.Set("anthropic-version", v)
	} else {
		h.Set("anthropic-version", "2023-06-01")
	}
	h.Set("User-Agent", version.UserAgent)
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "anthropic-") {
			if _, set := h[http.CanonicalHeaderKey(name)]; !set {
				for _, v := range values {
					h.Add(name, v)
				}
			}
		}
	}
	if apiKey != "" {
		h.Set("x-api-key", apiKey)
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}

// run implements the account-failover outer loop and the site-failover
// inner loop described by the request-routing algorithm.
func (h *Handler) run(ctx context.Context, w http.ResponseWriter, r *http.Request, path string, body []byte, headers http.Header, isStream bool, model string) {
	excluded := make(map[string]bool)
	var lastErr error

	for accountAttempt := 0; accountAttempt < h.cfg.MaxAccountRetries; accountAttempt++ {
		account, ok := h.accounts.Pick(excluded)
		if !ok {
			if accountAttempt == 0 {
				writeJSONError(w, http.StatusServiceUnavailable, "No available accounts")
				return
			}
			break
		}
		excluded[account.Name] = true

		attemptHeaders := headers.Clone()
		attemptHeaders.Set("x-api-key", account.APIKey)
		attemptHeaders.Set("Authorization", "Bearer "+account.APIKey)

		start := time.Now()
		ok, accountErr, siteErr := h.tryAccount(ctx, w, r, path, body, attemptHeaders, isStream, model, account)
		if ok {
			metrics.RecordProxyRequest(h.currentSiteName(), "success", time.Since(start))
			return
		}
		if accountErr != nil {
			h.accounts.RecordFailure(account.Name, accountErr.Error())
			metrics.RecordAccountFailure(account.Name)
			metrics.RecordProxyRequest(h.currentSiteName(), "account_error", time.Since(start))
			lastErr = accountErr
			continue
		}
		metrics.RecordProxyRequest(h.currentSiteName(), "site_exhausted", time.Since(start))
		lastErr = siteErr
	}

	if lastErr == nil {
		lastErr = types.ErrAllSitesExhausted
	}
	writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("All upstream sites failed: %v", lastErr))
}

// tryAccount runs the site-failover inner loop for one chosen account. It
// returns ok=true once a response has been written to the client. An
// account-attributable failure is returned distinctly from a site-exhaustion
// failure so the caller can decide whether to record an account failure.
func (h *Handler) tryAccount(ctx context.Context, w http.ResponseWriter, r *http.Request, path string, body []byte, headers http.Header, isStream bool, model string, account types.Account) (ok bool, accountErr, siteErr error) {
	n := h.sites.Len()
	for offset := 0; offset < n; offset++ {
		site, idx := h.sites.SiteAt(offset)

		targetURL := strings.TrimRight(site.URL, "/") + "/v1/" + path
		if r.URL.RawQuery != "" {
			targetURL += "?" + r.URL.RawQuery
		}

		log.Info().Str("site", site.Name).Str("account", account.Name).
			Bool("stream", isStream).Str("model", model).Msg("trying upstream")

		var cookies map[string]string
		if site.NeedWAF {
			var err error
			cookies, err = h.waf.Get(ctx, site.URL)
			if err != nil {
				log.Warn().Err(err).Str("site", site.Name).Msg("WAF cookies unavailable")
			}
		}

		maxRetries := h.cfg.MaxRetriesOpen
		if site.NeedWAF {
			maxRetries = h.cfg.MaxRetriesWAF
		}

		capacityRetried := false
		var lastAttemptErr error
		succeeded := false

		for attempt := 0; attempt < maxRetries; attempt++ {
			outcome, attemptErr := h.attempt(ctx, w, r.Method, targetURL, headers, body, cookies, isStream, site)
			lastAttemptErr = attemptErr

			switch outcome {
			case outcomeSuccess:
				h.sites.RecordSuccess(idx)
				h.accounts.RecordSuccess(account.Name)
				succeeded = true

			case outcomeWAFChallenge:
				if site.NeedWAF {
					log.Warn().Str("site", site.Name).Msg("WAF challenge detected, refreshing cookies")
					var err error
					cookies, err = h.waf.ForceRefresh(ctx, site.URL)
					if err != nil {
						lastAttemptErr = err
					}
					continue
				}
				lastAttemptErr = types.ErrWAFChallenge

			case outcomeAccountError:
				return false, fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, attemptErr), nil

			case outcomeCapacity:
				if !capacityRetried {
					capacityRetried = true
					select {
					case <-time.After(h.cfg.CapacityBackoff):
					case <-ctx.Done():
						return false, nil, ctx.Err()
					}
					continue
				}
				return false, types.NewCapacityError(account.Name, "sustained capacity signal"), nil

			case outcomeUpstreamError:
				if site.NeedWAF && attempt < maxRetries-1 {
					var err error
					cookies, err = h.waf.ForceRefresh(ctx, site.URL)
					if err != nil {
						lastAttemptErr = err
					}
					continue
				}
			}
			break
		}

		if succeeded {
			return true, nil, nil
		}

		log.Warn().Str("site", site.Name).Err(lastAttemptErr).Msg("all retries against site failed, trying next site")
		h.sites.RecordFailure()
		siteErr = lastAttemptErr
	}

	return false, nil, siteErr
}

type outcome int

const (
	outcomeUpstreamError outcome = iota
	outcomeSuccess
	outcomeWAFChallenge
	outcomeAccountError
	outcomeCapacity
)

// attempt issues exactly one upstream HTTP request and classifies the
// result. For a successful, non-challenge response it writes the response
// to w itself (streamed chunk-by-chunk for SSE, buffered otherwise) so the
// caller never has to re-read the body to decide what happened.
func (h *Handler) attempt(ctx context.Context, w http.ResponseWriter, method, targetURL string, headers http.Header, body []byte, cookies map[string]string, isStream bool, site types.Site) (outcome, error) {
	readTimeout := h.cfg.ReadTimeoutNonStream
	if isStream {
		readTimeout = h.cfg.ReadTimeoutStream
	}

	client := h.newClient(site, readTimeout)

	req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
	if err != nil {
		return outcomeUpstreamError, err
	}
	req.Header = headers.Clone()
	for name, value := range cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := client.Do(req)
	if err != nil {
		return outcomeUpstreamError, err
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") {
		resp.Body.Close()
		return outcomeWAFChallenge, fmt.Errorf("unexpected HTML response from %s", site.Name)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return outcomeAccountError, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		prefix, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		if site.NeedWAF && len(prefix) == 0 {
			return outcomeWAFChallenge, fmt.Errorf("empty 5xx from WAF-gated site %s", site.Name)
		}
		if proxyerr.IsCapacitySignal(string(prefix)) {
			return outcomeCapacity, fmt.Errorf("capacity signal from %s", site.Name)
		}
		return outcomeAccountError, fmt.Errorf("server error %d from %s", resp.StatusCode, site.Name)
	}

	// Success (2xx/3xx/4xx other than 401/403): relay the response.
	if isStream {
		relayStream(w, resp)
	} else {
		relayBuffered(w, resp)
	}
	return outcomeSuccess, nil
}

// newClient builds an http.Client scoped to a single attempt (non-stream) or
// to the lifetime of the stream being relayed (stream). Keep-alives are
// disabled, so closing the response body also closes the attempt's upstream
// connection; for the stream variant relayStream does that only after the
// last chunk has been written.
func (h *Handler) newClient(site types.Site, readTimeout time.Duration) *http.Client {
	transport := &http.Transport{DisableKeepAlives: true}
	if site.UseProxy && h.cfg.ForwardProxyURL != "" {
		if u, err := url.Parse(h.cfg.ForwardProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   h.cfg.ConnectTimeout + readTimeout,
	}
}

// relayBuffered forwards a non-streaming upstream response. The response is
// fully consumed and closed, along with its connection, before this returns, matching
// the non-streaming scoped-lifetime case.
func relayBuffered(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error().Err(err).Msg("failed reading non-streaming upstream body")
	}
	copyPassthroughHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(data)
}

// relayStream forwards a streaming upstream response chunk by chunk,
// flushing after every chunk so the client observes incremental output. The
// upstream response (and with it the attempt's connection, since the client
// disables keep-alives) is closed only here, after the last chunk — never
// via an enclosing deferred scope — satisfying the stream-lifetime
// invariant.
func relayStream(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	copyPassthroughHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 4096)
	chunks, total := 0, 0
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunks++
			total += n
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Error().Err(werr).Int("chunks", chunks).Int("bytes", total).Msg("client disconnected mid-stream")
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Error().Err(err).Int("chunks", chunks).Int("bytes", total).Msg("stream error")
			} else {
				log.Info().Int("chunks", chunks).Int("bytes", total).Msg("stream completed")
			}
			return
		}
	}
}

func copyPassthroughHeaders(dst, src http.Header) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if lower == "content-length" || lower == "transfer-encoding" || lower == "content-encoding" {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func extractAPIKey(r *http.Request) string {
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": message})
}
