// Package provider knows how to talk to the one upstream this proxy fronts:
// building target URLs, shaping request headers, detecting streaming
// responses, and parsing rate-limit signals out of a response.
//
// Grounded on the teacher's Provider interface and ClaudeProvider
// (provider.go, provider_claude.go): this module fronts a single upstream,
// so the interface collapses to one concrete Adapter instead of a registry.
package provider

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"codex-pool-proxy/internal/model"
)

const (
	apiVersionHeader = "anthropic-version"
	apiVersion       = "2023-06-01"
	userAgentHeader  = "User-Agent"
	userAgent        = "codex-pool-proxy/1.0"
)

// hopByHop are headers that must never be copied from the inbound request
// to the outbound one, per spec.md 4.1. Grounded on the teacher's
// removeHopByHopHeaders (utils.go).
var hopByHop = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"content-length":      {},
	"transfer-encoding":   {},
	"keep-alive":          {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"upgrade":             {},
	"authorization":       {},
	"x-api-key":           {},
}

// Adapter is the single-provider adapter described in spec.md 4.1.
type Adapter struct {
	DefaultBaseURL string
}

// New returns an Adapter targeting defaultBaseURL for accounts with no
// base_url override.
func New(defaultBaseURL string) *Adapter {
	return &Adapter{DefaultBaseURL: strings.TrimRight(defaultBaseURL, "/")}
}

// BuildURL joins the account's base_url override (or the default upstream
// base) with path and query unchanged.
func (a *Adapter) BuildURL(path, rawQuery string, acct *model.Account) (string, error) {
	base := a.DefaultBaseURL
	if acct != nil && acct.BaseURL != "" {
		base = strings.TrimRight(acct.BaseURL, "/")
	}
	u, err := url.Parse(base + path)
	if err != nil {
		return "", err
	}
	u.RawQuery = rawQuery
	return u.String(), nil
}

// PrepareHeaders copies incoming headers except hop-by-hop and any existing
// credential headers, then injects exactly one of Authorization/X-Api-Key.
func (a *Adapter) PrepareHeaders(incoming http.Header, accessToken, apiKey string) http.Header {
	out := make(http.Header, len(incoming)+2)
	for k, vv := range incoming {
		if _, skip := hopByHop[strings.ToLower(k)]; skip {
			continue
		}
		out[k] = append([]string(nil), vv...)
	}

	switch {
	case accessToken != "":
		out.Set("Authorization", "Bearer "+accessToken)
		out.Set(apiVersionHeader, apiVersion)
		out.Set(userAgentHeader, userAgent)
	case apiKey != "":
		out.Set("X-Api-Key", apiKey)
		out.Set(apiVersionHeader, apiVersion)
		out.Set(userAgentHeader, userAgent)
	}
	return out
}

// IsStreaming reports whether resp carries an SSE content type.
func (a *Adapter) IsStreaming(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// ParseRateLimit reads the provider's rate-limit headers into a signal.
// Grounded on ClaudeProvider.ParseUsageHeaders; generalized to this
// module's single-provider header names.
func (a *Adapter) ParseRateLimit(resp *http.Response) model.RateLimitSignal {
	sig := model.RateLimitSignal{StatusTag: resp.Header.Get("anthropic-ratelimit-unified-status")}

	if resp.StatusCode == http.StatusTooManyRequests {
		sig.IsRateLimited = true
	}
	if strings.Contains(strings.ToLower(sig.StatusTag), "limited") {
		sig.IsRateLimited = true
	}

	if v := resp.Header.Get("anthropic-ratelimit-unified-remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			sig.Remaining = &n
		}
	}

	if v := resp.Header.Get("anthropic-ratelimit-unified-reset"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			sig.ResetAt = time.Unix(secs, 0)
		}
	} else if v := resp.Header.Get("retry-after"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			sig.ResetAt = time.Now().Add(time.Duration(secs) * time.Second)
			sig.IsRateLimited = true
		}
	}
	return sig
}

// ExtractTierInfo peeks a response header that, if present, names a tier
// the account should be recorded under. Returns ok=false when absent or
// unrecognized — most responses carry none.
func (a *Adapter) ExtractTierInfo(resp *http.Response) (model.Tier, bool) {
	v := resp.Header.Get("x-account-tier")
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	t := model.Tier(n)
	if !model.ValidTier(t) {
		return 0, false
	}
	return t, true
}
