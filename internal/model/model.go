// Package model holds the data types shared across the proxy's pipeline
// stages: accounts, rate-limit signals, per-request metadata, and usage
// records. Keeping them in one leaf package avoids import cycles between
// provider, store, balancer, classifier, and orchestrator.
package model

import "time"

// AuthType distinguishes an account's credential shape.
type AuthType string

const (
	AuthOAuth  AuthType = "oauth"
	AuthAPIKey AuthType = "api_key"
)

// Tier is a selection weight multiplier. Only 1, 5, and 20 are valid.
type Tier int

const (
	Tier1  Tier = 1
	Tier5  Tier = 5
	Tier20 Tier = 20
)

// ValidTier reports whether t is one of the enumerated tiers.
func ValidTier(t Tier) bool {
	switch t {
	case Tier1, Tier5, Tier20:
		return true
	default:
		return false
	}
}

// RateLimitOverride lets an admin pin a custom limit/window for an account
// instead of relying on observed provider headers.
type RateLimitOverride struct {
	Limit         int `json:"limit"`
	WindowMinutes int `json:"window_minutes"`
}

// Account is identity and credentials for one upstream principal.
type Account struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Provider string   `json:"provider"`
	Tier     Tier     `json:"tier"`
	AuthType AuthType `json:"auth_type"`

	RefreshToken string    `json:"refresh_token,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`

	APIKey string `json:"api_key,omitempty"`

	BaseURL string `json:"base_url,omitempty"`

	Paused             bool               `json:"paused"`
	RateLimitStatus    string             `json:"rate_limit_status,omitempty"`
	RateLimitResetAt   time.Time          `json:"rate_limit_reset_at,omitempty"`
	RateLimitRemaining *int               `json:"rate_limit_remaining,omitempty"`
	RateLimitOverride  *RateLimitOverride `json:"rate_limit_override,omitempty"`

	SessionStart        time.Time `json:"session_start,omitempty"`
	SessionRequestCount int       `json:"session_request_count"`
	RequestCount        int       `json:"request_count"`
	TotalRequests       int       `json:"total_requests"`
}

// HasActiveRateLimit reports whether the account is currently excluded by a
// future reset time.
func (a *Account) HasActiveRateLimit(now time.Time) bool {
	return !a.RateLimitResetAt.IsZero() && a.RateLimitResetAt.After(now)
}

// UnusableOAuth reports whether an oauth account has no usable credential
// to refresh from or use directly.
func (a *Account) UnusableOAuth() bool {
	return a.AuthType == AuthOAuth && a.AccessToken == "" && a.RefreshToken == ""
}

// Redacted returns a copy of a with credential fields blanked, suitable for
// the admin listing endpoint.
func (a Account) Redacted() Account {
	a.RefreshToken = ""
	a.AccessToken = ""
	a.APIKey = ""
	return a
}

// RateLimitSignal is the transient parse result of a response's rate-limit
// headers/status.
type RateLimitSignal struct {
	IsRateLimited bool
	ResetAt       time.Time
	Remaining     *int
	StatusTag     string
}

// RequestMeta identifies and timestamps one inbound request.
type RequestMeta struct {
	ID        string
	Timestamp time.Time
	Method    string
	Path      string
	AgentHint string
}

// AttemptRecord is one account-attempt within a request's lifecycle.
type AttemptRecord struct {
	AccountID      string    `json:"account_id,omitempty"`
	Status         int       `json:"status"`
	BeganAt        time.Time `json:"began_at"`
	EndedAt        time.Time `json:"ended_at"`
	FailoverReason string    `json:"failover_reason,omitempty"`
}

// UsageRecord is the persisted outcome of one completed request.
type UsageRecord struct {
	RequestID    string          `json:"request_id"`
	AccountID    string          `json:"account_id,omitempty"`
	Path         string          `json:"path"`
	Method       string          `json:"method"`
	Status       int             `json:"status"`
	Timestamp    time.Time       `json:"timestamp"`
	DurationMS   int64           `json:"duration_ms"`
	InputTokens  *int            `json:"input_tokens,omitempty"`
	OutputTokens *int            `json:"output_tokens,omitempty"`
	CostEstimate *float64        `json:"cost_estimate,omitempty"`
	Agent        string          `json:"agent,omitempty"`
	Truncated    bool            `json:"truncated"`
	Attempts     []AttemptRecord `json:"attempts,omitempty"`
}
