// Package token produces valid access tokens for oauth accounts, performing
// single-flight refresh when a token has expired and persisting rotated
// tokens via the async writer.
//
// Grounded on the teacher's RefreshClaudeAccountTokens/ClaudeRefresh
// (claude_auth.go) for the token-endpoint exchange shape and the
// update-in-memory-then-save pattern. The teacher refreshes under one
// coarse package-level mutex; this module's per-account future map is the
// spec-mandated single-flight generalization (spec.md 4.4, 8).
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"codex-pool-proxy/internal/model"
	"codex-pool-proxy/internal/writer"
)

// SKEW is the lead time before expires_at at which a token is treated as
// stale and refreshed proactively.
const SKEW = 60 * time.Second

// RefreshDeadline bounds a single refresh network round-trip (spec.md 5).
const RefreshDeadline = 30 * time.Second

const tokenEndpoint = "https://console.anthropic.com/v1/oauth/token"

// AuthError means the refresh endpoint rejected the credential (4xx).
// Not retryable for this account; the orchestrator fails over.
type AuthError struct{ Err error }

func (e *AuthError) Error() string { return "auth error: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// TransientAuthError means the refresh attempt failed on a network or 5xx
// condition. Retryable by failover at the orchestrator level.
type TransientAuthError struct{ Err error }

func (e *TransientAuthError) Error() string { return "transient auth error: " + e.Err.Error() }
func (e *TransientAuthError) Unwrap() error { return e.Err }

type refreshFuture struct {
	done         chan struct{}
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	err          error
}

// Manager produces access tokens and owns the per-account refresh
// single-flight map.
type Manager struct {
	clientID   string
	httpClient *http.Client
	writer     *writer.Writer

	// Endpoint is the token exchange URL. Defaults to the provider's real
	// endpoint; overridable so tests can point it at an httptest server.
	Endpoint string

	mu       sync.Mutex
	inflight map[string]*refreshFuture
}

// New returns a Manager that exchanges refresh tokens using clientID and
// persists rotations through w.
func New(clientID string, w *writer.Writer) *Manager {
	return &Manager{
		clientID:   clientID,
		httpClient: &http.Client{Timeout: RefreshDeadline},
		writer:     w,
		Endpoint:   tokenEndpoint,
		inflight:   make(map[string]*refreshFuture),
	}
}

// GetValidAccessToken returns a usable credential for acct: the api key
// directly for api_key accounts, the cached token if not near expiry, or
// the result of a (possibly shared) refresh.
func (m *Manager) GetValidAccessToken(ctx context.Context, acct *model.Account) (string, error) {
	if acct.AuthType == model.AuthAPIKey {
		return acct.APIKey, nil
	}

	if acct.AccessToken != "" && time.Now().Before(acct.ExpiresAt.Add(-SKEW)) {
		return acct.AccessToken, nil
	}

	fut, owner := m.claimOrJoin(acct.ID)
	if owner {
		m.runRefresh(acct, fut)
	}

	select {
	case <-fut.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if fut.err != nil {
		return "", fut.err
	}

	acct.AccessToken = fut.accessToken
	acct.ExpiresAt = fut.expiresAt
	if fut.refreshToken != "" {
		acct.RefreshToken = fut.refreshToken
	}
	return fut.accessToken, nil
}

// claimOrJoin atomically installs a new pending future for accountID if
// none exists, or returns the existing one to await. The mutex is held only
// for this map operation, never across the network round-trip.
func (m *Manager) claimOrJoin(accountID string) (*refreshFuture, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fut, ok := m.inflight[accountID]; ok {
		return fut, false
	}
	fut := &refreshFuture{done: make(chan struct{})}
	m.inflight[accountID] = fut
	return fut, true
}

func (m *Manager) clear(accountID string) {
	m.mu.Lock()
	delete(m.inflight, accountID)
	m.mu.Unlock()
}

func (m *Manager) runRefresh(acct *model.Account, fut *refreshFuture) {
	defer close(fut.done)
	defer m.clear(acct.ID)

	ctx, cancel := context.WithTimeout(context.Background(), RefreshDeadline)
	defer cancel()

	accessToken, expiresAt, refreshToken, err := m.exchange(ctx, acct.RefreshToken)
	if err != nil {
		fut.err = err
		return
	}
	fut.accessToken = accessToken
	fut.expiresAt = expiresAt
	fut.refreshToken = refreshToken

	m.writer.Enqueue(writer.Op{
		Kind:         writer.KindUpdateTokens,
		AccountID:    acct.ID,
		AccessToken:  accessToken,
		ExpiresAt:    expiresAt,
		RefreshToken: refreshToken,
	})
}

func (m *Manager) exchange(ctx context.Context, refreshToken string) (accessToken string, expiresAt time.Time, rotatedRefresh string, err error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {m.clientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, "", &TransientAuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, "", &TransientAuthError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", time.Time{}, "", &TransientAuthError{Err: fmt.Errorf("token endpoint status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return "", time.Time{}, "", &AuthError{Err: fmt.Errorf("token endpoint status %d", resp.StatusCode)}
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    any    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", time.Time{}, "", &TransientAuthError{Err: err}
	}
	if body.AccessToken == "" {
		return "", time.Time{}, "", &AuthError{Err: errors.New("token endpoint returned empty access_token")}
	}

	expiresIn := 3600 * time.Second
	switch v := body.ExpiresIn.(type) {
	case float64:
		expiresIn = time.Duration(v) * time.Second
	case string:
		if n, convErr := strconv.Atoi(v); convErr == nil {
			expiresIn = time.Duration(n) * time.Second
		}
	}

	return body.AccessToken, time.Now().Add(expiresIn), body.RefreshToken, nil
}
