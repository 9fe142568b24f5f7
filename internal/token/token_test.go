package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codex-pool-proxy/internal/model"
	"codex-pool-proxy/internal/store"
	"codex-pool-proxy/internal/writer"
)

func newHarness(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	w := writer.New(st, writer.Options{})
	m := New("client-123", w)
	return m, st
}

func TestAPIKeyAccountReturnsDirectly(t *testing.T) {
	m, _ := newHarness(t)
	acct := &model.Account{AuthType: model.AuthAPIKey, APIKey: "sk-ant-direct"}
	tok, err := m.GetValidAccessToken(context.Background(), acct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "sk-ant-direct" {
		t.Fatalf("got %q, want api key verbatim", tok)
	}
}

func TestCachedTokenReturnedWithoutRefresh(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	m, _ := newHarness(t)
	m.Endpoint = srv.URL

	acct := &model.Account{ID: "a1", AuthType: model.AuthOAuth, AccessToken: "still-valid", ExpiresAt: time.Now().Add(time.Hour)}
	tok, err := m.GetValidAccessToken(context.Background(), acct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "still-valid" {
		t.Fatalf("got %q, want cached token", tok)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no refresh call, got %d", calls)
	}
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-token",
			"refresh_token": "fresh-refresh",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	m, _ := newHarness(t)
	m.Endpoint = srv.URL

	acct := &model.Account{ID: "a1", AuthType: model.AuthOAuth, RefreshToken: "old-refresh", ExpiresAt: time.Now().Add(-time.Minute)}

	const n = 50
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.GetValidAccessToken(context.Background(), acct)
			results[i] = tok
			errs[i] = err
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 refresh call, got %d", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
		if results[i] != "fresh-token" {
			t.Fatalf("request %d: got %q, want fresh-token", i, results[i])
		}
	}
}

func TestRefresh4xxIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	m, _ := newHarness(t)
	m.Endpoint = srv.URL
	acct := &model.Account{ID: "a1", AuthType: model.AuthOAuth, RefreshToken: "old", ExpiresAt: time.Now().Add(-time.Minute)}

	_, err := m.GetValidAccessToken(context.Background(), acct)
	var authErr *AuthError
	if err == nil {
		t.Fatalf("expected error")
	}
	if !isAuthError(err, &authErr) {
		t.Fatalf("got %T, want *AuthError", err)
	}
}

func isAuthError(err error, target **AuthError) bool {
	ae, ok := err.(*AuthError)
	if ok {
		*target = ae
	}
	return ok
}

func TestRefresh5xxIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, _ := newHarness(t)
	m.Endpoint = srv.URL
	acct := &model.Account{ID: "a1", AuthType: model.AuthOAuth, RefreshToken: "old", ExpiresAt: time.Now().Add(-time.Minute)}

	_, err := m.GetValidAccessToken(context.Background(), acct)
	if _, ok := err.(*TransientAuthError); !ok {
		t.Fatalf("got %T, want *TransientAuthError", err)
	}
}
