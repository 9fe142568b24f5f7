package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"codex-pool-proxy/internal/balancer"
	"codex-pool-proxy/internal/forwarder"
	"codex-pool-proxy/internal/model"
	"codex-pool-proxy/internal/provider"
	"codex-pool-proxy/internal/store"
	"codex-pool-proxy/internal/token"
	"codex-pool-proxy/internal/writer"
)

func newHarness(t *testing.T) (*Orchestrator, *store.Store, *writer.Writer) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	w := writer.New(st, writer.Options{FlushInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() { cancel(); w.Shutdown() })

	prov := provider.New("http://unused.invalid")
	bal := balancer.New(w, nil, time.Hour)
	tokenMgr := token.New("client", w)
	fwd := forwarder.New(forwarder.Options{})

	orch := &Orchestrator{
		Provider: prov, Store: st, Balancer: bal, Token: tokenMgr, Forwarder: fwd, Writer: w,
		MaxAttempts: 5, TeeBufferBytes: 4096, StreamDrainCap: 2 * time.Second,
	}
	return orch, st, w
}

func insertAPIKeyAccount(t *testing.T, st *store.Store, id string, tier model.Tier, baseURL string) {
	t.Helper()
	if err := st.InsertAccount(&model.Account{
		ID: id, Name: id, Provider: "anthropic", Tier: tier,
		AuthType: model.AuthAPIKey, APIKey: "test-key", BaseURL: baseURL,
	}); err != nil {
		t.Fatalf("insert account %s: %v", id, err)
	}
}

func waitForUsageRecords(t *testing.T, st *store.Store, n int) []*model.UsageRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := st.ListUsageRecords(10, 0)
		if err != nil {
			t.Fatalf("list usage records: %v", err)
		}
		if len(recs) >= n {
			return recs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d usage records", n)
	return nil
}

func TestSingleAccountHappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	orch, st, _ := newHarness(t)
	insertAPIKeyAccount(t, st, "a1", model.Tier1, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	orch.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Fatalf("got body %q", rec.Body.String())
	}

	recs := waitForUsageRecords(t, st, 1)
	if recs[0].AccountID != "a1" || recs[0].Status != 200 || len(recs[0].Attempts) != 1 {
		t.Fatalf("got usage record %+v", recs[0])
	}
}

func TestFailoverOn529(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok-from-b"))
	}))
	defer good.Close()

	orch, st, _ := newHarness(t)
	insertAPIKeyAccount(t, st, "a", model.Tier1, bad.URL)
	insertAPIKeyAccount(t, st, "b", model.Tier1, good.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	orch.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "ok-from-b" {
		t.Fatalf("got status=%d body=%q", rec.Code, rec.Body.String())
	}

	recs := waitForUsageRecords(t, st, 1)
	if recs[0].AccountID != "b" || len(recs[0].Attempts) != 2 {
		t.Fatalf("got usage record %+v", recs[0])
	}
}

func TestAllAccountsFailReturnsLastResponseVerbatim(t *testing.T) {
	makeFailing := func(body string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(body))
		}))
	}
	sA := makeFailing("from-a")
	sB := makeFailing("from-b")
	sC := makeFailing("from-c")
	defer sA.Close()
	defer sB.Close()
	defer sC.Close()

	orch, st, _ := newHarness(t)
	insertAPIKeyAccount(t, st, "a", model.Tier1, sA.URL)
	insertAPIKeyAccount(t, st, "b", model.Tier1, sB.URL)
	insertAPIKeyAccount(t, st, "c", model.Tier1, sC.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	orch.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d", rec.Code)
	}
	if rec.Body.String() != "from-c" {
		t.Fatalf("got body %q, want last-tried account's body", rec.Body.String())
	}

	recs := waitForUsageRecords(t, st, 1)
	if len(recs[0].Attempts) != 3 || recs[0].Status != 500 {
		t.Fatalf("got usage record %+v", recs[0])
	}
}

func TestNonReplayableBodyDoesNotRetryAndReturnsFirstAttemptVerbatim(t *testing.T) {
	var aHits, bHits int32
	sA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&aHits, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("from-a"))
	}))
	defer sA.Close()
	sB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&bHits, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("from-b"))
	}))
	defer sB.Close()

	orch, st, _ := newHarness(t)
	insertAPIKeyAccount(t, st, "a", model.Tier1, sA.URL)
	insertAPIKeyAccount(t, st, "b", model.Tier1, sB.URL)

	// A body over forwarder.BufferThreshold (1 MiB) is streamed, not
	// buffered, so it can't be replayed against a second account.
	big := strings.NewReader(strings.Repeat("x", forwarder.BufferThreshold+10))
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", big)
	rec := httptest.NewRecorder()
	orch.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError || rec.Body.String() != "from-a" {
		t.Fatalf("got status=%d body=%q, want verbatim first-attempt response", rec.Code, rec.Body.String())
	}
	if got := atomic.LoadInt32(&aHits); got != 1 {
		t.Fatalf("account a hit %d times, want exactly 1", got)
	}
	if got := atomic.LoadInt32(&bHits); got != 0 {
		t.Fatalf("account b hit %d times, want 0 (body not replayable, no failover)", got)
	}

	recs := waitForUsageRecords(t, st, 1)
	if recs[0].Status != 500 || len(recs[0].Attempts) != 1 {
		t.Fatalf("got usage record %+v", recs[0])
	}
}

func TestUnauthenticatedPassThroughWhenNoAccounts(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("anon-ok"))
	}))
	defer upstream.Close()

	orch, st, _ := newHarness(t)
	_ = st
	orch.Provider = provider.New(upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	orch.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "anon-ok" {
		t.Fatalf("got status=%d body=%q", rec.Code, rec.Body.String())
	}

	recs := waitForUsageRecords(t, st, 1)
	if recs[0].AccountID != "" {
		t.Fatalf("expected null account_id, got %q", recs[0].AccountID)
	}
}
