package classifier

import (
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"codex-pool-proxy/internal/model"
	"codex-pool-proxy/internal/provider"
	"codex-pool-proxy/internal/store"
	"codex-pool-proxy/internal/writer"
)

func newHarness(t *testing.T) (*provider.Adapter, *writer.Writer) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return provider.New("https://api.example.com"), writer.New(st, writer.Options{})
}

func TestClassifySuccess(t *testing.T) {
	prov, w := newHarness(t)
	acct := &model.Account{ID: "a1", Tier: model.Tier1}
	resp := &http.Response{StatusCode: http.StatusOK, Header: http.Header{}}

	result := Classify(resp, acct, prov, w)
	if result.Verdict != Success {
		t.Fatalf("got verdict %v, want Success", result.Verdict)
	}
}

func TestClassifyRateLimitedWithReset(t *testing.T) {
	prov, w := newHarness(t)
	acct := &model.Account{ID: "a1", Tier: model.Tier1}
	resetAt := time.Now().Add(10 * time.Minute)
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header: http.Header{
			"Anthropic-Ratelimit-Unified-Reset": []string{strconv.FormatInt(resetAt.Unix(), 10)},
		},
	}

	result := Classify(resp, acct, prov, w)
	if result.Verdict != FailoverRateLimit {
		t.Fatalf("got verdict %v, want FailoverRateLimit", result.Verdict)
	}
}

func TestClassifyNonSuccessWithoutResetIsPlainFailover(t *testing.T) {
	// A 529 with no reset_at header: preserved source behavior is a plain
	// failover with no account marking (spec.md open question).
	prov, w := newHarness(t)
	acct := &model.Account{ID: "a1", Tier: model.Tier1}
	resp := &http.Response{StatusCode: 529, Header: http.Header{}}

	result := Classify(resp, acct, prov, w)
	if result.Verdict != FailoverNonSuccess {
		t.Fatalf("got verdict %v, want FailoverNonSuccess", result.Verdict)
	}
}
