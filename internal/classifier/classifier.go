// Package classifier inspects one upstream response and decides whether it
// is a success, a rate-limited failover (with account marking), or a plain
// non-success failover (no metadata update) — spec.md 4.7.
//
// Grounded on the teacher's isRetryableStatus plus inline 401/403/429/5xx
// handling in proxyRequest (main.go), generalized into a pure function
// returning a typed verdict instead of the teacher's inline penalty/dead
// mutation on the account struct.
package classifier

import (
	"net/http"

	"codex-pool-proxy/internal/model"
	"codex-pool-proxy/internal/provider"
	"codex-pool-proxy/internal/writer"
)

// Verdict is the outcome of classifying one attempt.
type Verdict int

const (
	Success Verdict = iota
	FailoverRateLimit
	FailoverNonSuccess
)

// Result carries the verdict plus the status actually observed, for
// attempt-history bookkeeping.
type Result struct {
	Verdict Verdict
	Status  int
}

// Classify applies spec.md 4.7 to resp for acct, enqueuing any account
// mutations the verdict implies.
func Classify(resp *http.Response, acct *model.Account, prov *provider.Adapter, w *writer.Writer) Result {
	signal := prov.ParseRateLimit(resp)

	if signal.IsRateLimited && !signal.ResetAt.IsZero() {
		w.Enqueue(writer.Op{Kind: writer.KindMarkRateLimited, AccountID: acct.ID, ResetAt: signal.ResetAt})
		w.Enqueue(writer.Op{
			Kind:      writer.KindUpdateRateLimitMeta,
			AccountID: acct.ID,
			StatusTag: signal.StatusTag,
			ResetAt:   signal.ResetAt,
			Remaining: signal.Remaining,
		})
		return Result{Verdict: FailoverRateLimit, Status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		return Result{Verdict: FailoverNonSuccess, Status: resp.StatusCode}
	}

	w.Enqueue(writer.Op{Kind: writer.KindIncrementUsage, AccountID: acct.ID, Delta: 1})
	if signal.StatusTag != "" {
		w.Enqueue(writer.Op{
			Kind:      writer.KindUpdateRateLimitMeta,
			AccountID: acct.ID,
			StatusTag: signal.StatusTag,
			ResetAt:   signal.ResetAt,
			Remaining: signal.Remaining,
		})
	}
	if tier, ok := prov.ExtractTierInfo(resp); ok && tier != acct.Tier {
		w.Enqueue(writer.Op{Kind: writer.KindSetTier, AccountID: acct.ID, Tier: tier})
	}
	return Result{Verdict: Success, Status: resp.StatusCode}
}
