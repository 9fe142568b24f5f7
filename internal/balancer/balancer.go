// Package balancer selects an ordered candidate list of accounts for a
// request: session-sticky first, then tier-weighted virtual-queue order
// for the remainder (spec.md 4.5).
//
// Grounded on the teacher's poolState.candidate (pool.go) for the overall
// shape (pin check, eligibility filter, scored pick), generalized from the
// teacher's float scoreAccountLocked heuristic to a per-account virtual-time
// deficit formula for testable weighting. The teacher's convPin map becomes
// the single global session leader this spec models; its round-robin rr
// cursor becomes the per-account served counter below.
package balancer

import (
	"sort"
	"sync"
	"time"

	"codex-pool-proxy/internal/model"
	"codex-pool-proxy/internal/writer"
)

// SessionTTL is the default window during which the session leader sticks.
const SessionTTL = 5 * time.Hour

// Balancer holds the process-wide session leader pointer and the per-account
// weighting counters. Both are small enough to live in memory; the leader is
// optionally checkpointed to bbolt so a restart doesn't immediately forget
// it.
type Balancer struct {
	sessionTTL time.Duration
	writer     *writer.Writer
	sessions   *SessionStore

	// ResetRequestCountOnClear enqueues a request_count reset alongside the
	// lazy rate-limit clear below, per spec.md 4.2/9's "request_count
	// resets on rate-limit clear" default policy. cmd/proxy sets this false
	// when config.ResetOnDayBoundary is configured instead.
	ResetRequestCountOnClear bool

	mu       sync.Mutex
	leaderID string
	leaderAt time.Time
	served   map[string]uint64
}

// New returns a Balancer. sessions may be nil if checkpointing is disabled.
func New(w *writer.Writer, sessions *SessionStore, ttl time.Duration) *Balancer {
	if ttl <= 0 {
		ttl = SessionTTL
	}
	b := &Balancer{
		sessionTTL:               ttl,
		writer:                   w,
		sessions:                 sessions,
		served:                   make(map[string]uint64),
		ResetRequestCountOnClear: true,
	}
	if sessions != nil {
		if id, at, ok := sessions.Load(); ok {
			b.leaderID, b.leaderAt = id, at
		}
	}
	return b
}

// Select returns accounts ordered for this request: the eligible session
// leader first (if any), then the remaining eligible accounts in
// tier-weighted virtual-queue order, LRU tie-broken. Ineligible accounts
// are dropped entirely. Lazy rate-limit clears discovered along the way are
// enqueued to the writer.
func (b *Balancer) Select(accounts []*model.Account, now time.Time) []*model.Account {
	eligible := make([]*model.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Paused {
			continue
		}
		if a.HasActiveRateLimit(now) {
			continue
		}
		if !a.RateLimitResetAt.IsZero() && !a.RateLimitResetAt.After(now) {
			b.writer.Enqueue(writer.Op{Kind: writer.KindClearRateLimit, AccountID: a.ID})
			if b.ResetRequestCountOnClear {
				b.writer.Enqueue(writer.Op{Kind: writer.KindResetRequestCount, AccountID: a.ID})
			}
		}
		if a.UnusableOAuth() {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil
	}

	b.mu.Lock()
	leaderID, leaderAt := b.leaderID, b.leaderAt

	var leader *model.Account
	rest := make([]*model.Account, 0, len(eligible))
	for _, a := range eligible {
		if a.ID == leaderID && leaderID != "" && now.Sub(leaderAt) < b.sessionTTL {
			leader = a
			continue
		}
		rest = append(rest, a)
	}

	sort.SliceStable(rest, func(i, j int) bool {
		vi := b.virtualTime(rest[i])
		vj := b.virtualTime(rest[j])
		if vi != vj {
			return vi < vj
		}
		return lruKey(rest[i]).Before(lruKey(rest[j]))
	})

	// The account actually dispatched next is whichever one ends up first
	// in the returned order: the leader if eligible, else the head of the
	// weighted rest. Bumping its served counter here (rather than on a
	// later RecordSuccess callback) keeps weighting correct even when the
	// orchestrator fails over past it, since a request was still spent on
	// it.
	winner := leader
	if winner == nil && len(rest) > 0 {
		winner = rest[0]
	}
	if winner != nil {
		b.served[winner.ID]++
	}
	b.mu.Unlock()

	if leader == nil {
		return rest
	}
	return append([]*model.Account{leader}, rest...)
}

// virtualTime returns a.served/a.tier: the weighted-fair-queuing deficit
// that determines dispatch order among non-leader candidates. Must be
// called with b.mu held.
func (b *Balancer) virtualTime(a *model.Account) float64 {
	t := float64(a.Tier)
	if t <= 0 {
		t = 1
	}
	return float64(b.served[a.ID]) / t
}

func lruKey(a *model.Account) time.Time {
	if a.SessionStart.IsZero() {
		return time.Unix(0, 0)
	}
	return a.SessionStart
}

// RecordSuccess is called by the orchestrator after a SUCCESS classification.
// If accountID is not already the live-and-in-window leader, it becomes the
// new leader with a fresh session_start; otherwise its session_start is left
// untouched, per spec.md 4.5 ("does not reset session_start").
func (b *Balancer) RecordSuccess(accountID string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.leaderID == accountID && now.Sub(b.leaderAt) < b.sessionTTL {
		return
	}
	b.leaderID = accountID
	b.leaderAt = now
	b.writer.Enqueue(writer.Op{Kind: writer.KindSetSessionLeader, AccountID: accountID, SessionStart: now})
	if b.sessions != nil {
		b.sessions.Save(accountID, now)
	}
}
