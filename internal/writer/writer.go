// Package writer is the single-consumer async write queue that absorbs the
// account-store mutations off the request path (spec.md 4.3). Account
// insertion and the admin API's account deletion do not go through it.
//
// Grounded on the teacher's ticker-driven startUsagePoller (usage_tracking.go)
// for the periodic-drain goroutine shape, and on storage.go's
// single-owner-of-the-database pattern, generalized from "one update call
// per record" to "one transaction per batch."
package writer

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"codex-pool-proxy/internal/model"
	"codex-pool-proxy/internal/store"
)

// Kind discriminates the op variants the writer understands.
type Kind int

const (
	KindIncrementUsage Kind = iota
	KindResetRequestCount
	KindMarkRateLimited
	KindClearRateLimit
	KindUpdateRateLimitMeta
	KindUpdateTokens
	KindSetTier
	KindSetPaused
	KindRename
	KindUpdateRateLimitOverride
	KindSetSessionLeader
	KindInsertUsageRecord
)

// Op is one queued mutation. Only the fields relevant to Kind are set.
type Op struct {
	Kind      Kind
	AccountID string

	Delta int // KindIncrementUsage

	ResetAt   time.Time // KindMarkRateLimited, KindUpdateRateLimitMeta
	StatusTag string    // KindUpdateRateLimitMeta
	Remaining *int      // KindUpdateRateLimitMeta

	AccessToken  string // KindUpdateTokens
	ExpiresAt    time.Time
	RefreshToken string

	Tier   model.Tier // KindSetTier
	Paused bool       // KindSetPaused
	Name   string     // KindRename

	Override *model.RateLimitOverride // KindUpdateRateLimitOverride

	SessionStart time.Time // KindSetSessionLeader

	Record *model.UsageRecord // KindInsertUsageRecord
}

// critical ops are never coalesced or dropped, and are retried indefinitely
// on commit failure rather than the usual bounded 3x backoff.
func (o Op) critical() bool {
	return o.Kind == KindUpdateTokens
}

// coalescable ops of the same kind+account merge into one pending op.
func (o Op) coalescable() bool {
	return o.Kind == KindIncrementUsage
}

const (
	defaultFlushInterval = 100 * time.Millisecond
	defaultBatchSize     = 64
	defaultHighWater     = 4096
	defaultShutdownGrace = 5 * time.Second
)

var retryBackoff = []time.Duration{10 * time.Millisecond, 40 * time.Millisecond, 160 * time.Millisecond}

// Writer is the single background consumer of queued Ops.
type Writer struct {
	store *store.Store

	flushInterval time.Duration
	batchSize     int
	highWater     int
	shutdownGrace time.Duration

	mu      sync.Mutex
	pending []Op
	usageIx map[string]int // accountID -> index into pending, for coalescing

	enqueueCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Options configures a Writer; a zero value yields spec.md's defaults.
type Options struct {
	FlushInterval time.Duration
	BatchSize     int
	HighWater     int
	ShutdownGrace time.Duration
}

// New creates a Writer bound to st. Call Run to start the consumer
// goroutine.
func New(st *store.Store, opts Options) *Writer {
	w := &Writer{
		store:         st,
		flushInterval: orDefault(opts.FlushInterval, defaultFlushInterval),
		batchSize:     orDefaultInt(opts.BatchSize, defaultBatchSize),
		highWater:     orDefaultInt(opts.HighWater, defaultHighWater),
		shutdownGrace: orDefault(opts.ShutdownGrace, defaultShutdownGrace),
		usageIx:       make(map[string]int),
		enqueueCh:     make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	return w
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func orDefaultInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Enqueue adds op to the pending batch. Non-blocking. A coalescable op
// (usage increment) for an account that already has one pending is always
// merged into it. When the queue is at the high-water mark, a usage
// increment for an account with none pending is dropped and logged. All
// other ops, rate-limit marks and token rotations included, are always
// appended and never dropped.
func (w *Writer) Enqueue(op Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if op.coalescable() {
		if ix, ok := w.usageIx[op.AccountID]; ok {
			w.pending[ix].Delta += op.Delta
			w.signal()
			return
		}
		if len(w.pending) >= w.highWater {
			log.Printf("writer: queue at high water (%d), dropping coalescable usage op for %s", w.highWater, op.AccountID)
			return
		}
		w.usageIx[op.AccountID] = len(w.pending)
		w.pending = append(w.pending, op)
		w.signal()
		return
	}

	w.pending = append(w.pending, op)
	w.signal()
}

func (w *Writer) signal() {
	select {
	case w.enqueueCh <- struct{}{}:
	default:
	}
}

// Run drains the queue until Shutdown is called. It must run in its own
// goroutine.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.drain(ctx)
		case <-w.enqueueCh:
			if w.pendingLen() >= w.batchSize {
				w.drain(ctx)
			}
		case <-w.stopCh:
			w.drainWithGrace()
			return
		}
	}
}

func (w *Writer) pendingLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Shutdown signals drain-and-stop and blocks until the worker exits or the
// grace window elapses.
func (w *Writer) Shutdown() {
	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-time.After(w.shutdownGrace):
		log.Printf("writer: shutdown grace window elapsed with ops still pending")
	}
}

func (w *Writer) drainWithGrace() {
	deadline := time.Now().Add(w.shutdownGrace)
	for w.pendingLen() > 0 && time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		w.drain(ctx)
		cancel()
	}
}

func (w *Writer) drain(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.usageIx = make(map[string]int)
	w.mu.Unlock()

	normal, critical := splitCritical(batch)
	if len(normal) > 0 {
		w.commitWithBackoff(ctx, normal, retryBackoff)
	}
	for _, op := range critical {
		w.commitCriticalIndefinitely(ctx, op)
	}
}

func splitCritical(batch []Op) (normal, critical []Op) {
	for _, op := range batch {
		if op.critical() {
			critical = append(critical, op)
		} else {
			normal = append(normal, op)
		}
	}
	return normal, critical
}

func (w *Writer) commitWithBackoff(ctx context.Context, ops []Op, backoffs []time.Duration) {
	var lastErr error
	for attempt := 0; attempt <= len(backoffs); attempt++ {
		if attempt > 0 {
			time.Sleep(backoffs[attempt-1])
		}
		if err := w.applyBatch(ops); err != nil {
			lastErr = err
			continue
		}
		return
	}
	log.Printf("writer: batch of %d ops failed after retries, dropping: %v", len(ops), lastErr)
}

func (w *Writer) commitCriticalIndefinitely(ctx context.Context, op Op) {
	for {
		if err := w.applyBatch([]Op{op}); err != nil {
			log.Printf("writer: critical op for account %s failed, retrying: %v", op.AccountID, err)
			select {
			case <-ctx.Done():
				time.Sleep(time.Second)
			case <-time.After(time.Second):
			}
			continue
		}
		return
	}
}

func (w *Writer) applyBatch(ops []Op) error {
	tx, err := w.store.DB().Begin()
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := applyOp(tx, op); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func applyOp(tx *sql.Tx, op Op) error {
	switch op.Kind {
	case KindIncrementUsage:
		return store.IncrementUsageTx(tx, op.AccountID, op.Delta)
	case KindResetRequestCount:
		return store.ResetRequestCountTx(tx, op.AccountID)
	case KindMarkRateLimited:
		return store.MarkRateLimitedTx(tx, op.AccountID, op.ResetAt)
	case KindClearRateLimit:
		return store.ClearRateLimitTx(tx, op.AccountID)
	case KindUpdateRateLimitMeta:
		return store.UpdateRateLimitMetaTx(tx, op.AccountID, op.StatusTag, op.ResetAt, op.Remaining)
	case KindUpdateTokens:
		return store.UpdateTokensTx(tx, op.AccountID, op.AccessToken, op.ExpiresAt, op.RefreshToken)
	case KindSetTier:
		return store.SetTierTx(tx, op.AccountID, op.Tier)
	case KindSetPaused:
		return store.SetPausedTx(tx, op.AccountID, op.Paused)
	case KindRename:
		return store.RenameTx(tx, op.AccountID, op.Name)
	case KindUpdateRateLimitOverride:
		return store.UpdateRateLimitOverrideTx(tx, op.AccountID, op.Override)
	case KindSetSessionLeader:
		return store.SetSessionLeaderTx(tx, op.AccountID, op.SessionStart)
	case KindInsertUsageRecord:
		return store.InsertUsageRecordTx(tx, op.Record)
	default:
		return nil
	}
}
