package reconcile

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// LedgerAppender is the narrow collaborator the worker needs: retry the
// ledger append for a previously pending entry. Implemented by ledger.Ledger.
type LedgerAppender interface {
	AppendPending(ctx context.Context, p *Pending) error
}

// ManualReviewSink receives entries that exhausted their retry ceiling.
type ManualReviewSink interface {
	Escalate(ctx context.Context, p *Pending, reason string) error
}

// WorkerConfig configures the background drain loop.
type WorkerConfig struct {
	Interval     time.Duration // default 60s
	MaxAttempts  int           // retry ceiling before manual_review
	BackoffBase  time.Duration // base for exponential backoff between attempts
	BackoffCap   time.Duration
}

// Worker periodically drains the queue, retrying the ledger append for each
// pending entry and escalating to manual review after MaxAttempts failures.
type Worker struct {
	queue   *Queue
	ledger  LedgerAppender
	review  ManualReviewSink
	cfg     WorkerConfig
	now     func() time.Time
}

// NewWorker constructs a Worker with sane defaults applied to zero-valued
// WorkerConfig fields.
func NewWorker(queue *Queue, ledger LedgerAppender, review ManualReviewSink, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Minute
	}
	return &Worker{queue: queue, ledger: ledger, review: review, cfg: cfg, now: time.Now}
}

// Run drains the queue on cfg.Interval until ctx is cancelled, driven by its
// own ticker rather than by the scheduler package.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.DrainOnce(ctx)
		}
	}
}

// DrainOnce attempts a single pass over all pending entries whose backoff
// window has elapsed.
func (w *Worker) DrainOnce(ctx context.Context) {
	pending, err := w.queue.ListPending(ctx, 0)
	if err != nil {
		slog.Error("reconcile: list pending failed", "err", err)
		return
	}
	now := w.now()
	for _, p := range pending {
		if p.NextAttempt.After(now) {
			continue
		}
		w.attempt(ctx, p)
	}
}

func (w *Worker) attempt(ctx context.Context, p *Pending) {
	err := w.ledger.AppendPending(ctx, p)
	if err == nil {
		if markErr := w.queue.MarkResolved(ctx, p.ID); markErr != nil {
			slog.Error("reconcile: mark resolved failed", "id", p.ID, "err", markErr)
		}
		slog.Info("reconcile: drained pending entry", "id", p.ID, "mandate_id", p.MandateID)
		return
	}

	attempts := p.Attempts + 1
	if markErr := w.queue.MarkFailed(ctx, p.ID, err.Error()); markErr != nil {
		slog.Error("reconcile: mark failed failed", "id", p.ID, "err", markErr)
		return
	}
	p.Attempts = attempts
	p.Error = err.Error()
	if attempts >= w.cfg.MaxAttempts {
		slog.Error("reconcile: retry ceiling exhausted, escalating to manual review", "id", p.ID, "mandate_id", p.MandateID, "attempts", attempts)
		if w.review != nil {
			if escErr := w.review.Escalate(ctx, p, "reconciliation_retry_ceiling_exhausted"); escErr != nil {
				slog.Error("reconcile: escalation failed", "id", p.ID, "err", escErr)
			}
		}
		return
	}

	p.NextAttempt = w.now().Add(w.backoff(attempts))
	if updateErr := w.queue.store.Update(ctx, p); updateErr != nil {
		slog.Error("reconcile: schedule next attempt failed", "id", p.ID, "err", updateErr)
	}
	slog.Warn("reconcile: ledger append retry failed", "id", p.ID, "mandate_id", p.MandateID, "attempt", attempts, "err", err)
}

// backoff computes an exponential delay capped at cfg.BackoffCap:
// base * 2^(attempt-1).
func (w *Worker) backoff(attempt int) time.Duration {
	mult := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(w.cfg.BackoffBase) * mult)
	if delay > w.cfg.BackoffCap {
		return w.cfg.BackoffCap
	}
	return delay
}
