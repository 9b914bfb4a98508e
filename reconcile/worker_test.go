package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flakyLedger struct {
	failures int
	appended []string
}

func (f *flakyLedger) AppendPending(ctx context.Context, p *Pending) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("ledger unavailable")
	}
	f.appended = append(f.appended, p.ID)
	return nil
}

type alwaysFailsLedger struct{}

func (alwaysFailsLedger) AppendPending(ctx context.Context, p *Pending) error {
	return errors.New("permanent failure")
}

type recordingReview struct {
	escalated []string
}

func (r *recordingReview) Escalate(ctx context.Context, p *Pending, reason string) error {
	r.escalated = append(r.escalated, p.ID)
	return nil
}

func TestQueue_EnqueueListMarkResolved(t *testing.T) {
	q := New(NewMemoryStore(true))
	id, err := q.Enqueue(context.Background(), Pending{
		MandateID: "m1", Chain: "base", AmountStr: "10.500000", Currency: "USDC",
		Metadata: Metadata{Subject: "agent:demo", Issuer: "issuer:x", Domain: "merchant.example", Purpose: "subscription"},
	})
	require.NoError(t, err)

	pending, err := q.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "agent:demo", pending[0].Metadata.Subject)

	require.NoError(t, q.MarkResolved(context.Background(), id))
	pending, err = q.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestWorker_DrainOnceResolvesOnSuccess(t *testing.T) {
	q := New(NewMemoryStore(true))
	id, err := q.Enqueue(context.Background(), Pending{MandateID: "m1", Metadata: Metadata{Subject: "agent:demo"}})
	require.NoError(t, err)

	ledger := &flakyLedger{}
	worker := NewWorker(q, ledger, nil, WorkerConfig{})
	worker.DrainOnce(context.Background())

	require.Equal(t, []string{id}, ledger.appended)
	pending, _ := q.ListPending(context.Background(), 10)
	require.Empty(t, pending)
}

func TestWorker_RetriesWithBackoffBeforeNextAttempt(t *testing.T) {
	q := New(NewMemoryStore(true))
	_, err := q.Enqueue(context.Background(), Pending{MandateID: "m1"})
	require.NoError(t, err)

	ledger := &flakyLedger{failures: 1}
	worker := NewWorker(q, ledger, nil, WorkerConfig{BackoffBase: time.Hour})
	worker.DrainOnce(context.Background())
	require.Empty(t, ledger.appended, "first attempt should fail")

	worker.DrainOnce(context.Background())
	require.Empty(t, ledger.appended, "retry should be deferred by backoff and not attempted yet")
}

func TestWorker_EscalatesToManualReviewAfterRetryCeiling(t *testing.T) {
	q := New(NewMemoryStore(true))
	id, err := q.Enqueue(context.Background(), Pending{MandateID: "m1"})
	require.NoError(t, err)

	review := &recordingReview{}
	worker := NewWorker(q, alwaysFailsLedger{}, review, WorkerConfig{MaxAttempts: 2, BackoffBase: time.Millisecond})

	worker.DrainOnce(context.Background())
	require.Empty(t, review.escalated)

	time.Sleep(5 * time.Millisecond)
	worker.DrainOnce(context.Background())
	require.Equal(t, []string{id}, review.escalated)
}
