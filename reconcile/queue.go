// Package reconcile implements the reconciliation queue: a durable store
// of successful broadcasts whose confirmation timed out or whose ledger
// append failed, drained
// by a background worker that retries the append with exponential backoff.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Metadata preserves the fields the background worker needs to reconstruct a
// ledger entry without ever defaulting to agent:unknown.
type Metadata struct {
	Subject string
	Issuer  string
	Domain  string
	Purpose string
}

// Status is the lifecycle state of a single pending reconciliation entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusFailed   Status = "failed"
)

// Pending is a single queued reconciliation entry.
type Pending struct {
	ID           string
	MandateID    string
	ChainTxHash  string
	Chain        string
	AuditAnchor  string
	From         string
	To           string
	AmountStr    string
	Currency     string
	Error        string
	Metadata     Metadata
	Status       Status
	Attempts     int
	NextAttempt  time.Time
	EnqueuedAt   time.Time
	ResolvedAt   *time.Time
}

// Store is the durable backing for the queue. store.DurableReconciliationStore
// implements this against GORM; MemoryStore is the in-memory fallback.
type Store interface {
	Enqueue(ctx context.Context, p *Pending) error
	ListPending(ctx context.Context, limit int) ([]*Pending, error)
	Get(ctx context.Context, id string) (*Pending, error)
	Update(ctx context.Context, p *Pending) error
}

// MemoryStore is an in-memory Store. Constructing one while devMode is
// false logs a CRITICAL warning: queued reconciliation work
// is lost on restart, which in production means a settled on-chain payment
// could silently never reach the ledger.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Pending
}

// NewMemoryStore constructs a MemoryStore. devMode must reflect the real
// deployment environment.
func NewMemoryStore(devMode bool) *MemoryStore {
	if !devMode {
		slog.Error("reconcile: in-memory reconciliation store in use outside dev mode; queued entries will be lost on restart, silently abandoning settled on-chain payments")
	}
	return &MemoryStore{entries: make(map[string]*Pending)}
}

func (m *MemoryStore) Enqueue(ctx context.Context, p *Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[p.ID] = p
	return nil
}

func (m *MemoryStore) ListPending(ctx context.Context, limit int) ([]*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pending, 0, limit)
	for _, p := range m.entries {
		if p.Status != StatusPending {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[p.ID] = p
	return nil
}

// ErrNotFound is returned when a reconciliation entry id is unknown.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "reconcile: entry not found" }

// Queue is the operation surface: enqueue, list_pending,
// mark_resolved, mark_failed.
type Queue struct {
	store Store
	now   func() time.Time
}

// New constructs a Queue around store.
func New(store Store) *Queue {
	return &Queue{store: store, now: time.Now}
}

// Enqueue records a new pending reconciliation entry and returns its id.
func (q *Queue) Enqueue(ctx context.Context, p Pending) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = StatusPending
	p.EnqueuedAt = q.now()
	p.NextAttempt = q.now()
	if err := q.store.Enqueue(ctx, &p); err != nil {
		return "", err
	}
	return p.ID, nil
}

// ListPending returns up to limit entries still awaiting resolution.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]*Pending, error) {
	return q.store.ListPending(ctx, limit)
}

// MarkResolved transitions an entry to resolved, recording the resolution time.
func (q *Queue) MarkResolved(ctx context.Context, id string) error {
	p, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	now := q.now()
	p.Status = StatusResolved
	p.ResolvedAt = &now
	return q.store.Update(ctx, p)
}

// MarkFailed records a failed drain attempt, incrementing the attempt count
// and error, without altering the entry's pending status — the caller (the
// Worker) decides when to give up and escalate to manual_review.
func (q *Queue) MarkFailed(ctx context.Context, id string, reconErr string) error {
	p, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	p.Attempts++
	p.Error = reconErr
	return q.store.Update(ctx, p)
}
