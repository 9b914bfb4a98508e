package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// AuditEntry is a single immutable record appended to the ring.
type AuditEntry struct {
	Sequence  uint64
	Phase     string
	MandateID string
	Data      map[string]interface{}
	At        time.Time
}

// AuditRing is a bounded ring buffer: once full, the oldest entry is
// dropped to make room for the newest.
type AuditRing struct {
	mu       sync.Mutex
	capacity int
	entries  []AuditEntry
	next     uint64
	warned   bool
	now      func() time.Time
}

// NewAuditRing constructs a ring with the given capacity (default 10,000 if
// capacity <= 0).
func NewAuditRing(capacity int) *AuditRing {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &AuditRing{capacity: capacity, now: time.Now}
}

// Append adds an entry, evicting the oldest if the ring is full, and logs a
// WARNING the first time occupancy reaches 90% capacity.
func (r *AuditRing) Append(phase, mandateID string, data map[string]interface{}) AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := AuditEntry{Sequence: r.next, Phase: phase, MandateID: mandateID, Data: data, At: r.now()}
	r.next++

	if len(r.entries) >= r.capacity {
		r.entries = append(r.entries[1:], entry)
	} else {
		r.entries = append(r.entries, entry)
	}

	if !r.warned && len(r.entries) >= (r.capacity*9)/10 {
		r.warned = true
		slog.Warn("eventbus: audit ring at or above 90% capacity, migrate to durable storage", "capacity", r.capacity, "size", len(r.entries))
	}

	return entry
}

// Snapshot returns a copy of the ring's current contents, oldest first.
func (r *AuditRing) Snapshot() []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AuditEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the current number of retained entries.
func (r *AuditRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
