// Package identity implements the Agent Identity & Key Registry: the
// mapping from an agent identifier to its set of valid mandate-signing
// keys, with rotation and grace-period revocation.
package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// KeyStatus is the lifecycle state of a registered verification key.
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyRotating KeyStatus = "rotating"
	KeyRevoked  KeyStatus = "revoked"
)

// DefaultGracePeriod is how long a rotated-out key remains valid for
// signature verification before cleanup revokes it.
const DefaultGracePeriod = 24 * time.Hour

// Key is a single registered verification key for an agent.
type Key struct {
	KID         string
	PublicKey   ed25519.PublicKey
	Algorithm   string
	Status      KeyStatus
	RotatedAt   time.Time
	ExpiresAt   time.Time // zero means no explicit expiry
	GracePeriod time.Duration
}

// Valid reports whether the key may still be used to verify a signature at
// time now: active keys are valid until ExpiresAt (always, when it is zero);
// rotating keys are valid only within their grace period.
func (k Key) Valid(now time.Time) bool {
	switch k.Status {
	case KeyActive:
		return k.ExpiresAt.IsZero() || now.Before(k.ExpiresAt)
	case KeyRotating:
		grace := k.GracePeriod
		if grace <= 0 {
			grace = DefaultGracePeriod
		}
		return now.Before(k.RotatedAt.Add(grace))
	default:
		return false
	}
}

var (
	// ErrUnknownSubject is returned when the agent has no registered keys.
	ErrUnknownSubject = errors.New("identity: unknown subject")
	// ErrKeyExists is returned when registering a kid that already exists.
	ErrKeyExists = errors.New("identity: key already registered")
	// ErrNoActiveKey is returned when rotation is attempted with no active key.
	ErrNoActiveKey = errors.New("identity: no active key to rotate")
)

type agentRecord struct {
	keys map[string]*Key
}

// Registry is an in-memory, mutex-guarded identity & key store. It is used
// as-is in every profile: the gateway fills it from the configured agents at
// startup, and nothing loads it from the store package's agent tables.
type Registry struct {
	mu                 sync.RWMutex
	agents             map[string]*agentRecord
	allowMultipleActive bool
	now                 func() time.Time
}

// Option customises Registry construction.
type Option func(*Registry)

// WithAllowMultipleActive permits more than one active key per agent
// simultaneously (disabled by default: exactly one active key).
func WithAllowMultipleActive(allow bool) Option {
	return func(r *Registry) { r.allowMultipleActive = allow }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		agents: make(map[string]*agentRecord),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterKey adds a new active verification key for agentID.
func (r *Registry) RegisterKey(agentID, kid string, pub ed25519.PublicKey, algorithm string, expiresAt time.Time) error {
	if agentID == "" || kid == "" {
		return fmt.Errorf("identity: agent_id and kid required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		rec = &agentRecord{keys: make(map[string]*Key)}
		r.agents[agentID] = rec
	}
	if _, exists := rec.keys[kid]; exists {
		return ErrKeyExists
	}
	if !r.allowMultipleActive {
		for _, k := range rec.keys {
			if k.Status == KeyActive {
				return fmt.Errorf("identity: agent %s already has an active key; rotate instead", agentID)
			}
		}
	}
	rec.keys[kid] = &Key{
		KID:       kid,
		PublicKey: append(ed25519.PublicKey(nil), pub...),
		Algorithm: algorithm,
		Status:    KeyActive,
		RotatedAt: r.now(),
		ExpiresAt: expiresAt,
	}
	return nil
}

// RotateKey moves the current active key to state "rotating" (valid for its
// grace period) and registers newPub as the new active key.
func (r *Registry) RotateKey(agentID, newKID string, newPub ed25519.PublicKey, algorithm, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownSubject
	}
	now := r.now()
	foundActive := false
	for _, k := range rec.keys {
		if k.Status == KeyActive {
			k.Status = KeyRotating
			k.RotatedAt = now
			k.GracePeriod = DefaultGracePeriod
			foundActive = true
		}
	}
	if !foundActive && !r.allowMultipleActive {
		return ErrNoActiveKey
	}
	if _, exists := rec.keys[newKID]; exists {
		return ErrKeyExists
	}
	rec.keys[newKID] = &Key{
		KID:       newKID,
		PublicKey: append(ed25519.PublicKey(nil), newPub...),
		Algorithm: algorithm,
		Status:    KeyActive,
		RotatedAt: now,
	}
	return nil
}

// RevokeKey immediately revokes a specific key regardless of grace period,
// for compromise response.
func (r *Registry) RevokeKey(agentID, kid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownSubject
	}
	key, ok := rec.keys[kid]
	if !ok {
		return fmt.Errorf("identity: key %s not found for agent %s", kid, agentID)
	}
	key.Status = KeyRevoked
	return nil
}

// GetValidKeys returns every key in {active, rotating} for agentID, in a
// deterministic order (active keys first). Returns ErrUnknownSubject if the
// agent has never registered a key.
func (r *Registry) GetValidKeys(agentID string) ([]Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return nil, ErrUnknownSubject
	}
	now := r.now()
	out := make([]Key, 0, len(rec.keys))
	for _, k := range rec.keys {
		if k.Valid(now) {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status == KeyActive
		}
		return out[i].KID < out[j].KID
	})
	return out, nil
}

// CleanupExpired transitions rotating keys whose grace period has elapsed
// into the revoked state. Returns the count of keys revoked.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	revoked := 0
	for _, rec := range r.agents {
		for _, k := range rec.keys {
			if k.Status == KeyRotating && !k.Valid(now) {
				k.Status = KeyRevoked
				revoked++
			}
		}
	}
	return revoked
}

// Known reports whether agentID has ever registered a key (used by the
// verifier's unknown_subject check).
func (r *Registry) Known(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}
