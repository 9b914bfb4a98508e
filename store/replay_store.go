package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// DurableReplayCache persists consumed mandate ids via GORM. This is the
// production-required backend: an in-memory cache alone would forget
// consumed mandate ids across a restart, reopening the replay window.
type DurableReplayCache struct {
	db *gorm.DB
}

// NewDurableReplayCache wraps db as a replay.Cache implementation.
func NewDurableReplayCache(db *gorm.DB) *DurableReplayCache {
	return &DurableReplayCache{db: db}
}

// CheckAndStore implements replay.Cache. It relies on the primary key
// uniqueness constraint on mandate_id: the insert either succeeds (first
// sighting) or fails with a constraint violation (replay), which avoids a
// check-then-insert race under concurrent callers.
func (c *DurableReplayCache) CheckAndStore(ctx context.Context, mandateID string, expiresAt time.Time) (bool, error) {
	rec := ReplayRecord{MandateID: mandateID, ExpiresAt: expiresAt, CreatedAt: time.Now().UTC()}
	err := c.db.WithContext(ctx).Create(&rec).Error
	if err == nil {
		return true, nil
	}
	if IsUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

// Cleanup removes replay records past their expiry.
func (c *DurableReplayCache) Cleanup(ctx context.Context, now time.Time) (int, error) {
	res := c.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&ReplayRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// IsUniqueViolation performs a best-effort, driver-agnostic check for a
// primary-key/unique-constraint violation across the sqlite and postgres
// drivers this store supports.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"UNIQUE constraint failed", "duplicate key value", "23505"} {
		if containsFold(msg, marker) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexFold(haystack, needle) >= 0)
}

func indexFold(haystack, needle string) int {
	h, n := []rune(haystack), []rune(needle)
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			hc, nc := h[i+j], n[j]
			if 'A' <= hc && hc <= 'Z' {
				hc += 'a' - 'A'
			}
			if 'A' <= nc && nc <= 'Z' {
				nc += 'a' - 'A'
			}
			if hc != nc {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
