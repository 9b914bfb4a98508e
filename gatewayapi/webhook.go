// Package gatewayapi exposes the HTTP surface: chi routing, JWT bearer
// auth on operator endpoints, webhook signature verification with replay
// dedup, and rate limiting, built on the gateway/middleware package.
package gatewayapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"

	"agentpay/store"
)

// ErrDuplicateWebhook indicates a (provider, event_id) pair already seen
// within the dedup window; callers should treat it as an idempotent 200.
var ErrDuplicateWebhook = errors.New("gatewayapi: duplicate webhook event")

// ErrInvalidSignature indicates the HMAC signature did not match.
var ErrInvalidSignature = errors.New("gatewayapi: invalid webhook signature")

// WebhookDedupTTL is how long a (provider, event_id) pair is remembered
// for deduplication.
const WebhookDedupTTL = 24 * time.Hour

// WebhookVerifier validates inbound webhook deliveries via HMAC-SHA256 over
// the raw body, using a constant-time comparison, and dedups by
// (provider, event_id) against the durable store.
type WebhookVerifier struct {
	db     *gorm.DB
	secret []byte
	now    func() time.Time
}

// NewWebhookVerifier constructs a WebhookVerifier with the given shared
// HMAC secret.
func NewWebhookVerifier(db *gorm.DB, secret string) *WebhookVerifier {
	return &WebhookVerifier{db: db, secret: []byte(secret), now: time.Now}
}

func (v *WebhookVerifier) sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature against body and, if valid, records
// (provider, eventID) for dedup. Returns ErrInvalidSignature,
// ErrDuplicateWebhook, or nil.
func (v *WebhookVerifier) Verify(ctx context.Context, provider, eventID, signatureHeader string, body []byte) error {
	expected := v.sign(body)
	provided := strings.TrimSpace(strings.TrimPrefix(signatureHeader, "sha256="))
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return ErrInvalidSignature
	}

	now := v.now()
	record := store.ProcessedWebhookEvent{
		Provider:   provider,
		EventID:    eventID,
		ReceivedAt: now,
		ExpiresAt:  now.Add(WebhookDedupTTL),
	}
	err := v.db.WithContext(ctx).Create(&record).Error
	if err == nil {
		return nil
	}
	if store.IsUniqueViolation(err) {
		// A row whose dedup window has lapsed is reclaimed for this delivery.
		res := v.db.WithContext(ctx).Model(&store.ProcessedWebhookEvent{}).
			Where("provider = ? AND event_id = ? AND expires_at <= ?", provider, eventID, now).
			Updates(map[string]interface{}{"received_at": now, "expires_at": record.ExpiresAt})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDuplicateWebhook
		}
		return nil
	}
	return err
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}
