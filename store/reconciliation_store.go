package store

import (
	"context"

	"gorm.io/gorm"

	"agentpay/reconcile"
)

// DurableReconciliationStore persists the Reconciliation Queue via GORM,
// satisfying reconcile.Store. Production deployments must use this backend
// rather than reconcile.MemoryStore, which loses pending entries on restart.
type DurableReconciliationStore struct {
	db *gorm.DB
}

// NewDurableReconciliationStore wraps db.
func NewDurableReconciliationStore(db *gorm.DB) *DurableReconciliationStore {
	return &DurableReconciliationStore{db: db}
}

func toRecord(p *reconcile.Pending) *PendingReconciliationRecord {
	return &PendingReconciliationRecord{
		ID:            p.ID,
		MandateID:     p.MandateID,
		ChainTxHash:   p.ChainTxHash,
		Chain:         p.Chain,
		AuditAnchor:   p.AuditAnchor,
		FromWallet:    p.From,
		ToWallet:      p.To,
		Amount:        p.AmountStr,
		Currency:      p.Currency,
		Subject:       p.Metadata.Subject,
		Issuer:        p.Metadata.Issuer,
		Domain:        p.Metadata.Domain,
		Purpose:       p.Metadata.Purpose,
		Status:        string(p.Status),
		Error:         p.Error,
		Attempts:      p.Attempts,
		NextAttemptAt: p.NextAttempt,
		CreatedAt:     p.EnqueuedAt,
	}
}

func fromRecord(r *PendingReconciliationRecord) *reconcile.Pending {
	p := &reconcile.Pending{
		ID:          r.ID,
		MandateID:   r.MandateID,
		ChainTxHash: r.ChainTxHash,
		Chain:       r.Chain,
		AuditAnchor: r.AuditAnchor,
		From:        r.FromWallet,
		To:          r.ToWallet,
		AmountStr:   r.Amount,
		Currency:    r.Currency,
		Error:       r.Error,
		Attempts:    r.Attempts,
		NextAttempt: r.NextAttemptAt,
		EnqueuedAt:  r.CreatedAt,
		Status:      reconcile.Status(r.Status),
		Metadata: reconcile.Metadata{
			Subject: r.Subject,
			Issuer:  r.Issuer,
			Domain:  r.Domain,
			Purpose: r.Purpose,
		},
	}
	return p
}

// Enqueue implements reconcile.Store.
func (s *DurableReconciliationStore) Enqueue(ctx context.Context, p *reconcile.Pending) error {
	return s.db.WithContext(ctx).Create(toRecord(p)).Error
}

// ListPending implements reconcile.Store.
func (s *DurableReconciliationStore) ListPending(ctx context.Context, limit int) ([]*reconcile.Pending, error) {
	q := s.db.WithContext(ctx).Where("status = ?", string(reconcile.StatusPending))
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []PendingReconciliationRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]*reconcile.Pending, 0, len(records))
	for i := range records {
		out = append(out, fromRecord(&records[i]))
	}
	return out, nil
}

// Get implements reconcile.Store.
func (s *DurableReconciliationStore) Get(ctx context.Context, id string) (*reconcile.Pending, error) {
	var rec PendingReconciliationRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, reconcile.ErrNotFound
		}
		return nil, err
	}
	return fromRecord(&rec), nil
}

// Update implements reconcile.Store.
func (s *DurableReconciliationStore) Update(ctx context.Context, p *reconcile.Pending) error {
	return s.db.WithContext(ctx).Model(&PendingReconciliationRecord{}).
		Where("id = ?", p.ID).
		Updates(map[string]interface{}{
			"status":          string(p.Status),
			"error":           p.Error,
			"attempts":        p.Attempts,
			"next_attempt_at": p.NextAttempt,
		}).Error
}
