package store

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agentpay/ledger"
)

// DurableLedgerStore persists ledger entries, receipts, and mandate states
// via GORM, satisfying ledger.Store.
type DurableLedgerStore struct {
	db *gorm.DB
}

// NewDurableLedgerStore wraps db.
func NewDurableLedgerStore(db *gorm.DB) *DurableLedgerStore {
	return &DurableLedgerStore{db: db}
}

// SaveEntry implements ledger.Store.
func (s *DurableLedgerStore) SaveEntry(ctx context.Context, e ledger.Entry) error {
	rec := LedgerEntryRecord{
		TxID:        e.TxID,
		MandateID:   e.MandateID,
		FromWallet:  e.From,
		ToWallet:    e.To,
		AmountStr:   e.AmountStr,
		Currency:    e.Currency,
		Chain:       e.Chain,
		ChainTxHash: e.ChainTxHash,
		LeafHash:    fmt.Sprintf("%x", e.LeafHash),
		LeafIndex:   int64(e.LeafIndex),
		CreatedAt:   e.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// SaveReceipt implements ledger.Store.
func (s *DurableLedgerStore) SaveReceipt(ctx context.Context, r ledger.Receipt) error {
	proofJSON, err := json.Marshal(r.Proof)
	if err != nil {
		return fmt.Errorf("store: marshal proof: %w", err)
	}
	rec := ReceiptRecord{
		ReceiptID:        r.ReceiptID,
		TxID:             r.TxID,
		MerkleRootAtEmit: r.MerkleRootHex,
		MerkleProof:      string(proofJSON),
		CreatedAt:        r.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

func entryFromRecord(r LedgerEntryRecord) ledger.Entry {
	var leafHash []byte
	fmt.Sscanf(r.LeafHash, "%x", &leafHash)
	return ledger.Entry{
		TxID:        r.TxID,
		MandateID:   r.MandateID,
		From:        r.FromWallet,
		To:          r.ToWallet,
		AmountStr:   r.AmountStr,
		Currency:    r.Currency,
		Chain:       r.Chain,
		ChainTxHash: r.ChainTxHash,
		LeafHash:    leafHash,
		LeafIndex:   int(r.LeafIndex),
		CreatedAt:   r.CreatedAt,
	}
}

// GetEntry implements ledger.Store.
func (s *DurableLedgerStore) GetEntry(ctx context.Context, txID string) (ledger.Entry, bool, error) {
	var rec LedgerEntryRecord
	err := s.db.WithContext(ctx).Where("tx_id = ?", txID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return entryFromRecord(rec), true, nil
}

// GetEntryByMandate implements ledger.Store.
func (s *DurableLedgerStore) GetEntryByMandate(ctx context.Context, mandateID string) (ledger.Entry, bool, error) {
	var rec LedgerEntryRecord
	err := s.db.WithContext(ctx).Where("mandate_id = ?", mandateID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return entryFromRecord(rec), true, nil
}

// ListEntries implements ledger.Store.
func (s *DurableLedgerStore) ListEntries(ctx context.Context, walletID string, limit, offset int) ([]ledger.Entry, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if walletID != "" {
		q = q.Where("from_wallet = ? OR to_wallet = ?", walletID, walletID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var records []LedgerEntryRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Entry, 0, len(records))
	for _, r := range records {
		out = append(out, entryFromRecord(r))
	}
	return out, nil
}

// AllLeafHashes returns every recorded leaf hash ordered by leaf_index, for
// replaying into ledger.Ledger.Rehydrate at startup.
func (s *DurableLedgerStore) AllLeafHashes(ctx context.Context) ([][]byte, error) {
	var records []LedgerEntryRecord
	if err := s.db.WithContext(ctx).Order("leaf_index ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(records))
	for _, r := range records {
		out = append(out, entryFromRecord(r).LeafHash)
	}
	return out, nil
}

// SetState implements ledger.Store.
func (s *DurableLedgerStore) SetState(ctx context.Context, mandateID string, state ledger.State) error {
	rec := MandateStateRecord{MandateID: mandateID, State: string(state)}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "mandate_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		}).
		Create(&rec).Error
}

// GetState implements ledger.Store.
func (s *DurableLedgerStore) GetState(ctx context.Context, mandateID string) (ledger.State, bool, error) {
	var rec MandateStateRecord
	err := s.db.WithContext(ctx).Where("mandate_id = ?", mandateID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ledger.State(rec.State), true, nil
}
