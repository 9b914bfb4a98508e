// Package ledger implements the canonical ledger: an append-only,
// Merkle-anchored record of settlements, exposing append,
// receipt issuance, lookup, and tamper-evidence verification.
package ledger

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentpay/merkle"
	"agentpay/reconcile"
)

// State is the per-mandate lifecycle state.
type State string

const (
	StateProcessing   State = "processing"
	StateSettled      State = "settled"
	StateFailed       State = "failed"
	StateManualReview State = "manual_review"
)

// Entry is one settlement recorded in the ledger.
type Entry struct {
	TxID        string
	MandateID   string
	From        string
	To          string
	AmountStr   string
	Currency    string
	Chain       string
	ChainTxHash string
	LeafHash    []byte
	LeafIndex   int
	CreatedAt   time.Time
}

// Receipt is issued alongside an Entry: the Merkle root at emit time plus an
// inclusion proof for the entry's leaf.
type Receipt struct {
	ReceiptID     string
	TxID          string
	MerkleRootHex string
	Proof         merkle.Proof
	CreatedAt     time.Time
}

// VerifyResult is the structured outcome of Verify.
type VerifyResult struct {
	Valid         bool
	Anchor        string
	ReceiptID     string
	MerkleRoot    string
	CurrentRoot   string
	IsCurrentRoot bool
	Checks        map[string]bool
}

// Store persists ledger entries, receipts, and mandate state durably.
// store.DurableLedgerStore implements this against GORM.
type Store interface {
	SaveEntry(ctx context.Context, e Entry) error
	SaveReceipt(ctx context.Context, r Receipt) error
	GetEntry(ctx context.Context, txID string) (Entry, bool, error)
	GetEntryByMandate(ctx context.Context, mandateID string) (Entry, bool, error)
	ListEntries(ctx context.Context, walletID string, limit, offset int) ([]Entry, error)
	SetState(ctx context.Context, mandateID string, state State) error
	GetState(ctx context.Context, mandateID string) (State, bool, error)
}

// Ledger is the append-only, Merkle-anchored settlement record.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	leaves [][]byte // in append order, mirrors persisted entries
	tree   merkle.Tree
	now    func() time.Time
}

// New constructs a Ledger backed by store. Existing leaves must be replayed
// into the in-memory tree via Rehydrate at startup.
func New(store Store) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	l.tree = merkle.Build(nil)
	return l
}

// Rehydrate rebuilds the in-memory Merkle tree from a durable store's leaf
// order at startup, since the tree itself is never persisted directly.
func (l *Ledger) Rehydrate(leaves [][]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leaves = append([][]byte{}, leaves...)
	l.tree = merkle.Build(l.leaves)
}

func leafHash(txID, mandateID, from, to, amountStr, currency, chain, chainTxHash string) []byte {
	h := sha256.New()
	for _, field := range []string{txID, mandateID, from, to, amountStr, currency, chain, chainTxHash} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// AppendInput is the minimal shape needed to append a settlement.
type AppendInput struct {
	MandateID   string
	From        string
	To          string
	AmountStr   string // canonical decimal string, never a float
	Currency    string
	Chain       string
	ChainTxHash string
}

// Append records a new settlement leaf under an exclusive lock so concurrent
// appends never interleave, then issues a Receipt over the updated tree.
// On success the mandate's state transitions processing -> settled.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (Entry, Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txID := uuid.NewString()
	leaf := leafHash(txID, in.MandateID, in.From, in.To, in.AmountStr, in.Currency, in.Chain, in.ChainTxHash)

	entry := Entry{
		TxID:        txID,
		MandateID:   in.MandateID,
		From:        in.From,
		To:          in.To,
		AmountStr:   in.AmountStr,
		Currency:    in.Currency,
		Chain:       in.Chain,
		ChainTxHash: in.ChainTxHash,
		LeafHash:    leaf,
		LeafIndex:   len(l.leaves),
		CreatedAt:   l.now(),
	}

	if err := l.store.SaveEntry(ctx, entry); err != nil {
		return Entry{}, Receipt{}, fmt.Errorf("ledger: save entry: %w", err)
	}

	l.leaves = append(l.leaves, leaf)
	l.tree = merkle.Build(l.leaves)
	proof, _ := l.tree.ProofFor(entry.LeafIndex)
	root := l.tree.Root()

	receipt := Receipt{
		ReceiptID:     uuid.NewString(),
		TxID:          txID,
		MerkleRootHex: fmt.Sprintf("%x", root),
		Proof:         proof,
		CreatedAt:     l.now(),
	}
	if err := l.store.SaveReceipt(ctx, receipt); err != nil {
		return Entry{}, Receipt{}, fmt.Errorf("ledger: save receipt: %w", err)
	}
	if err := l.store.SetState(ctx, in.MandateID, StateSettled); err != nil {
		return Entry{}, Receipt{}, fmt.Errorf("ledger: set state settled: %w", err)
	}

	return entry, receipt, nil
}

// AppendPending retries an append for a previously pending reconciliation
// entry, implementing reconcile.LedgerAppender. A successful call removes
// the entry from the Reconciliation Queue (the caller, reconcile.Worker,
// handles that); this method only performs the append itself.
func (l *Ledger) AppendPending(ctx context.Context, p *reconcile.Pending) error {
	_, _, err := l.Append(ctx, AppendInput{
		MandateID:   p.MandateID,
		From:        p.From,
		To:          p.To,
		AmountStr:   p.AmountStr,
		Currency:    p.Currency,
		Chain:       p.Chain,
		ChainTxHash: p.ChainTxHash,
	})
	return err
}

// MarkFailed transitions a mandate to the terminal failed state, for a
// broadcast that failed without ever reaching the chain.
func (l *Ledger) MarkFailed(ctx context.Context, mandateID string) error {
	return l.store.SetState(ctx, mandateID, StateFailed)
}

// MarkManualReview transitions a mandate to manual_review after
// reconciliation-retry exhaustion.
func (l *Ledger) MarkManualReview(ctx context.Context, mandateID string) error {
	return l.store.SetState(ctx, mandateID, StateManualReview)
}

// Escalate implements reconcile.ManualReviewSink: the queue worker calls
// this once a pending entry exhausts its retry ceiling.
func (l *Ledger) Escalate(ctx context.Context, p *reconcile.Pending, reason string) error {
	return l.MarkManualReview(ctx, p.MandateID)
}

// ResolveManualReview is the explicit operator action transitioning
// manual_review -> settled, recorded as a separate state event.
func (l *Ledger) ResolveManualReview(ctx context.Context, mandateID string) error {
	state, ok, err := l.store.GetState(ctx, mandateID)
	if err != nil {
		return err
	}
	if !ok || state != StateManualReview {
		return fmt.Errorf("ledger: mandate %s is not in manual_review", mandateID)
	}
	return l.store.SetState(ctx, mandateID, StateSettled)
}

// GetEntry returns the entry for a given tx_id.
func (l *Ledger) GetEntry(ctx context.Context, txID string) (Entry, bool, error) {
	return l.store.GetEntry(ctx, txID)
}

// ListEntries lists entries, optionally scoped to a wallet, newest first.
func (l *Ledger) ListEntries(ctx context.Context, walletID string, limit, offset int) ([]Entry, error) {
	return l.store.ListEntries(ctx, walletID, limit, offset)
}

// Verify recomputes an entry's leaf hash and checks it against the recorded
// proof and root.
func (l *Ledger) Verify(ctx context.Context, txID string) (VerifyResult, error) {
	entry, ok, err := l.store.GetEntry(ctx, txID)
	if err != nil {
		return VerifyResult{}, err
	}
	checks := map[string]bool{
		"proof_present":    false,
		"leaf_matches":     false,
		"root_matches":     false,
		"is_current_root":  false,
	}
	if !ok {
		return VerifyResult{Valid: false, Checks: checks}, nil
	}

	recomputed := leafHash(entry.TxID, entry.MandateID, entry.From, entry.To, entry.AmountStr, entry.Currency, entry.Chain, entry.ChainTxHash)
	leafMatches := string(recomputed) == string(entry.LeafHash)
	checks["leaf_matches"] = leafMatches

	l.mu.Lock()
	proof, hasProof := l.tree.ProofFor(entry.LeafIndex)
	currentRoot := l.tree.Root()
	l.mu.Unlock()
	checks["proof_present"] = hasProof

	rootMatches := false
	if hasProof {
		rootMatches = merkle.Verify(recomputed, proof, currentRoot)
	}
	checks["root_matches"] = rootMatches
	checks["is_current_root"] = rootMatches

	valid := leafMatches && hasProof && rootMatches
	return VerifyResult{
		Valid:         valid,
		Anchor:        "merkle::" + fmt.Sprintf("%x", currentRoot),
		ReceiptID:     entry.TxID,
		MerkleRoot:    fmt.Sprintf("%x", currentRoot),
		CurrentRoot:   fmt.Sprintf("%x", currentRoot),
		IsCurrentRoot: rootMatches,
		Checks:        checks,
	}, nil
}
