package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"agentpay/reconcile"
)

type memStore struct {
	mu       sync.Mutex
	entries  map[string]Entry
	byMand   map[string]string
	receipts map[string]Receipt
	states   map[string]State
}

func newMemStore() *memStore {
	return &memStore{
		entries:  make(map[string]Entry),
		byMand:   make(map[string]string),
		receipts: make(map[string]Receipt),
		states:   make(map[string]State),
	}
}

func (m *memStore) SaveEntry(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.TxID] = e
	m.byMand[e.MandateID] = e.TxID
	return nil
}

func (m *memStore) SaveReceipt(ctx context.Context, r Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[r.TxID] = r
	return nil
}

func (m *memStore) GetEntry(ctx context.Context, txID string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[txID]
	return e, ok, nil
}

func (m *memStore) GetEntryByMandate(ctx context.Context, mandateID string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txID, ok := m.byMand[mandateID]
	if !ok {
		return Entry{}, false, nil
	}
	return m.entries[txID], true, nil
}

func (m *memStore) ListEntries(ctx context.Context, walletID string, limit, offset int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if walletID != "" && e.From != walletID && e.To != walletID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) SetState(ctx context.Context, mandateID string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[mandateID] = state
	return nil
}

func (m *memStore) GetState(ctx context.Context, mandateID string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[mandateID]
	return s, ok, nil
}

func TestAppend_ProducesVerifiableReceipt(t *testing.T) {
	store := newMemStore()
	l := New(store)

	entry, receipt, err := l.Append(context.Background(), AppendInput{
		MandateID: "m1", From: "0xa", To: "0xb", AmountStr: "10.000000", Currency: "USDC", Chain: "base", ChainTxHash: "0xhash1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, receipt.MerkleRootHex)

	result, err := l.Verify(context.Background(), entry.TxID)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.True(t, result.IsCurrentRoot)

	state, ok, err := store.GetState(context.Background(), "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateSettled, state)
}

func TestAppend_MultipleEntriesKeepEarlierProofsValid(t *testing.T) {
	store := newMemStore()
	l := New(store)

	entry1, _, err := l.Append(context.Background(), AppendInput{MandateID: "m1", From: "0xa", To: "0xb", AmountStr: "1.000000", Currency: "USDC", Chain: "base", ChainTxHash: "0x1"})
	require.NoError(t, err)
	_, _, err = l.Append(context.Background(), AppendInput{MandateID: "m2", From: "0xa", To: "0xc", AmountStr: "2.000000", Currency: "USDC", Chain: "base", ChainTxHash: "0x2"})
	require.NoError(t, err)
	_, _, err = l.Append(context.Background(), AppendInput{MandateID: "m3", From: "0xa", To: "0xd", AmountStr: "3.000000", Currency: "USDC", Chain: "base", ChainTxHash: "0x3"})
	require.NoError(t, err)

	result, err := l.Verify(context.Background(), entry1.TxID)
	require.NoError(t, err)
	require.True(t, result.Valid, "a proof generated against the root growth must still verify once more leaves are appended")
}

func TestVerify_TamperedAmountFailsLeafCheck(t *testing.T) {
	store := newMemStore()
	l := New(store)
	entry, _, err := l.Append(context.Background(), AppendInput{MandateID: "m1", From: "0xa", To: "0xb", AmountStr: "10.000000", Currency: "USDC", Chain: "base", ChainTxHash: "0xhash1"})
	require.NoError(t, err)

	tampered := store.entries[entry.TxID]
	tampered.AmountStr = "999999.000000"
	store.entries[entry.TxID] = tampered

	result, err := l.Verify(context.Background(), entry.TxID)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.False(t, result.Checks["leaf_matches"])
}

func TestManualReview_ResolveTransitionsToSettled(t *testing.T) {
	store := newMemStore()
	l := New(store)
	require.NoError(t, l.MarkManualReview(context.Background(), "m1"))

	err := l.ResolveManualReview(context.Background(), "m1")
	require.NoError(t, err)
	state, _, _ := store.GetState(context.Background(), "m1")
	require.Equal(t, StateSettled, state)
}

func TestManualReview_ResolveRejectsWrongState(t *testing.T) {
	store := newMemStore()
	l := New(store)
	require.NoError(t, l.MarkFailed(context.Background(), "m1"))

	err := l.ResolveManualReview(context.Background(), "m1")
	require.Error(t, err)
}

func TestEscalate_MarksManualReview(t *testing.T) {
	store := newMemStore()
	l := New(store)

	err := l.Escalate(context.Background(), &reconcile.Pending{MandateID: "m1"}, "retries exhausted")
	require.NoError(t, err)

	state, _, _ := store.GetState(context.Background(), "m1")
	require.Equal(t, StateManualReview, state)
}
