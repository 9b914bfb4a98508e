package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentpay/ledger"
)

func newTestLedgerStore(t *testing.T) *DurableLedgerStore {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	return NewDurableLedgerStore(db)
}

func TestDurableLedgerStore_SaveAndGetEntry(t *testing.T) {
	s := newTestLedgerStore(t)
	ctx := context.Background()

	entry := ledger.Entry{
		TxID:      "tx-1",
		MandateID: "mandate-1",
		From:      "wallet-a",
		To:        "wallet-b",
		AmountStr: "10.000000",
		Currency:  "USDC",
		Chain:     "base",
		LeafHash:  []byte{0xde, 0xad, 0xbe, 0xef},
		LeafIndex: 0,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveEntry(ctx, entry))

	got, ok, err := s.GetEntry(ctx, "tx-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry.MandateID, got.MandateID)
	require.Equal(t, entry.LeafHash, got.LeafHash)
}

func TestDurableLedgerStore_AllLeafHashesOrdersByLeafIndex(t *testing.T) {
	s := newTestLedgerStore(t)
	ctx := context.Background()

	leaves := [][]byte{{0x01}, {0x02}, {0x03}}
	for i, leaf := range leaves {
		require.NoError(t, s.SaveEntry(ctx, ledger.Entry{
			TxID:      "tx-" + string(rune('a'+i)),
			MandateID: "mandate-" + string(rune('a'+i)),
			LeafHash:  leaf,
			LeafIndex: i,
			CreatedAt: time.Now().UTC(),
		}))
	}

	got, err := s.AllLeafHashes(ctx)
	require.NoError(t, err)
	require.Equal(t, leaves, got)
}

func TestDurableLedgerStore_GetEntryByMandateNotFound(t *testing.T) {
	s := newTestLedgerStore(t)
	_, ok, err := s.GetEntryByMandate(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDurableLedgerStore_SetAndGetState(t *testing.T) {
	s := newTestLedgerStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, "mandate-1", ledger.StateProcessing))
	state, ok, err := s.GetState(ctx, "mandate-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ledger.StateProcessing, state)

	require.NoError(t, s.SetState(ctx, "mandate-1", ledger.StateSettled))
	state, ok, err = s.GetState(ctx, "mandate-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ledger.StateSettled, state)
}
