package chainexec

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type scriptedSigner struct {
	broadcastErr  error
	txHash        string
	confirmErr    error
	broadcastCalls int
}

func (s *scriptedSigner) Broadcast(ctx context.Context, tx UnsignedTx) (BroadcastResult, error) {
	s.broadcastCalls++
	if s.broadcastErr != nil {
		return BroadcastResult{}, s.broadcastErr
	}
	return BroadcastResult{TxHash: s.txHash}, nil
}

func (s *scriptedSigner) WaitForConfirmations(ctx context.Context, chain, txHash string, confirmations int) error {
	return s.confirmErr
}

func TestExecute_BroadcastFailureReleasesNonceForReuse(t *testing.T) {
	signer := &scriptedSigner{broadcastErr: errors.New("nonce too low")}
	exec := NewExecutor(NewNonceAllocator(), signer, nil)

	result := exec.Execute(context.Background(), Request{MandateID: "m1", Chain: "base", Sender: "0xabc", Destination: "0xdef", AmountMinor: 100})
	require.Equal(t, OutcomeBroadcastFailed, result.Outcome)
	require.False(t, result.BroadcastSuccess)
	require.Equal(t, uint64(0), result.Nonce)

	signer.broadcastErr = nil
	signer.txHash = "0xsuccess"
	second := exec.Execute(context.Background(), Request{MandateID: "m2", Chain: "base", Sender: "0xabc", Destination: "0xdef", AmountMinor: 100})
	require.Equal(t, OutcomeBroadcastSuccess, second.Outcome)
	require.Equal(t, uint64(0), second.Nonce, "failed broadcast's nonce must be reused, not skipped")
}

func TestExecute_ConfirmationTimeoutRetainsNonce(t *testing.T) {
	signer := &scriptedSigner{txHash: "0xpending", confirmErr: errors.New("timed out waiting for confirmations")}
	exec := NewExecutor(NewNonceAllocator(), signer, nil)

	first := exec.Execute(context.Background(), Request{MandateID: "m1", Chain: "base", Sender: "0xabc", Destination: "0xdef", AmountMinor: 100})
	require.Equal(t, OutcomeConfirmationTimeout, first.Outcome)
	require.True(t, first.BroadcastSuccess, "a timed-out confirmation still followed a successful broadcast")
	require.Equal(t, uint64(0), first.Nonce)

	signer.confirmErr = nil
	second := exec.Execute(context.Background(), Request{MandateID: "m2", Chain: "base", Sender: "0xabc", Destination: "0xdef", AmountMinor: 100})
	require.Equal(t, OutcomeBroadcastSuccess, second.Outcome)
	require.Equal(t, uint64(1), second.Nonce, "timed-out confirmation must not free the nonce for reuse")
}

func TestExecute_RevertRetainsNonce(t *testing.T) {
	signer := &scriptedSigner{txHash: "0xreverted", confirmErr: ErrReverted}
	exec := NewExecutor(NewNonceAllocator(), signer, nil)

	first := exec.Execute(context.Background(), Request{MandateID: "m1", Chain: "base", Sender: "0xabc", Destination: "0xdef", AmountMinor: 100})
	require.Equal(t, OutcomeRevert, first.Outcome)
	require.True(t, first.BroadcastSuccess)

	signer.confirmErr = nil
	second := exec.Execute(context.Background(), Request{MandateID: "m2", Chain: "base", Sender: "0xabc", Destination: "0xdef", AmountMinor: 100})
	require.Equal(t, uint64(1), second.Nonce, "a reverted transaction consumed its nonce on-chain and must not be reused")
}

func TestExecute_ProviderUnavailableReleasesNonce(t *testing.T) {
	signer := &scriptedSigner{broadcastErr: ErrProviderUnavailable}
	exec := NewExecutor(NewNonceAllocator(), signer, nil)

	result := exec.Execute(context.Background(), Request{MandateID: "m1", Chain: "base", Sender: "0xabc", Destination: "0xdef", AmountMinor: 100})
	require.Equal(t, OutcomeProviderUnavailable, result.Outcome)
	require.True(t, result.Outcome.Retryable())

	signer.broadcastErr = nil
	signer.txHash = "0xok"
	second := exec.Execute(context.Background(), Request{MandateID: "m2", Chain: "base", Sender: "0xabc", Destination: "0xdef", AmountMinor: 100})
	require.Equal(t, uint64(0), second.Nonce)
}

func TestExecute_NoncesStrictlyIncreasePerChainAndSender(t *testing.T) {
	signer := &scriptedSigner{txHash: "0xok"}
	exec := NewExecutor(NewNonceAllocator(), signer, nil)

	r1 := exec.Execute(context.Background(), Request{MandateID: "m1", Chain: "base", Sender: "0xabc", Destination: "0xdef", AmountMinor: 100})
	r2 := exec.Execute(context.Background(), Request{MandateID: "m2", Chain: "base", Sender: "0xabc", Destination: "0xdef", AmountMinor: 100})
	r3 := exec.Execute(context.Background(), Request{MandateID: "m3", Chain: "polygon", Sender: "0xabc", Destination: "0xdef", AmountMinor: 100})

	require.Equal(t, uint64(0), r1.Nonce)
	require.Equal(t, uint64(1), r2.Nonce)
	require.Equal(t, uint64(0), r3.Nonce, "a different chain is an independent nonce sequence for the same sender")
}

func TestExecute_SponsorCapExceededBlocksBeforeNonceAllocation(t *testing.T) {
	signer := &scriptedSigner{txHash: "0xok"}
	sponsor := NewSponsorCapGuard(1_000, 1_000)
	exec := NewExecutor(NewNonceAllocator(), signer, sponsor)

	result := exec.Execute(context.Background(), Request{MandateID: "m1", Chain: "base", Sender: "0xabc", Destination: "0xdef", AmountMinor: 100, GasCapWei: 5_000})
	require.Equal(t, OutcomeBroadcastFailed, result.Outcome)
	require.ErrorIs(t, result.Err, ErrSponsorCapExceeded)
	require.Equal(t, 0, signer.broadcastCalls, "broadcast must never be attempted once the sponsor cap rejects the reservation")
}
