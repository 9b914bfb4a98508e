package chainexec

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// UnsignedTx is the minimal shape a Signer needs to produce a signed,
// broadcastable transaction. Field set intentionally small: the Chain
// Executor owns nonce/gas-cap policy, the Signer only signs and broadcasts.
type UnsignedTx struct {
	Chain       string
	Sender      string
	Nonce       uint64
	Destination string
	AmountMinor int64
	Token       string
	GasCapWei   int64
}

// BroadcastResult is what a Signer returns after a successful broadcast.
type BroadcastResult struct {
	TxHash string
}

// Signer constructs, signs, and broadcasts a settlement transaction. Two
// variants are provided: an MPCSigner for production custody and a
// LocalSigner for development and testing.
type Signer interface {
	Broadcast(ctx context.Context, tx UnsignedTx) (BroadcastResult, error)
	WaitForConfirmations(ctx context.Context, chain, txHash string, confirmations int) error
}

// LocalSigner signs with an in-process private key. Dev-only: it logs a
// WARNING when used in a production environment.
type LocalSigner struct {
	key       *ecdsa.PrivateKey
	broadcast func(ctx context.Context, tx UnsignedTx, sig []byte) (string, error)
	confirm   func(ctx context.Context, chain, txHash string, confirmations int) error
	isProd    bool
}

// NewLocalSigner constructs a LocalSigner. isProduction must reflect the
// deployment's environment so the WARNING is emitted correctly.
func NewLocalSigner(key *ecdsa.PrivateKey, isProduction bool,
	broadcast func(ctx context.Context, tx UnsignedTx, sig []byte) (string, error),
	confirm func(ctx context.Context, chain, txHash string, confirmations int) error,
) *LocalSigner {
	if isProduction {
		slog.Warn("chainexec: LocalSigner in use in production; this signer holds raw key material in-process and is intended for development only")
	}
	return &LocalSigner{key: key, broadcast: broadcast, confirm: confirm, isProd: isProduction}
}

// Broadcast signs the transaction digest locally and delegates broadcasting
// to the configured callback (an RPC client in production wiring).
func (s *LocalSigner) Broadcast(ctx context.Context, tx UnsignedTx) (BroadcastResult, error) {
	if s.key == nil {
		return BroadcastResult{}, fmt.Errorf("chainexec: local signer has no key configured")
	}
	digest := gethcrypto.Keccak256(
		[]byte(tx.Chain), []byte(tx.Sender), []byte(tx.Destination),
		[]byte(fmt.Sprintf("%d", tx.Nonce)), []byte(fmt.Sprintf("%d", tx.AmountMinor)), []byte(tx.Token),
	)
	sig, err := gethcrypto.Sign(digest, s.key)
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("chainexec: sign: %w", err)
	}
	if s.broadcast == nil {
		return BroadcastResult{}, fmt.Errorf("chainexec: local signer has no broadcast callback configured")
	}
	hash, err := s.broadcast(ctx, tx, sig)
	if err != nil {
		return BroadcastResult{}, err
	}
	return BroadcastResult{TxHash: hash}, nil
}

// WaitForConfirmations delegates to the configured callback.
func (s *LocalSigner) WaitForConfirmations(ctx context.Context, chain, txHash string, confirmations int) error {
	if s.confirm == nil {
		return nil
	}
	return s.confirm(ctx, chain, txHash, confirmations)
}

// MPCSigner delegates signing to an external custody service shaped like
// Turnkey or Fireblocks: the executor never touches key material, only
// submits a sign-and-broadcast request and receives the transaction hash.
type MPCSigner struct {
	requestSign func(ctx context.Context, tx UnsignedTx) (BroadcastResult, error)
	confirm     func(ctx context.Context, chain, txHash string, confirmations int) error
}

// NewMPCSigner constructs an MPCSigner around the provider-specific
// sign-and-broadcast callback.
func NewMPCSigner(
	requestSign func(ctx context.Context, tx UnsignedTx) (BroadcastResult, error),
	confirm func(ctx context.Context, chain, txHash string, confirmations int) error,
) *MPCSigner {
	return &MPCSigner{requestSign: requestSign, confirm: confirm}
}

// Broadcast delegates to the MPC provider's sign-and-submit flow.
func (s *MPCSigner) Broadcast(ctx context.Context, tx UnsignedTx) (BroadcastResult, error) {
	if s.requestSign == nil {
		return BroadcastResult{}, fmt.Errorf("chainexec: mpc signer has no request callback configured")
	}
	return s.requestSign(ctx, tx)
}

// WaitForConfirmations delegates to the configured callback.
func (s *MPCSigner) WaitForConfirmations(ctx context.Context, chain, txHash string, confirmations int) error {
	if s.confirm == nil {
		return nil
	}
	return s.confirm(ctx, chain, txHash, confirmations)
}
