// Package chainexec implements a nonce-safe, multi-chain execution engine:
// it turns a policy- and compliance-approved payment into a
// broadcast transaction, tracking confirmations and never reusing a nonce
// against an in-flight transaction.
package chainexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome classifies how an execution attempt concluded.
type Outcome string

const (
	OutcomeBroadcastSuccess    Outcome = "broadcast_success"
	OutcomeBroadcastFailed     Outcome = "broadcast_failed"
	OutcomeConfirmationTimeout Outcome = "confirmation_timeout"
	OutcomeRevert              Outcome = "revert"
	OutcomeProviderUnavailable Outcome = "provider_unavailable"
)

// Retryable reports whether the orchestrator may safely retry the payment
// after this outcome without operator intervention.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeBroadcastFailed, OutcomeProviderUnavailable:
		return true
	default:
		return false
	}
}

// ErrProviderUnavailable marks a transient RPC/provider failure distinct
// from a broadcast rejection; the nonce is released either way, but callers
// distinguish the two for backoff/alerting purposes.
var ErrProviderUnavailable = errors.New("chainexec: provider unavailable")

// ErrReverted indicates the transaction was mined but executed with a
// failure status. This is terminal: the nonce is consumed and must not be
// reused, and the payment must not be retried automatically.
var ErrReverted = errors.New("chainexec: transaction reverted")

// Request is a single execution attempt's input.
type Request struct {
	MandateID   string
	Chain       string
	Sender      string
	Destination string
	AmountMinor int64
	Token       string
	GasCapWei   int64
}

// Result is the full outcome of Execute, including everything the ledger
// and reconciliation queue need to record.
type Result struct {
	Outcome         Outcome
	TxHash          string
	Nonce           uint64
	Confirmations   int
	BroadcastSuccess bool
	Err             error
}

// Confirmer waits for a transaction to reach the required confirmation
// depth, returning ErrReverted if it mined with a failure status.
type Confirmer interface {
	WaitForConfirmations(ctx context.Context, chain, txHash string, confirmations int) error
}

// Executor wires the nonce allocator, signer, and confirmation waiter
// together. One Executor instance is shared across all chains and senders;
// nonce isolation is per-(chain,sender) inside the allocator.
type Executor struct {
	nonces  *NonceAllocator
	signer  Signer
	sponsor *SponsorCapGuard
	tracer  trace.Tracer
	now     func() time.Time
}

// NewExecutor constructs an Executor. sponsor may be nil to disable gas
// sponsorship caps entirely (e.g. when the sender always pays their own gas).
func NewExecutor(nonces *NonceAllocator, signer Signer, sponsor *SponsorCapGuard) *Executor {
	return &Executor{
		nonces:  nonces,
		signer:  signer,
		sponsor: sponsor,
		tracer:  otel.Tracer("agentpay/chainexec"),
		now:     time.Now,
	}
}

// Execute runs construct → sign → broadcast → confirm for req. broadcast
// success flips Result.BroadcastSuccess to true the moment the signer
// returns a tx hash without error; everything after that point (confirmation
// timeout or revert) no longer touches the nonce, because it has already
// been irreversibly consumed on-chain.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	ctx, span := e.tracer.Start(ctx, "chainexec.Execute",
		trace.WithAttributes(
			attribute.String("mandate_id", req.MandateID),
			attribute.String("chain", req.Chain),
			attribute.String("sender", req.Sender),
		),
	)
	defer span.End()

	if e.sponsor != nil && req.GasCapWei > 0 {
		if err := e.sponsor.Reserve(req.Chain, req.GasCapWei); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sponsor cap exceeded")
			return Result{Outcome: OutcomeBroadcastFailed, Err: err}
		}
	}

	lease, err := e.nonces.Allocate(req.Chain, req.Sender)
	if err != nil {
		span.RecordError(err)
		return Result{Outcome: OutcomeBroadcastFailed, Err: err}
	}

	tx := UnsignedTx{
		Chain:       req.Chain,
		Sender:      req.Sender,
		Nonce:       lease.Nonce(),
		Destination: req.Destination,
		AmountMinor: req.AmountMinor,
		Token:       req.Token,
		GasCapWei:   req.GasCapWei,
	}

	broadcast, err := e.signer.Broadcast(ctx, tx)
	if err != nil {
		if e.sponsor != nil && req.GasCapWei > 0 {
			e.sponsor.Release(req.Chain, req.GasCapWei)
		}
		if errors.Is(err, ErrProviderUnavailable) {
			lease.Release()
			span.SetStatus(codes.Error, "provider unavailable")
			return Result{Outcome: OutcomeProviderUnavailable, Nonce: tx.Nonce, Err: err}
		}
		// Broadcast was rejected before entering the mempool: the nonce was
		// never consumed on-chain, so it is safe and necessary to reuse it.
		lease.Release()
		span.SetStatus(codes.Error, "broadcast failed")
		return Result{Outcome: OutcomeBroadcastFailed, Nonce: tx.Nonce, Err: err}
	}

	// The transaction is now in-flight on-chain. The nonce is consumed from
	// this point forward regardless of what happens next.
	lease.Finalize()
	slog.Info("chainexec: broadcast succeeded", "mandate_id", req.MandateID, "chain", req.Chain, "tx_hash", broadcast.TxHash, "nonce", tx.Nonce)

	confirmations := ConfirmationsFor(req.Chain)
	if err := e.signer.WaitForConfirmations(ctx, req.Chain, broadcast.TxHash, confirmations); err != nil {
		if errors.Is(err, ErrReverted) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reverted")
			return Result{
				Outcome:          OutcomeRevert,
				TxHash:           broadcast.TxHash,
				Nonce:            tx.Nonce,
				BroadcastSuccess: true,
				Err:              err,
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirmation timeout")
		return Result{
			Outcome:          OutcomeConfirmationTimeout,
			TxHash:           broadcast.TxHash,
			Nonce:            tx.Nonce,
			BroadcastSuccess: true,
			Err:              fmt.Errorf("chainexec: waiting for %d confirmations: %w", confirmations, err),
		}
	}

	return Result{
		Outcome:          OutcomeBroadcastSuccess,
		TxHash:           broadcast.TxHash,
		Nonce:            tx.Nonce,
		Confirmations:    confirmations,
		BroadcastSuccess: true,
	}
}
