// Package orchestrator implements the idempotent pipeline binding the
// Mandate Verifier, Policy Engine, Compliance Gate, Chain Executor, and
// Canonical Ledger into the single execute_chain operation.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentpay/chainexec"
	"agentpay/compliance"
	"agentpay/decimal"
	"agentpay/eventbus"
	"agentpay/ledger"
	"agentpay/mandate"
	"agentpay/policy"
	"agentpay/reconcile"
)

// Status is the final, caller-visible outcome of execute_chain.
type Status string

const (
	StatusCompleted             Status = "completed"
	StatusRejected              Status = "rejected"
	StatusReconciliationPending Status = "reconciliation_pending"
)

// PendingReconciliationTxID is the sentinel ledger_tx_id used while a
// settlement awaits reconciliation.
const PendingReconciliationTxID = "PENDING_RECONCILIATION"

// Result is execute_chain's return value.
type Result struct {
	MandateID   string
	ChainTxHash string
	LedgerTxID  string
	Status      Status
	Reason      string
}

// inFlight tracks a single mandate_id's dispatch: either still running
// (Done unclosed) or completed (Result populated, Done closed). Once
// dispatch finishes, ExecuteChain evicts the entry unless the outcome is
// reconciliation_pending — a resubmission of a terminal (completed or
// rejected) mandate_id must re-enter VERIFY, not replay a memoized result.
type inFlight struct {
	done   chan struct{}
	result Result
}

// Orchestrator binds the pipeline components together and enforces
// exactly-once dispatch per mandate_id.
type Orchestrator struct {
	verifier   *mandate.Verifier
	policies   map[string]*policy.Engine // keyed by agent_id
	policiesMu sync.Mutex
	compliance *compliance.Gate
	executor   *chainexec.Executor
	ledger     *ledger.Ledger
	reconQueue *reconcile.Queue
	bus        *eventbus.Bus
	audit      *eventbus.AuditRing
	tracer     trace.Tracer

	mu       sync.Mutex
	inflight map[string]*inFlight
}

// PolicyLookup resolves the spending policy engine for an agent.
type PolicyLookup func(agentID string) (*policy.Engine, bool)

// New constructs an Orchestrator with no spending policies; each agent's
// engine is added afterwards with RegisterPolicy.
func New(
	verifier *mandate.Verifier,
	gate *compliance.Gate,
	executor *chainexec.Executor,
	ledg *ledger.Ledger,
	reconQueue *reconcile.Queue,
	bus *eventbus.Bus,
	audit *eventbus.AuditRing,
) *Orchestrator {
	return &Orchestrator{
		verifier:   verifier,
		policies:   make(map[string]*policy.Engine),
		compliance: gate,
		executor:   executor,
		ledger:     ledg,
		reconQueue: reconQueue,
		bus:        bus,
		audit:      audit,
		tracer:     otel.Tracer("agentpay/orchestrator"),
		inflight:   make(map[string]*inFlight),
	}
}

// RegisterPolicy wires an agent's Engine for use during POLICY phase.
func (o *Orchestrator) RegisterPolicy(agentID string, engine *policy.Engine) {
	o.policiesMu.Lock()
	defer o.policiesMu.Unlock()
	o.policies[agentID] = engine
}

func (o *Orchestrator) policyFor(agentID string) (*policy.Engine, bool) {
	o.policiesMu.Lock()
	defer o.policiesMu.Unlock()
	e, ok := o.policies[agentID]
	return e, ok
}

func (o *Orchestrator) emit(phase, mandateID string, data map[string]interface{}) {
	o.audit.Append(phase, mandateID, data)
	o.bus.Publish(eventbus.Event{Type: phase, Data: data})
}

// ExecuteChain runs VERIFY -> POLICY -> COMPLIANCE -> EXECUTE -> LEDGER ->
// COMPLETE for bundle, exactly once per bundle.Payment.MandateID for any
// concurrent dispatches in flight at the same time: callers that arrive
// while a dispatch is running await and share its result. A dispatch that
// lands on reconciliation_pending stays memoized indefinitely, since the
// settlement is still outstanding. A dispatch that lands on completed or
// rejected is evicted once it finishes, so a later resubmission of the
// same mandate_id re-enters VERIFY and is turned away by the replay cache
// instead of replaying a stale result.
func (o *Orchestrator) ExecuteChain(ctx context.Context, bundle mandate.Bundle) Result {
	mandateID := bundle.Payment.MandateID

	o.mu.Lock()
	if existing, ok := o.inflight[mandateID]; ok {
		o.mu.Unlock()
		<-existing.done
		return existing.result
	}
	entry := &inFlight{done: make(chan struct{})}
	o.inflight[mandateID] = entry
	o.mu.Unlock()

	result := o.dispatch(ctx, bundle)
	entry.result = result
	close(entry.done)

	if result.Status != StatusReconciliationPending {
		o.mu.Lock()
		if o.inflight[mandateID] == entry {
			delete(o.inflight, mandateID)
		}
		o.mu.Unlock()
	}

	return result
}

func (o *Orchestrator) dispatch(ctx context.Context, bundle mandate.Bundle) Result {
	mandateID := bundle.Payment.MandateID
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute_chain",
		trace.WithAttributes(attribute.String("mandate_id", mandateID)))
	defer span.End()

	// VERIFY
	verifyResult := o.verifier.VerifyChain(ctx, bundle)
	o.emit("verify", mandateID, map[string]interface{}{"accepted": verifyResult.Accepted, "reason": verifyResult.Reason})
	if !verifyResult.Accepted {
		span.SetStatus(codes.Error, verifyResult.Reason)
		return Result{MandateID: mandateID, Status: StatusRejected, Reason: verifyResult.Reason}
	}

	// POLICY
	engine, ok := o.policyFor(bundle.Intent.Subject)
	if !ok {
		o.emit("policy.rejected", mandateID, map[string]interface{}{"reason": "no_policy_registered"})
		return Result{MandateID: mandateID, Status: StatusRejected, Reason: "no_policy_registered"}
	}
	amount, err := policy.NormalizeAmount(bundle.Payment.Token, bundle.Payment.AmountMinor)
	if err != nil {
		o.emit("policy.rejected", mandateID, map[string]interface{}{"reason": "token_not_permitted"})
		return Result{MandateID: mandateID, Status: StatusRejected, Reason: "token_not_permitted"}
	}
	policyOK, policyReason := engine.ValidatePayment(amount, decimal.Zero(), bundle.Payment.MerchantDomain)
	if policyOK {
		policyOK, policyReason = engine.ValidateExecutionContext(bundle.Payment.Destination, bundle.Payment.Chain, bundle.Payment.Token)
	}
	o.emit("policy", mandateID, map[string]interface{}{"accepted": policyOK, "reason": policyReason})
	if !policyOK {
		o.emit("policy.rejected", mandateID, map[string]interface{}{"reason": policyReason})
		return Result{MandateID: mandateID, Status: StatusRejected, Reason: policyReason}
	}

	// COMPLIANCE — invoked exactly once, here.
	decision := o.compliance.Preflight(ctx, compliance.Mandate{
		AgentID:     bundle.Intent.Subject,
		AmountMinor: bundle.Payment.AmountMinor,
		Destination: bundle.Payment.Destination,
	})
	o.emit("compliance", mandateID, map[string]interface{}{"passed": decision.Passed, "reason": decision.Reason})
	if !decision.Passed {
		o.emit("compliance.blocked", mandateID, map[string]interface{}{"reason": decision.Reason})
		return Result{MandateID: mandateID, Status: StatusRejected, Reason: decision.Reason}
	}

	// EXECUTE
	execResult := o.executor.Execute(ctx, chainexec.Request{
		MandateID:   mandateID,
		Chain:       bundle.Payment.Chain,
		Sender:      bundle.Intent.Subject,
		Destination: bundle.Payment.Destination,
		AmountMinor: bundle.Payment.AmountMinor,
		Token:       bundle.Payment.Token,
	})
	o.emit("execute", mandateID, map[string]interface{}{"outcome": string(execResult.Outcome), "tx_hash": execResult.TxHash})
	if !execResult.BroadcastSuccess {
		_ = o.ledger.MarkFailed(ctx, mandateID)
		return Result{MandateID: mandateID, Status: StatusRejected, Reason: string(execResult.Outcome)}
	}

	// Spend must be recorded once broadcast succeeds, regardless of ledger
	// outcome: an unrecorded spend would violate the policy invariant, so a
	// RecordSpend failure is CRITICAL and propagates rather than being
	// swallowed.
	if err := engine.RecordSpend(amount); err != nil {
		slog.Error("orchestrator: CRITICAL record_spend failed after successful broadcast", "mandate_id", mandateID, "err", err)
		return Result{MandateID: mandateID, ChainTxHash: execResult.TxHash, Status: StatusRejected, Reason: fmt.Sprintf("record_spend_failed:%v", err)}
	}

	if execResult.Outcome == chainexec.OutcomeRevert {
		// Revert is a terminal failure: the transaction mined but executed
		// with a failure status. The nonce stays consumed, but there is
		// nothing to reconcile — the payment simply failed on-chain.
		if err := o.ledger.MarkFailed(ctx, mandateID); err != nil {
			slog.Error("orchestrator: failed to mark reverted mandate as ledger-failed", "mandate_id", mandateID, "err", err)
		}
		o.emit("revert", mandateID, map[string]interface{}{"tx_hash": execResult.TxHash})
		return Result{MandateID: mandateID, ChainTxHash: execResult.TxHash, Status: StatusRejected, Reason: string(execResult.Outcome)}
	}

	if execResult.Outcome != chainexec.OutcomeBroadcastSuccess {
		// confirmation_timeout: broadcast succeeded on-chain but confirmation
		// never arrived in this call. The outcome is still unknown, so the
		// payment goes to reconciliation rather than being marked failed.
		return o.enqueueReconciliation(ctx, bundle, execResult)
	}

	// LEDGER
	entry, _, err := o.ledger.Append(ctx, ledger.AppendInput{
		MandateID:   mandateID,
		From:        bundle.Intent.Subject,
		To:          bundle.Payment.Destination,
		AmountStr:   amount.String(),
		Currency:    bundle.Payment.Token,
		Chain:       bundle.Payment.Chain,
		ChainTxHash: execResult.TxHash,
	})
	if err != nil {
		slog.Error("orchestrator: ledger append failed after broadcast, enqueuing reconciliation", "mandate_id", mandateID, "err", err)
		return o.enqueueReconciliation(ctx, bundle, execResult)
	}

	// COMPLETE
	o.emit("complete", mandateID, map[string]interface{}{"ledger_tx_id": entry.TxID})
	return Result{
		MandateID:   mandateID,
		ChainTxHash: execResult.TxHash,
		LedgerTxID:  entry.TxID,
		Status:      StatusCompleted,
	}
}

func (o *Orchestrator) enqueueReconciliation(ctx context.Context, bundle mandate.Bundle, execResult chainexec.Result) Result {
	mandateID := bundle.Payment.MandateID
	amount, _ := policy.NormalizeAmount(bundle.Payment.Token, bundle.Payment.AmountMinor)
	_, err := o.reconQueue.Enqueue(ctx, reconcile.Pending{
		MandateID:   mandateID,
		ChainTxHash: execResult.TxHash,
		Chain:       bundle.Payment.Chain,
		From:        bundle.Intent.Subject,
		To:          bundle.Payment.Destination,
		AmountStr:   amount.String(),
		Currency:    bundle.Payment.Token,
		Metadata: reconcile.Metadata{
			Subject: bundle.Intent.Subject,
			Issuer:  bundle.Payment.Issuer,
			Domain:  bundle.Payment.Domain,
			Purpose: bundle.Payment.Purpose,
		},
	})
	if err != nil {
		slog.Error("orchestrator: failed to enqueue reconciliation entry", "mandate_id", mandateID, "err", err)
	}
	o.emit("reconciliation.enqueued", mandateID, map[string]interface{}{"tx_hash": execResult.TxHash})
	return Result{
		MandateID:   mandateID,
		ChainTxHash: execResult.TxHash,
		LedgerTxID:  PendingReconciliationTxID,
		Status:      StatusReconciliationPending,
	}
}
