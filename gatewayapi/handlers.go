package gatewayapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"agentpay/ledger"
	"agentpay/mandate"
	"agentpay/orchestrator"
	"agentpay/reconcile"
)

// ChainExecutor is the subset of *orchestrator.Orchestrator the HTTP layer
// depends on.
type ChainExecutor interface {
	ExecuteChain(ctx context.Context, bundle mandate.Bundle) orchestrator.Result
}

// ManualReviewResolver resolves a ledger entry stuck in manual_review.
type ManualReviewResolver interface {
	ResolveManualReview(ctx context.Context, mandateID string) error
}

// ReconciliationLister exposes pending reconciliation entries for operator review.
type ReconciliationLister interface {
	ListPending(ctx context.Context, limit int) ([]*reconcile.Pending, error)
}

// LedgerVerifier exposes the audit verification operation.
type LedgerVerifier interface {
	Verify(ctx context.Context, txID string) (ledger.VerifyResult, error)
}

// Handlers bundles the HTTP surface's dependencies, grouped by the
// resource each group implements.
type Handlers struct {
	Executor     ChainExecutor
	ManualReview ManualReviewResolver
	Reconcile    ReconciliationLister
	Ledger       LedgerVerifier
	Webhooks     *WebhookVerifier
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// PostExecuteChain handles POST /v1/payments/execute.
func (h *Handlers) PostExecuteChain(w http.ResponseWriter, r *http.Request) {
	var bundle mandate.Bundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result := h.Executor.ExecuteChain(r.Context(), bundle)
	status := http.StatusOK
	if result.Status == orchestrator.StatusRejected {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

// GetLedgerVerify handles GET /v1/ledger/{tx_id}/verify.
func (h *Handlers) GetLedgerVerify(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "tx_id")
	result, err := h.Ledger.Verify(r.Context(), txID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PostManualReviewResolve handles POST /v1/manual-review/{mandate_id}/resolve,
// an operator-only action requiring the "manual_review:resolve" JWT scope.
func (h *Handlers) PostManualReviewResolve(w http.ResponseWriter, r *http.Request) {
	mandateID := chi.URLParam(r, "mandate_id")
	if err := h.ManualReview.ResolveManualReview(r.Context(), mandateID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mandate_id": mandateID, "state": "settled"})
}

// GetReconciliationPending handles GET /v1/reconciliation/pending, an
// operator-only listing requiring the "reconciliation:read" JWT scope.
func (h *Handlers) GetReconciliationPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Reconcile.ListPending(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// PostWebhook handles POST /v1/webhooks/{provider}: HMAC verification with
// constant-time comparison and (provider, event_id)
// dedup. A duplicate is acknowledged as success (200) so providers don't
// retry indefinitely.
func (h *Handlers) PostWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	eventID := r.Header.Get("X-Event-Id")
	signature := r.Header.Get("X-Signature")
	if eventID == "" || signature == "" {
		writeError(w, http.StatusBadRequest, "missing event id or signature header")
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	switch err := h.Webhooks.Verify(r.Context(), provider, eventID, signature, body); err {
	case nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	case ErrDuplicateWebhook:
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case ErrInvalidSignature:
		writeError(w, http.StatusUnauthorized, "invalid signature")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// Healthz handles GET /healthz.
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
