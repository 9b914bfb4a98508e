package mandate

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// KeyLookup resolves an agent's currently valid verification keys, matching
// identity.Registry's GetValidKeys contract without importing that package
// (keeps mandate decoupled from persistence/registry choices, following the
// teacher's pattern of narrow collaborator interfaces, e.g.
// services/payoutd.Attestor).
type KeyLookup interface {
	GetValidKeys(agentID string) ([]VerifyKey, error)
	Known(agentID string) bool
}

// VerifyKey is the minimal shape the verifier needs from a registered key.
type VerifyKey struct {
	KID       string
	PublicKey ed25519.PublicKey
}

// ReplayChecker records mandate_id consumption, matching replay.Cache.
type ReplayChecker interface {
	CheckAndStore(ctx context.Context, mandateID string, expiresAt time.Time) (bool, error)
}

// Verifier validates individual mandates and full AP2 chains.
type Verifier struct {
	keys        KeyLookup
	replay      ReplayChecker
	allowedDomains map[string]struct{}
	now         func() time.Time
}

// Option customises Verifier construction.
type Option func(*Verifier)

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New constructs a Verifier. allowedDomains is the configured merchant
// domain allow-list; an empty list rejects every mandate.
func New(keys KeyLookup, replay ReplayChecker, allowedDomains []string, opts ...Option) *Verifier {
	v := &Verifier{
		keys:           keys,
		replay:         replay,
		allowedDomains: make(map[string]struct{}, len(allowedDomains)),
		now:            time.Now,
	}
	for _, d := range allowedDomains {
		v.allowedDomains[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Verifier) domainAllowed(domain string) bool {
	_, ok := v.allowedDomains[strings.ToLower(strings.TrimSpace(domain))]
	return ok
}

// verifyCommon runs the environment-independent checks shared by every
// mandate type: expiry, domain allow-list, subject resolution, and replay.
// It is a pure function of its inputs and the current key registry/replay
// state.
func (v *Verifier) verifyCommon(ctx context.Context, env Envelope) (ok bool, reason string) {
	if strings.TrimSpace(env.MandateID) == "" {
		return false, fmt.Sprintf(ReasonInvalidPayloadFmt, "mandate_id")
	}
	if strings.TrimSpace(env.Subject) == "" {
		return false, fmt.Sprintf(ReasonInvalidPayloadFmt, "subject")
	}
	if env.ExpiresAt <= v.now().Unix() {
		return false, expiredReasonFor(env.Type)
	}
	if !v.domainAllowed(env.Domain) {
		return false, ReasonDomainNotAllowed
	}
	if !v.keys.Known(env.Subject) {
		return false, ReasonUnknownSubject
	}
	fresh, err := v.replay.CheckAndStore(ctx, env.MandateID, time.Unix(env.ExpiresAt, 0))
	if err != nil || !fresh {
		return false, ReasonReplayDetected
	}
	return true, ""
}

// canonicalFields joins the literal "|"-separated signing payload.
func canonicalFields(parts ...string) []byte {
	return []byte(strings.Join(parts, "|"))
}

func (v *Verifier) verifySignature(env Envelope, signedFields []string) (bool, string) {
	keys, err := v.keys.GetValidKeys(env.Subject)
	if err != nil || len(keys) == 0 {
		return false, ReasonUnknownSubject
	}
	payload := canonicalFields(append([]string{env.Domain, env.Nonce, env.Purpose}, signedFields...)...)
	for _, k := range keys {
		if k.KID != env.Proof.VerificationMethod {
			continue
		}
		if ed25519.Verify(k.PublicKey, payload, env.Proof.Signature) {
			return true, ""
		}
	}
	// Also accept the first key that verifies even if the kid hint doesn't
	// match exactly: a verifier must check a signature against all valid
	// keys and accept the first that verifies.
	for _, k := range keys {
		if ed25519.Verify(k.PublicKey, payload, env.Proof.Signature) {
			return true, ""
		}
	}
	return false, ReasonSignatureInvalid
}

// VerifyIntent validates a standalone Intent mandate.
func (v *Verifier) VerifyIntent(ctx context.Context, intent Intent) Result {
	if ok, reason := v.verifyCommon(ctx, intent.Envelope); !ok {
		return Result{Accepted: false, Reason: reason}
	}
	fields := []string{
		intent.MandateID,
		intent.Subject,
		strconv.FormatInt(intent.MaxAmountMinor, 10),
		intent.Token,
		intent.Chain,
	}
	if ok, reason := v.verifySignature(intent.Envelope, fields); !ok {
		return Result{Accepted: false, Reason: reason}
	}
	return Result{Accepted: true}
}

// VerifyCart validates a standalone Cart mandate.
func (v *Verifier) VerifyCart(ctx context.Context, cart Cart) Result {
	if ok, reason := v.verifyCommon(ctx, cart.Envelope); !ok {
		return Result{Accepted: false, Reason: reason}
	}
	fields := []string{
		cart.MandateID,
		cart.Subject,
		cart.MerchantDomain,
		strconv.FormatInt(cart.SubtotalMinor, 10),
		strconv.FormatInt(cart.TaxesMinor, 10),
	}
	if ok, reason := v.verifySignature(cart.Envelope, fields); !ok {
		return Result{Accepted: false, Reason: reason}
	}
	return Result{Accepted: true}
}

// VerifyPayment validates a standalone Payment mandate, including the V1/V2
// signed-payload distinction.
func (v *Verifier) VerifyPayment(ctx context.Context, payment Payment) Result {
	if ok, reason := v.verifyCommon(ctx, payment.Envelope); !ok {
		return Result{Accepted: false, Reason: reason}
	}
	if strings.TrimSpace(payment.MerchantDomain) == "" {
		return Result{Accepted: false, Reason: ReasonPaymentMissingMerchant}
	}
	if payment.Proof.Version != SignatureV2 {
		// A V1-format signature is rejected even if cryptographically valid
		// against the shorter (pre-merchant_domain) payload.
		return Result{Accepted: false, Reason: ReasonSignatureInvalid}
	}
	fields := []string{
		payment.MandateID,
		payment.Subject,
		strconv.FormatInt(payment.AmountMinor, 10),
		payment.Token,
		payment.Chain,
		payment.Destination,
		payment.MerchantDomain,
		payment.AuditHash,
	}
	if ok, reason := v.verifySignature(payment.Envelope, fields); !ok {
		return Result{Accepted: false, Reason: reason}
	}
	return Result{Accepted: true}
}

// VerifyChain validates the full AP2 bundle: each mandate individually, plus
// the cross-mandate linkage invariants between them.
func (v *Verifier) VerifyChain(ctx context.Context, bundle Bundle) Result {
	if res := v.VerifyIntent(ctx, bundle.Intent); !res.Accepted {
		return res
	}
	if res := v.VerifyCart(ctx, bundle.Cart); !res.Accepted {
		return res
	}
	if res := v.VerifyPayment(ctx, bundle.Payment); !res.Accepted {
		return res
	}
	if bundle.Intent.Subject != bundle.Cart.Subject || bundle.Cart.Subject != bundle.Payment.Subject {
		return Result{Accepted: false, Reason: ReasonSubjectMismatch}
	}
	if bundle.Intent.Domain != bundle.Cart.Domain || bundle.Cart.Domain != bundle.Payment.Domain {
		return Result{Accepted: false, Reason: ReasonSubjectMismatch}
	}
	if bundle.Cart.MerchantDomain != bundle.Payment.MerchantDomain {
		return Result{Accepted: false, Reason: ReasonMerchantDomainMismatch}
	}
	if bundle.Cart.SubtotalMinor+bundle.Cart.TaxesMinor != bundle.Payment.AmountMinor {
		return Result{Accepted: false, Reason: ReasonAmountMismatch}
	}
	out := bundle
	return Result{Accepted: true, Chain: &out}
}
