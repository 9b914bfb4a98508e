// Package mandate implements the AP2 Mandate Verifier: signature, freshness,
// subject/domain binding, and chain-linkage validation for the
// Intent -> Cart -> Payment mandate chain, plus the x402 challenge/response
// and TAP agent-identity envelope checks.
//
// Mandates are tagged variants (Intent | Cart | Payment) with per-variant
// fields rather than a shared dictionary.
package mandate

// Type identifies which mandate variant an Envelope carries.
type Type string

const (
	TypeIntent  Type = "intent"
	TypeCart    Type = "cart"
	TypePayment Type = "payment"
)

// SignatureVersion distinguishes the payment mandate's signed-payload shape.
// V1 (legacy, rejected) omits merchant_domain from the canonical signing
// payload; V2 includes it. Never inferred — always carried explicitly on
// the proof so a valid-but-stale signer can't silently downgrade.
type SignatureVersion int

const (
	SignatureV1 SignatureVersion = 1
	SignatureV2 SignatureVersion = 2
)

// Proof carries the mandate's cryptographic signature.
type Proof struct {
	VerificationMethod string // kid referencing a key in the identity registry
	Signature          []byte
	Version            SignatureVersion // only meaningful for Payment mandates
}

// Envelope is the common header shared by every mandate variant.
type Envelope struct {
	MandateID string
	Type      Type
	Issuer    string
	Subject   string // agent_id
	Domain    string
	Nonce     string
	Purpose   string
	ExpiresAt int64 // unix seconds
	Proof     Proof
}

// Intent is the first link in the AP2 chain: what the agent intends to buy.
type Intent struct {
	Envelope
	MaxAmountMinor int64
	Token          string
	Chain          string
	Description    string
}

// CartItem is one line item of a Cart mandate.
type CartItem struct {
	SKU         string
	Description string
	AmountMinor int64
}

// Cart is the second link: the concrete merchant offer being accepted.
type Cart struct {
	Envelope
	MerchantDomain string
	SubtotalMinor  int64
	TaxesMinor     int64
	Items          []CartItem
}

// Payment is the third link: the authorization to settle.
type Payment struct {
	Envelope
	MerchantDomain string
	AmountMinor    int64
	Token          string
	Chain          string
	Destination    string
	AuditHash      string
}

// Bundle is the full AP2 chain submitted to the orchestrator.
type Bundle struct {
	Intent  Intent
	Cart    Cart
	Payment Payment
}

// Result is the outcome of verifying a single mandate or a full chain.
type Result struct {
	Accepted bool
	Reason   string
	Chain    *Bundle
}

// Reason codes. These are the stable, documented strings surfaced to callers
// never restructured without a protocol version bump.
const (
	ReasonInvalidPayloadFmt      = "invalid_payload:%s"
	ReasonIntentExpired          = "intent_mandate_expired"
	ReasonCartExpired            = "cart_mandate_expired"
	ReasonPaymentExpired         = "payment_mandate_expired"
	ReasonDomainNotAllowed       = "domain_not_allowed"
	ReasonUnknownSubject         = "unknown_subject"
	ReasonReplayDetected         = "replay_detected"
	ReasonSignatureInvalid       = "signature_invalid"
	ReasonSubjectMismatch        = "subject_mismatch"
	ReasonMerchantDomainMismatch = "merchant_domain_mismatch"
	ReasonAmountMismatch         = "amount_mismatch"
	ReasonPaymentMissingMerchant = "payment_missing_merchant_domain"
	ReasonX402VersionUnsupported = "x402_version_unsupported"
	ReasonX402NonceMismatch      = "x402_nonce_mismatch"
	ReasonX402ReferenceMismatch  = "x402_reference_mismatch"
)

func expiredReasonFor(t Type) string {
	switch t {
	case TypeIntent:
		return ReasonIntentExpired
	case TypeCart:
		return ReasonCartExpired
	default:
		return ReasonPaymentExpired
	}
}
