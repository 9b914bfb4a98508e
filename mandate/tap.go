package mandate

import (
	"crypto/ed25519"
	"strings"
)

// TAPEnvelope is a signed agent-to-agent message envelope (TAP/A2A). Unlike
// a Payment mandate it carries an arbitrary message body rather than a
// settlement instruction, but reuses the same domain/nonce/purpose framing
// and the Verifier's key lookup. Message ids are neither recorded in nor
// checked against the replay cache.
type TAPEnvelope struct {
	MessageID string
	From      string // agent_id
	To        string // agent_id
	Domain    string
	Nonce     string
	Purpose   string
	Body      []byte
	ExpiresAt int64
	Proof     Proof
}

const (
	ReasonTAPUnknownSender   = "tap_unknown_sender"
	ReasonTAPTrustDenied     = "tap_trust_denied"
	ReasonTAPSignatureInvalid = "tap_signature_invalid"
	ReasonTAPExpired          = "tap_message_expired"
)

// TrustTable reports whether `from` is permitted to message `to`. The A2A
// trust-table enforcement flag is applied by the caller: when disabled,
// pass a TrustTable that always
// allows.
type TrustTable interface {
	Allowed(from, to string) bool
}

// AllowAllTrust is the TrustTable used when enforcement is disabled.
type AllowAllTrust struct{}

// Allowed implements TrustTable.
func (AllowAllTrust) Allowed(string, string) bool { return true }

// VerifyTAPMessage validates a signed A2A envelope: freshness, trust-table
// membership, and signature, using the same canonical "|"-joined payload
// shape as the AP2 mandates.
func (v *Verifier) VerifyTAPMessage(env TAPEnvelope, trust TrustTable) Result {
	if env.ExpiresAt <= v.now().Unix() {
		return Result{Accepted: false, Reason: ReasonTAPExpired}
	}
	if !v.keys.Known(env.From) {
		return Result{Accepted: false, Reason: ReasonTAPUnknownSender}
	}
	if trust == nil {
		trust = AllowAllTrust{}
	}
	if !trust.Allowed(env.From, env.To) {
		return Result{Accepted: false, Reason: ReasonTAPTrustDenied}
	}
	keys, err := v.keys.GetValidKeys(env.From)
	if err != nil || len(keys) == 0 {
		return Result{Accepted: false, Reason: ReasonTAPUnknownSender}
	}
	payload := canonicalFields(env.Domain, env.Nonce, env.Purpose, env.MessageID, env.From, env.To, strings.TrimSpace(string(env.Body)))
	for _, k := range keys {
		if ed25519.Verify(k.PublicKey, payload, env.Proof.Signature) {
			return Result{Accepted: true}
		}
	}
	return Result{Accepted: false, Reason: ReasonTAPSignatureInvalid}
}
