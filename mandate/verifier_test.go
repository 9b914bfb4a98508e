package mandate

import (
	"context"
	"crypto/ed25519"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeKeys struct {
	agents map[string][]VerifyKey
}

func (f fakeKeys) GetValidKeys(agentID string) ([]VerifyKey, error) {
	keys, ok := f.agents[agentID]
	if !ok {
		return nil, ErrTestUnknown
	}
	return keys, nil
}

func (f fakeKeys) Known(agentID string) bool {
	_, ok := f.agents[agentID]
	return ok
}

var ErrTestUnknown = &testErr{"unknown agent"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

type fakeReplay struct {
	seen map[string]bool
}

func (f *fakeReplay) CheckAndStore(_ context.Context, mandateID string, _ time.Time) (bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[mandateID] {
		return false, nil
	}
	f.seen[mandateID] = true
	return true, nil
}

func signedPayment(t *testing.T, priv ed25519.PrivateKey, kid string, p Payment, version SignatureVersion) Payment {
	t.Helper()
	var payload []byte
	base := []string{p.Domain, p.Nonce, p.Purpose, p.MandateID, p.Subject, strconv.FormatInt(p.AmountMinor, 10), p.Token, p.Chain, p.Destination}
	if version == SignatureV2 {
		base = append(base, p.MerchantDomain, p.AuditHash)
	} else {
		base = append(base, p.AuditHash)
	}
	payload = canonicalFields(base...)
	sig := ed25519.Sign(priv, payload)
	p.Proof = Proof{VerificationMethod: kid, Signature: sig, Version: version}
	return p
}

func newTestVerifier(agentID, kid string, pub ed25519.PublicKey, now time.Time) *Verifier {
	keys := fakeKeys{agents: map[string][]VerifyKey{agentID: {{KID: kid, PublicKey: pub}}}}
	return New(keys, &fakeReplay{}, []string{"merchant.example"}, WithClock(func() time.Time { return now }))
}

func basePayment(agentID string, now time.Time) Payment {
	return Payment{
		Envelope: Envelope{
			MandateID: "pay-1",
			Type:      TypePayment,
			Issuer:    "issuer-1",
			Subject:   agentID,
			Domain:    "merchant.example",
			Nonce:     "nonce-1",
			Purpose:   "purchase",
			ExpiresAt: now.Add(time.Hour).Unix(),
		},
		MerchantDomain: "merchant.example",
		AmountMinor:    5_000_000,
		Token:          "USDC",
		Chain:          "base_sepolia",
		Destination:    "0xabc",
		AuditHash:      "deadbeef",
	}
}

func TestVerifyPayment_HappyPath(t *testing.T) {
	now := time.Now()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	v := newTestVerifier("agent-1", "kid-1", pub, now)
	p := signedPayment(t, priv, "kid-1", basePayment("agent-1", now), SignatureV2)

	res := v.VerifyPayment(context.Background(), p)
	require.True(t, res.Accepted, res.Reason)
}

func TestVerifyPayment_V1SignatureRejected(t *testing.T) {
	now := time.Now()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	v := newTestVerifier("agent-1", "kid-1", pub, now)
	p := signedPayment(t, priv, "kid-1", basePayment("agent-1", now), SignatureV1)

	res := v.VerifyPayment(context.Background(), p)
	require.False(t, res.Accepted)
	require.Equal(t, ReasonSignatureInvalid, res.Reason)
}

func TestVerifyPayment_Expired(t *testing.T) {
	now := time.Now()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	v := newTestVerifier("agent-1", "kid-1", pub, now)
	p := basePayment("agent-1", now)
	p.ExpiresAt = now.Unix() // exactly now: must be rejected as expired
	p = signedPayment(t, priv, "kid-1", p, SignatureV2)

	res := v.VerifyPayment(context.Background(), p)
	require.False(t, res.Accepted)
	require.Equal(t, ReasonPaymentExpired, res.Reason)
}

func TestVerifyPayment_ReplayDetected(t *testing.T) {
	now := time.Now()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	v := newTestVerifier("agent-1", "kid-1", pub, now)
	p := signedPayment(t, priv, "kid-1", basePayment("agent-1", now), SignatureV2)

	first := v.VerifyPayment(context.Background(), p)
	require.True(t, first.Accepted)
	second := v.VerifyPayment(context.Background(), p)
	require.False(t, second.Accepted)
	require.Equal(t, ReasonReplayDetected, second.Reason)
}

func TestVerifyChain_Mismatches(t *testing.T) {
	now := time.Now()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	v := newTestVerifier("agent-1", "kid-1", pub, now)

	intent := Intent{
		Envelope: Envelope{MandateID: "int-1", Type: TypeIntent, Subject: "agent-1", Domain: "merchant.example", Nonce: "n1", Purpose: "purchase", ExpiresAt: now.Add(time.Hour).Unix()},
		MaxAmountMinor: 5_000_000, Token: "USDC", Chain: "base_sepolia",
	}
	intentPayload := canonicalFields(intent.Domain, intent.Nonce, intent.Purpose, intent.MandateID, intent.Subject, strconv.FormatInt(intent.MaxAmountMinor, 10), intent.Token, intent.Chain)
	intent.Proof = Proof{VerificationMethod: "kid-1", Signature: ed25519.Sign(priv, intentPayload)}

	cart := Cart{
		Envelope: Envelope{MandateID: "cart-1", Type: TypeCart, Subject: "agent-1", Domain: "merchant.example", Nonce: "n1", Purpose: "purchase", ExpiresAt: now.Add(time.Hour).Unix()},
		MerchantDomain: "merchant.example", SubtotalMinor: 4_900_000, TaxesMinor: 100_000,
	}
	cartPayload := canonicalFields(cart.Domain, cart.Nonce, cart.Purpose, cart.MandateID, cart.Subject, cart.MerchantDomain, strconv.FormatInt(cart.SubtotalMinor, 10), strconv.FormatInt(cart.TaxesMinor, 10))
	cart.Proof = Proof{VerificationMethod: "kid-1", Signature: ed25519.Sign(priv, cartPayload)}

	payment := signedPayment(t, priv, "kid-1", basePayment("agent-1", now), SignatureV2)
	payment.AmountMinor = 4_999_999 // deliberately mismatched vs subtotal+taxes
	payment = signedPayment(t, priv, "kid-1", payment, SignatureV2)

	res := v.VerifyChain(context.Background(), Bundle{Intent: intent, Cart: cart, Payment: payment})
	require.False(t, res.Accepted)
	require.Equal(t, ReasonAmountMismatch, res.Reason)
}
