package policy

import (
	"crypto/sha256"
	"encoding/hex"

	"agentpay/merkle"
)

// DecisionReceipt is emitted with every policy decision: a 3-leaf Merkle
// tree over the policy hash, the execution-context hash, and the decision
// outcome hash.
type DecisionReceipt struct {
	PolicyHash  string
	ContextHash string
	DecisionHash string
	Root        string
	AuditAnchor string
}

func sha256Hex(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0}) // length-prefix-free separator; fields are fixed-format
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeContextHash hashes the execution context (destination, chain,
// token) that was validated alongside the decision.
func ComputeContextHash(destination, chain, token string) string {
	return sha256Hex(destination, chain, token)
}

// ComputeDecisionHash hashes the boolean outcome and reason code.
func ComputeDecisionHash(ok bool, reason string) string {
	outcome := "reject"
	if ok {
		outcome = "accept"
	}
	return sha256Hex(outcome, reason)
}

// BuildDecisionReceipt assembles the 3-leaf Merkle tree and audit anchor
// string ("merkle::" + hex root) for a single policy decision.
func BuildDecisionReceipt(policyHash, contextHash, decisionHash string) DecisionReceipt {
	leaves := [][]byte{[]byte(policyHash), []byte(contextHash), []byte(decisionHash)}
	tree := merkle.Build(leaves)
	root := hex.EncodeToString(tree.Root())
	return DecisionReceipt{
		PolicyHash:   policyHash,
		ContextHash:  contextHash,
		DecisionHash: decisionHash,
		Root:         root,
		AuditAnchor:  "merkle::" + root,
	}
}
