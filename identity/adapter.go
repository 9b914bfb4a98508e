package identity

import "agentpay/mandate"

// VerifierKeys adapts a Registry to mandate.KeyLookup, translating the
// registry's Key shape into mandate.VerifyKey without requiring the mandate
// package to depend on identity (and vice versa isn't needed either — this
// is the one adapter point, constructed by the wiring in cmd/).
type VerifierKeys struct {
	Registry *Registry
}

// GetValidKeys implements mandate.KeyLookup.
func (a VerifierKeys) GetValidKeys(agentID string) ([]mandate.VerifyKey, error) {
	keys, err := a.Registry.GetValidKeys(agentID)
	if err != nil {
		return nil, err
	}
	out := make([]mandate.VerifyKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, mandate.VerifyKey{KID: k.KID, PublicKey: k.PublicKey})
	}
	return out, nil
}

// Known implements mandate.KeyLookup.
func (a VerifierKeys) Known(agentID string) bool {
	return a.Registry.Known(agentID)
}
