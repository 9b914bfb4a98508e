// Package compliance implements the Compliance Gate: KYC/KYA/KYT checks
// against configured providers, fail-closed on every provider error.
package compliance

import (
	"context"
	"log/slog"
)

// KYCProvider verifies an agent's KYC status.
type KYCProvider interface {
	Name() string
	IsVerified(ctx context.Context, agentID string) (bool, error)
}

// RiskLevel is the KYT sanctions/risk classification.
type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskLow    RiskLevel = "low"
	RiskHigh   RiskLevel = "high"
	RiskSevere RiskLevel = "severe"
)

// KYTResult is the outcome of a single address screening.
type KYTResult struct {
	ShouldBlock bool
	RiskLevel   RiskLevel
	RuleID      string
}

// KYTProvider screens an address for sanctions/risk.
type KYTProvider interface {
	Name() string
	Screen(ctx context.Context, address string) (KYTResult, error)
}

// KYAProvider decides whether an agent identity itself is permitted to act.
type KYAProvider interface {
	Name() string
	IsAllowed(ctx context.Context, agentID string) (bool, error)
}

// Config controls gate thresholds and enforcement toggles.
type Config struct {
	KYCThresholdMinor int64 // minor units of a 6-decimal stablecoin
	EnforceKYA        bool
}

// DefaultKYCThresholdMinor is $1,000 in minor units of a 6-decimal
// stablecoin (1_000 * 10^6).
const DefaultKYCThresholdMinor = 1_000_000_000

// Decision is the outcome of a single preflight() call.
type Decision struct {
	Passed           bool
	Reason           string
	Provider         string
	RuleID           string
	KYCVerified      *bool
	KYTRiskLevel     RiskLevel
	KYTReviewRequired bool
}

// Reason codes surfaced on a compliance denial.
const (
	ReasonKYCRequiredHighValue = "kyc_required_high_value"
	ReasonKYCServiceError      = "kyc_service_error"
	ReasonSanctionsHit         = "sanctions_hit"
	ReasonSanctionsServiceErr  = "sanctions_service_error"
	ReasonKYADenied            = "kya_denied"
	ReasonKYAServiceError      = "kya_service_error"
)

// Mandate is the minimal shape the gate needs from a payment mandate.
type Mandate struct {
	AgentID       string
	AmountMinor   int64
	Destination   string
	SourceAddress string // may be empty
}

// AuditAppender records an immutable entry per compliance decision. It
// supports both synchronous and asynchronous append.
type AuditAppender interface {
	Append(ctx context.Context, decision Decision, m Mandate)
}

// Gate evaluates KYC/KYT/KYA for a payment mandate.
type Gate struct {
	cfg   Config
	kyc   KYCProvider
	kyt   KYTProvider
	kya   KYAProvider
	audit AuditAppender
}

// New constructs a Gate. kya may be nil when cfg.EnforceKYA is false.
func New(cfg Config, kyc KYCProvider, kyt KYTProvider, kya KYAProvider, audit AuditAppender) *Gate {
	if cfg.KYCThresholdMinor <= 0 {
		cfg.KYCThresholdMinor = DefaultKYCThresholdMinor
	}
	return &Gate{cfg: cfg, kyc: kyc, kyt: kyt, kya: kya, audit: audit}
}

// Preflight runs the KYC, KYT, and (if enabled) KYA checks in that order,
// failing closed on any provider error. Each resulting decision is appended
// to the audit store before returning.
func (g *Gate) Preflight(ctx context.Context, m Mandate) Decision {
	decision := g.preflight(ctx, m)
	if g.audit != nil {
		g.audit.Append(ctx, decision, m)
	}
	return decision
}

func (g *Gate) preflight(ctx context.Context, m Mandate) Decision {
	if m.AmountMinor >= g.cfg.KYCThresholdMinor {
		if g.kyc == nil {
			return Decision{Passed: false, Reason: ReasonKYCServiceError, Provider: "unconfigured"}
		}
		verified, err := g.kyc.IsVerified(ctx, m.AgentID)
		if err != nil {
			slog.Error("compliance: kyc provider error", "agent_id", m.AgentID, "provider", g.kyc.Name(), "err", err)
			return Decision{Passed: false, Reason: ReasonKYCServiceError, Provider: g.kyc.Name()}
		}
		if !verified {
			v := verified
			return Decision{Passed: false, Reason: ReasonKYCRequiredHighValue, Provider: g.kyc.Name(), KYCVerified: &v}
		}
	}

	reviewRequired := false
	riskLevel := RiskNone
	if g.kyt != nil {
		for _, addr := range uniqueNonEmpty(m.Destination, m.SourceAddress) {
			result, err := g.kyt.Screen(ctx, addr)
			if err != nil {
				slog.Error("compliance: kyt provider error", "agent_id", m.AgentID, "provider", g.kyt.Name(), "err", err)
				return Decision{Passed: false, Reason: ReasonSanctionsServiceErr, Provider: g.kyt.Name()}
			}
			if result.ShouldBlock {
				return Decision{Passed: false, Reason: ReasonSanctionsHit, Provider: g.kyt.Name(), RuleID: result.RuleID}
			}
			if result.RiskLevel == RiskHigh || result.RiskLevel == RiskSevere {
				reviewRequired = true
				riskLevel = result.RiskLevel
			}
		}
	}

	if g.cfg.EnforceKYA {
		if g.kya == nil {
			return Decision{Passed: false, Reason: ReasonKYAServiceError, Provider: "unconfigured"}
		}
		allowed, err := g.kya.IsAllowed(ctx, m.AgentID)
		if err != nil {
			slog.Error("compliance: kya provider error", "agent_id", m.AgentID, "provider", g.kya.Name(), "err", err)
			return Decision{Passed: false, Reason: ReasonKYAServiceError, Provider: g.kya.Name()}
		}
		if !allowed {
			return Decision{Passed: false, Reason: ReasonKYADenied, Provider: g.kya.Name()}
		}
	}

	return Decision{Passed: true, KYTRiskLevel: riskLevel, KYTReviewRequired: reviewRequired}
}

func uniqueNonEmpty(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
