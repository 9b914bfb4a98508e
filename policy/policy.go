// Package policy implements the Spending Policy Engine: per-transaction,
// per-window, merchant, chain, token, and destination allow/deny rules,
// with canonical hashing for attestation. Each agent carries its own set
// of concurrent spending windows rather than a single daily cap.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentpay/decimal"
	"agentpay/tokens"
)

// Window identifies one of the three rolling spend windows.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
)

func (w Window) length() time.Duration {
	switch w {
	case WindowDaily:
		return 24 * time.Hour
	case WindowWeekly:
		return 7 * 24 * time.Hour
	case WindowMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// TimeWindowLimit tracks the rolling spend for one window.
type TimeWindowLimit struct {
	WindowStart   time.Time
	CurrentSpent  decimal.Decimal
	LimitAmount   decimal.Decimal
	Configured    bool
}

// MerchantRule restricts spend against a specific merchant.
type MerchantRule struct {
	MerchantID string
	MaxPerTx   decimal.Decimal
	Blocked    bool
}

// Policy is the per-agent spending policy.
type Policy struct {
	AgentID    string
	LimitPerTx decimal.Decimal
	LimitTotal decimal.Decimal
	SpentTotal decimal.Decimal

	Windows map[Window]*TimeWindowLimit

	AllowedChains          map[string]struct{}
	AllowedTokens          map[string]struct{}
	AllowedDestinations    map[string]struct{}
	BlockedDestinations    map[string]struct{}
	MerchantRules          map[string]MerchantRule

	CreatedAt time.Time
	UpdatedAt time.Time
}

func normSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return out
}

func inSet(set map[string]struct{}, value string) bool {
	_, ok := set[strings.ToLower(strings.TrimSpace(value))]
	return ok
}

// NewDefault constructs a Policy with defaults, created on first use for an
// agent that has no prior policy record.
func NewDefault(agentID string, limitPerTx, limitTotal decimal.Decimal, now time.Time) *Policy {
	return &Policy{
		AgentID:             agentID,
		LimitPerTx:          limitPerTx,
		LimitTotal:          limitTotal,
		SpentTotal:          decimal.Zero(),
		Windows:             make(map[Window]*TimeWindowLimit),
		AllowedChains:       map[string]struct{}{},
		AllowedTokens:       map[string]struct{}{},
		AllowedDestinations: map[string]struct{}{},
		BlockedDestinations: map[string]struct{}{},
		MerchantRules:       make(map[string]MerchantRule),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// SetWindowLimit configures (or reconfigures) one of the rolling windows.
func (p *Policy) SetWindowLimit(w Window, limit decimal.Decimal, now time.Time) {
	p.Windows[w] = &TimeWindowLimit{WindowStart: now, CurrentSpent: decimal.Zero(), LimitAmount: limit, Configured: true}
}

// Reason codes for validate_payment / validate_execution_context.
const (
	ReasonPerTxLimitExceeded        = "per_tx_limit_exceeded"
	ReasonTotalLimitExceeded        = "total_limit_exceeded"
	ReasonDailyLimitExceeded        = "daily_limit_exceeded"
	ReasonWeeklyLimitExceeded       = "weekly_limit_exceeded"
	ReasonMonthlyLimitExceeded      = "monthly_limit_exceeded"
	ReasonDestinationNotAllowlisted = "destination_not_allowlisted"
	ReasonDestinationBlocked        = "destination_blocked"
	ReasonChainNotAllowlisted       = "chain_not_allowlisted"
	ReasonTokenNotAllowlisted       = "token_not_allowlisted"
	ReasonTokenNotPermitted         = "token_not_permitted"
	ReasonMerchantBlocked           = "merchant_blocked"
	ReasonMerchantLimitExceeded     = "merchant_limit_exceeded"
)

func windowReason(w Window) string {
	switch w {
	case WindowDaily:
		return ReasonDailyLimitExceeded
	case WindowWeekly:
		return ReasonWeeklyLimitExceeded
	default:
		return ReasonMonthlyLimitExceeded
	}
}

// resetIfExpired advances window_start by exactly one window length and
// zeros current_spent when the window has elapsed (not snapped to `now`,
// so window boundaries stay aligned even across a burst of delayed resets).
func resetIfExpired(w Window, tw *TimeWindowLimit, now time.Time) {
	length := w.length()
	if length <= 0 {
		return
	}
	for now.Sub(tw.WindowStart) >= length {
		tw.WindowStart = tw.WindowStart.Add(length)
		tw.CurrentSpent = decimal.Zero()
	}
}

// NormalizeAmount converts a minor-units integer amount into a Decimal using
// the token decimals registry. Unknown tokens are rejected outright — never
// silently defaulted to a divide-by-hundred guess.
func NormalizeAmount(token string, minorUnits int64) (decimal.Decimal, error) {
	dec, ok := tokens.DecimalsFor(token)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrTokenNotPermitted, token)
	}
	return decimal.FromMinorUnits(minorUnits, dec), nil
}

// ErrTokenNotPermitted is wrapped with the offending token symbol.
var ErrTokenNotPermitted = errors.New(ReasonTokenNotPermitted)

// Engine guards a Policy with the per-agent exclusive lock record_spend
// requires to keep concurrent updates from racing.
type Engine struct {
	mu     sync.Mutex
	policy *Policy
	now    func() time.Time
}

// NewEngine wraps a Policy for validation and spend recording.
func NewEngine(p *Policy, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{policy: p, now: now}
}

// ValidatePayment implements validate_payment: per-tx, total, and window
// limit checks. amount and fee must already be normalized Decimals (see
// NormalizeAmount).
func (e *Engine) ValidatePayment(amount, fee decimal.Decimal, merchantID string) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.policy
	now := e.now()

	total := amount.Add(fee)
	if p.LimitPerTx.Sign() > 0 && total.Cmp(p.LimitPerTx) > 0 {
		return false, ReasonPerTxLimitExceeded
	}
	if p.LimitTotal.Sign() > 0 && p.SpentTotal.Add(total).Cmp(p.LimitTotal) > 0 {
		return false, ReasonTotalLimitExceeded
	}
	for _, w := range []Window{WindowDaily, WindowWeekly, WindowMonthly} {
		tw, ok := p.Windows[w]
		if !ok || !tw.Configured {
			continue
		}
		resetIfExpired(w, tw, now)
		if tw.CurrentSpent.Add(amount).Cmp(tw.LimitAmount) > 0 {
			return false, windowReason(w)
		}
	}
	if merchantID != "" {
		if rule, ok := p.MerchantRules[strings.ToLower(merchantID)]; ok {
			if rule.Blocked {
				return false, ReasonMerchantBlocked
			}
			if rule.MaxPerTx.Sign() > 0 && total.Cmp(rule.MaxPerTx) > 0 {
				return false, ReasonMerchantLimitExceeded
			}
		}
	}
	return true, ""
}

// ValidateExecutionContext implements validate_execution_context: chain,
// token, and destination allow/deny checks. String comparisons are
// case-insensitive after normalization.
func (e *Engine) ValidateExecutionContext(destination, chain, token string) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.policy

	if !tokens.IsKnown(token) {
		return false, ReasonTokenNotPermitted
	}
	if len(p.AllowedDestinations) > 0 && !inSet(p.AllowedDestinations, destination) {
		return false, ReasonDestinationNotAllowlisted
	}
	if inSet(p.BlockedDestinations, destination) {
		return false, ReasonDestinationBlocked
	}
	if len(p.AllowedChains) > 0 && !inSet(p.AllowedChains, chain) {
		return false, ReasonChainNotAllowlisted
	}
	if len(p.AllowedTokens) > 0 && !inSet(p.AllowedTokens, token) {
		return false, ReasonTokenNotAllowlisted
	}
	return true, ""
}

// RecordSpend implements record_spend: updates spent_total and each active
// window's current_spent, resetting expired windows first. Callers must
// treat a returned error as critical: unrecorded spend is a consistency
// bug, never swallowed.
func (e *Engine) RecordSpend(amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("policy: record_spend amount must be non-negative")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.policy
	now := e.now()
	p.SpentTotal = p.SpentTotal.Add(amount)
	for _, w := range []Window{WindowDaily, WindowWeekly, WindowMonthly} {
		tw, ok := p.Windows[w]
		if !ok || !tw.Configured {
			continue
		}
		resetIfExpired(w, tw, now)
		tw.CurrentSpent = tw.CurrentSpent.Add(amount)
	}
	p.UpdatedAt = now
	return nil
}

// Snapshot returns a shallow copy of the underlying policy for read paths
// (status endpoints, attestation hashing) without exposing the lock.
func (e *Engine) Snapshot() Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.policy
}

// canonicalPolicy is the JSON shape hashed by ComputePolicyHash: runtime
// fields (spent_total, window current_spent, created_at, updated_at) are
// excluded.
type canonicalPolicy struct {
	AgentID             string              `json:"agent_id"`
	LimitPerTx          string              `json:"limit_per_tx"`
	LimitTotal          string              `json:"limit_total"`
	WindowLimits        map[string]string   `json:"window_limits"`
	AllowedChains       []string            `json:"allowed_chains"`
	AllowedTokens       []string            `json:"allowed_tokens"`
	AllowedDestinations []string            `json:"allowed_destinations"`
	BlockedDestinations []string            `json:"blocked_destinations"`
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// ComputePolicyHash canonicalizes the policy (excluding runtime spend
// state) and returns its SHA-256 hex digest, for attestation.
func ComputePolicyHash(p Policy) (string, error) {
	windowLimits := make(map[string]string, len(p.Windows))
	for w, tw := range p.Windows {
		if tw.Configured {
			windowLimits[string(w)] = tw.LimitAmount.String()
		}
	}
	cp := canonicalPolicy{
		AgentID:             p.AgentID,
		LimitPerTx:          p.LimitPerTx.String(),
		LimitTotal:          p.LimitTotal.String(),
		WindowLimits:        windowLimits,
		AllowedChains:       sortedKeys(p.AllowedChains),
		AllowedTokens:       sortedKeys(p.AllowedTokens),
		AllowedDestinations: sortedKeys(p.AllowedDestinations),
		BlockedDestinations: sortedKeys(p.BlockedDestinations),
	}
	encoded, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("policy: canonicalize: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
