package compliance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubKYC struct {
	verified bool
	err      error
}

func (s stubKYC) Name() string { return "persona" }
func (s stubKYC) IsVerified(context.Context, string) (bool, error) { return s.verified, s.err }

type stubKYT struct {
	result KYTResult
	err    error
}

func (s stubKYT) Name() string { return "chainalysis" }
func (s stubKYT) Screen(context.Context, string) (KYTResult, error) { return s.result, s.err }

func TestPreflight_KYCServiceErrorFailsClosed(t *testing.T) {
	g := New(Config{KYCThresholdMinor: 1_000_000}, stubKYC{err: errors.New("timeout")}, stubKYT{}, nil, nil)
	d := g.Preflight(context.Background(), Mandate{AgentID: "agent-1", AmountMinor: 10_000_000, Destination: "0xabc"})
	require.False(t, d.Passed)
	require.Equal(t, ReasonKYCServiceError, d.Reason)
	require.Equal(t, "persona", d.Provider)
}

func TestPreflight_SanctionsHitBlocks(t *testing.T) {
	g := New(Config{KYCThresholdMinor: 1_000_000}, stubKYC{verified: true}, stubKYT{result: KYTResult{ShouldBlock: true, RuleID: "OFAC-1"}}, nil, nil)
	d := g.Preflight(context.Background(), Mandate{AgentID: "agent-1", AmountMinor: 10_000_000, Destination: "0xbad"})
	require.False(t, d.Passed)
	require.Equal(t, ReasonSanctionsHit, d.Reason)
	require.Equal(t, "OFAC-1", d.RuleID)
}

func TestPreflight_HighRiskNotBlockingButFlagged(t *testing.T) {
	g := New(Config{KYCThresholdMinor: 1_000_000}, stubKYC{verified: true}, stubKYT{result: KYTResult{RiskLevel: RiskHigh}}, nil, nil)
	d := g.Preflight(context.Background(), Mandate{AgentID: "agent-1", AmountMinor: 10_000_000, Destination: "0xabc"})
	require.True(t, d.Passed)
	require.True(t, d.KYTReviewRequired)
	require.Equal(t, RiskHigh, d.KYTRiskLevel)
}

func TestPreflight_BelowThresholdSkipsKYC(t *testing.T) {
	g := New(Config{KYCThresholdMinor: 1_000_000}, stubKYC{err: errors.New("should not be called")}, stubKYT{}, nil, nil)
	d := g.Preflight(context.Background(), Mandate{AgentID: "agent-1", AmountMinor: 500_000, Destination: "0xabc"})
	require.True(t, d.Passed)
}
