package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentpay/decimal"
)

func TestValidatePayment_BoundaryAtLimit(t *testing.T) {
	now := time.Now()
	p := NewDefault("agent-1", decimal.Zero(), decimal.Zero(), now)
	p.LimitPerTx, _ = decimal.Parse("500")
	e := NewEngine(p, func() time.Time { return now })

	atLimit, _ := decimal.Parse("500")
	ok, reason := e.ValidatePayment(atLimit, decimal.Zero(), "")
	require.True(t, ok, reason)

	overLimit, _ := decimal.Parse("500.01")
	ok, reason = e.ValidatePayment(overLimit, decimal.Zero(), "")
	require.False(t, ok)
	require.Equal(t, ReasonPerTxLimitExceeded, reason)
}

func TestRecordSpend_UpdatesTotalsAndWindows(t *testing.T) {
	now := time.Now()
	p := NewDefault("agent-1", decimal.Zero(), decimal.Zero(), now)
	p.SetWindowLimit(WindowDaily, mustParse(t, "1000"), now)
	e := NewEngine(p, func() time.Time { return now })

	amount := mustParse(t, "5")
	require.NoError(t, e.RecordSpend(amount))

	snap := e.Snapshot()
	require.Equal(t, "5", snap.SpentTotal.String())
	require.Equal(t, "5", snap.Windows[WindowDaily].CurrentSpent.String())
}

func TestWindowReset_AdvancesByExactlyOneLength(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewDefault("agent-1", decimal.Zero(), decimal.Zero(), start)
	p.SetWindowLimit(WindowDaily, mustParse(t, "1000"), start)
	e := NewEngine(p, func() time.Time { return start })
	require.NoError(t, e.RecordSpend(mustParse(t, "100")))

	later := start.Add(25 * time.Hour)
	e2 := NewEngine(p, func() time.Time { return later })
	ok, reason := e2.ValidatePayment(mustParse(t, "50"), decimal.Zero(), "")
	require.True(t, ok, reason)

	snap := e2.Snapshot()
	require.Equal(t, start.Add(24*time.Hour), snap.Windows[WindowDaily].WindowStart)
	require.Equal(t, "0", snap.Windows[WindowDaily].CurrentSpent.String())
}

func TestValidateExecutionContext_UnknownTokenRejected(t *testing.T) {
	now := time.Now()
	p := NewDefault("agent-1", decimal.Zero(), decimal.Zero(), now)
	e := NewEngine(p, func() time.Time { return now })

	ok, reason := e.ValidateExecutionContext("0xabc", "base", "DOGE")
	require.False(t, ok)
	require.Equal(t, ReasonTokenNotPermitted, reason)
}

func TestComputePolicyHash_ExcludesRuntimeFields(t *testing.T) {
	now := time.Now()
	p := NewDefault("agent-1", mustParse(t, "500"), mustParse(t, "10000"), now)
	hashBefore, err := ComputePolicyHash(*p)
	require.NoError(t, err)

	p.SpentTotal = mustParse(t, "250")
	p.UpdatedAt = now.Add(time.Hour)
	hashAfter, err := ComputePolicyHash(*p)
	require.NoError(t, err)

	require.Equal(t, hashBefore, hashAfter)
}

func mustParse(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.Parse(s)
	require.NoError(t, err)
	return d
}
