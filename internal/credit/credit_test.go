package credit

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelclear/keel/internal/ledger"
	"github.com/keelclear/keel/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *ledger.Ledger) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "credit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	l := ledger.New(s)
	return NewManager(s, l), l
}

func openLine(t *testing.T, m *Manager, limit, spreadBps, ratioBps int64) *Line {
	t.Helper()
	line, err := m.Open(context.Background(), OpenInput{
		Borrower:              "agent-borrower",
		Lender:                "agent-lender",
		Limit:                 limit,
		SpreadBps:             spreadBps,
		MinCollateralRatioBps: ratioBps,
	})
	require.NoError(t, err)
	return line
}

func TestOpenValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Open(ctx, OpenInput{Borrower: "a", Lender: "a", Limit: 100})
	assert.ErrorContains(t, err, "must differ")

	_, err = m.Open(ctx, OpenInput{Borrower: "a", Lender: "b", Limit: 0})
	assert.ErrorContains(t, err, "limit")

	_, err = m.Open(ctx, OpenInput{Borrower: "a", Lender: "b", Limit: 100, SpreadBps: -1})
	assert.ErrorContains(t, err, "spread_bps")

	line, err := m.Open(ctx, OpenInput{Borrower: "a", Lender: "b", Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, line.Status)
	assert.NotEmpty(t, line.ID)
}

func TestDrawWithinLimit(t *testing.T) {
	m, l := newTestManager(t)
	ctx := context.Background()
	line := openLine(t, m, 1000, 500, 0)

	pos, err := m.Draw(ctx, line.ID, 600)
	require.NoError(t, err)
	assert.Equal(t, int64(600), pos.Principal)

	// The draw also lands on the borrower's ledger balance.
	bal, err := l.Balance(ctx, line.Borrower)
	require.NoError(t, err)
	assert.Equal(t, int64(600), bal)

	// Headroom is limit minus principal, not the full limit again.
	_, err = m.Draw(ctx, line.ID, 500)
	assert.ErrorContains(t, err, "exceeds available")

	pos, err = m.Draw(ctx, line.ID, 400)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), pos.Principal)
}

func TestDrawRejectedWhenNotActive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	line := openLine(t, m, 1000, 0, 0)

	require.NoError(t, m.Suspend(ctx, line.ID))
	_, err := m.Draw(ctx, line.ID, 1)
	assert.ErrorContains(t, err, "not active")

	require.NoError(t, m.Reactivate(ctx, line.ID))
	_, err = m.Draw(ctx, line.ID, 1)
	require.NoError(t, err)
}

func TestRepayFloorsAtZero(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	line := openLine(t, m, 1000, 0, 0)

	_, err := m.Draw(ctx, line.ID, 300)
	require.NoError(t, err)
	_, err = m.ApplyFee(ctx, line.ID, "origination", 40, "setup")
	require.NoError(t, err)

	// Overpaying every component floors at zero instead of going negative.
	pos, err := m.Repay(ctx, line.ID, 1000, 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, Position{}, *pos)

	// The event log records the deltas actually applied, so a refold
	// still matches.
	require.NoError(t, m.CheckConsistency(ctx, line.ID))
}

func TestAccrueInterestFormula(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	line := openLine(t, m, 1_000_000, 500, 0) // 5% spread

	_, err := m.Draw(ctx, line.ID, 730_000)
	require.NoError(t, err)

	// 730000 * 500 * 7 / (10000 * 365) = 700
	accrued, applied, err := m.AccrueInterest(ctx, line.ID, "window-1", 7)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(700), accrued)

	_, pos, err := m.Get(ctx, line.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), pos.InterestAccrued)
}

func TestAccrualAmountLargePrincipal(t *testing.T) {
	// The intermediate product exceeds int64; the quotient must still
	// come out exact.
	principal := int64(1) << 55
	got, err := accrualAmount(principal, 10000, 365, 365)
	require.NoError(t, err)
	assert.Equal(t, principal, got)

	// A quotient past int64 is an error, never a wrapped value.
	_, err = accrualAmount(math.MaxInt64, 10000, 1<<40, 365)
	assert.ErrorContains(t, err, "overflow")
}

func TestAccrueIdempotentPerWindow(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	line := openLine(t, m, 1_000_000, 500, 0)
	_, err := m.Draw(ctx, line.ID, 730_000)
	require.NoError(t, err)

	accrued, applied, err := m.AccrueInterest(ctx, line.ID, "window-1", 7)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, int64(700), accrued)

	// Same window again: no-op, never double interest.
	accrued, applied, err = m.AccrueInterest(ctx, line.ID, "window-1", 7)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Zero(t, accrued)

	_, pos, err := m.Get(ctx, line.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), pos.InterestAccrued)

	// A different window accrues normally.
	_, applied, err = m.AccrueInterest(ctx, line.ID, "window-2", 7)
	require.NoError(t, err)
	assert.True(t, applied)

	require.NoError(t, m.CheckConsistency(ctx, line.ID))
}

func TestMarginCallLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	now := int64(1_700_000_000)
	m.WithNow(func() int64 { return now })

	line := openLine(t, m, 10_000, 0, 5000) // collateral >= 50% of exposure
	_, err := m.Draw(ctx, line.ID, 8000)
	require.NoError(t, err)

	// Required 4000, locked 1000: shortfall 3000.
	_, err = m.LockCollateral(ctx, line.ID, "asset-1", "bond", 1000)
	require.NoError(t, err)

	call, err := m.IssueMarginCall(ctx, line.ID, now+3600)
	require.NoError(t, err)
	assert.Equal(t, MarginPending, call.Status)
	assert.Equal(t, int64(3000), call.RequiredAmount)

	// Only one open call per line.
	_, err = m.IssueMarginCall(ctx, line.ID, now+3600)
	assert.ErrorContains(t, err, "already has")

	// Resolve rechecks the shortfall at resolve time.
	err = m.ResolveMarginCall(ctx, call.ID)
	assert.ErrorContains(t, err, "not cured")

	_, err = m.LockCollateral(ctx, line.ID, "asset-2", "bond", 3000)
	require.NoError(t, err)
	require.NoError(t, m.ResolveMarginCall(ctx, call.ID))

	// Once resolved, a new shortfall opens a new call.
	_, err = m.Draw(ctx, line.ID, 2000)
	require.NoError(t, err)
	call2, err := m.IssueMarginCall(ctx, line.ID, now+3600)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), call2.RequiredAmount)
}

func TestMarginCallNoShortfall(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	line := openLine(t, m, 10_000, 0, 5000)
	_, err := m.Draw(ctx, line.ID, 2000)
	require.NoError(t, err)
	_, err = m.LockCollateral(ctx, line.ID, "asset-1", "bond", 1000)
	require.NoError(t, err)

	_, err = m.IssueMarginCall(ctx, line.ID, 0)
	assert.ErrorContains(t, err, "no shortfall")
}

func TestEscalateRequiresDeadlinePassed(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	now := int64(1_700_000_000)
	m.WithNow(func() int64 { return now })

	line := openLine(t, m, 10_000, 0, 5000)
	_, err := m.Draw(ctx, line.ID, 8000)
	require.NoError(t, err)

	call, err := m.IssueMarginCall(ctx, line.ID, now+3600)
	require.NoError(t, err)

	err = m.EscalateMarginCall(ctx, call.ID)
	assert.ErrorContains(t, err, "not yet due")

	now += 3601
	require.NoError(t, m.EscalateMarginCall(ctx, call.ID))
}

func TestLiquidationWaterfall(t *testing.T) {
	m, l := newTestManager(t)
	ctx := context.Background()

	now := int64(1_700_000_000)
	m.WithNow(func() int64 { return now })

	line := openLine(t, m, 10_000, 500, 10000) // 100% collateral floor
	_, err := m.Draw(ctx, line.ID, 5000)
	require.NoError(t, err)
	_, err = m.ApplyFee(ctx, line.ID, "late", 100, "missed payment")
	require.NoError(t, err)
	_, applied, err := m.AccrueInterest(ctx, line.ID, "window-1", 365)
	require.NoError(t, err)
	require.True(t, applied) // 5000 * 500 / 10000 = 250

	// Exposure 5350, locked 3000: shortfall, call, escalate past due.
	_, err = m.LockCollateral(ctx, line.ID, "asset-1", "bond", 3000)
	require.NoError(t, err)
	call, err := m.IssueMarginCall(ctx, line.ID, now+60)
	require.NoError(t, err)
	now += 61
	require.NoError(t, m.EscalateMarginCall(ctx, call.ID))

	res, err := m.Liquidate(ctx, line.ID)
	require.NoError(t, err)

	// Waterfall: fees 100, then interest 250, then principal 2650.
	assert.Equal(t, int64(3000), res.Proceeds)
	assert.Equal(t, int64(100), res.FeesPaid)
	assert.Equal(t, int64(250), res.InterestPaid)
	assert.Equal(t, int64(2650), res.PrincipalPaid)
	assert.Zero(t, res.Surplus)

	lineAfter, pos, err := m.Get(ctx, line.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusLiquidated, lineAfter.Status)
	assert.Equal(t, Position{Principal: 2350}, *pos)

	// Terminal: no further draws.
	_, err = m.Draw(ctx, line.ID, 1)
	assert.ErrorContains(t, err, "liquidated")

	require.NoError(t, m.CheckConsistency(ctx, line.ID))
	require.NoError(t, l.Audit(ctx, line.Borrower))
}

func TestLiquidationSurplusReturnsToBorrower(t *testing.T) {
	m, l := newTestManager(t)
	ctx := context.Background()

	now := int64(1_700_000_000)
	m.WithNow(func() int64 { return now })

	line := openLine(t, m, 10_000, 0, 20000) // 200% floor forces a shortfall
	_, err := m.Draw(ctx, line.ID, 1000)
	require.NoError(t, err)
	_, err = m.LockCollateral(ctx, line.ID, "asset-1", "bond", 1500)
	require.NoError(t, err)

	call, err := m.IssueMarginCall(ctx, line.ID, now+60)
	require.NoError(t, err)
	now += 61
	require.NoError(t, m.EscalateMarginCall(ctx, call.ID))

	res, err := m.Liquidate(ctx, line.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.PrincipalPaid)
	assert.Equal(t, int64(500), res.Surplus)

	// Draw 1000 plus surplus 500.
	bal, err := l.Balance(ctx, line.Borrower)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), bal)
}

func TestLiquidateRequiresEscalatedCall(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	line := openLine(t, m, 10_000, 0, 0)
	_, err := m.Draw(ctx, line.ID, 100)
	require.NoError(t, err)

	_, err = m.Liquidate(ctx, line.ID)
	assert.ErrorContains(t, err, "no escalated margin call")
}

func TestUnlockCollateralGuards(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	line := openLine(t, m, 10_000, 0, 5000)
	_, err := m.Draw(ctx, line.ID, 4000)
	require.NoError(t, err)

	lock, err := m.LockCollateral(ctx, line.ID, "asset-1", "bond", 2500)
	require.NoError(t, err)

	// Required 2000; releasing the whole 2500 would leave 0.
	err = m.UnlockCollateral(ctx, lock.ID)
	assert.ErrorContains(t, err, "required")

	_, err = m.Repay(ctx, line.ID, 4000, 0, 0)
	require.NoError(t, err)
	require.NoError(t, m.UnlockCollateral(ctx, lock.ID))

	// Already unlocked.
	err = m.UnlockCollateral(ctx, lock.ID)
	assert.ErrorContains(t, err, "not locked")
}

func TestCloseRequiresZeroPosition(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	line := openLine(t, m, 1000, 0, 0)
	_, err := m.Draw(ctx, line.ID, 200)
	require.NoError(t, err)

	err = m.Close(ctx, line.ID)
	assert.ErrorContains(t, err, "outstanding position")

	_, err = m.Repay(ctx, line.ID, 200, 0, 0)
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, line.ID))

	// Terminal.
	_, err = m.Draw(ctx, line.ID, 1)
	assert.ErrorContains(t, err, "closed")
	err = m.Close(ctx, line.ID)
	assert.Error(t, err)
}

func TestReplayMatchesStoredPosition(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	line := openLine(t, m, 100_000, 800, 0)

	_, err := m.Draw(ctx, line.ID, 50_000)
	require.NoError(t, err)
	_, _, err = m.AccrueInterest(ctx, line.ID, "w1", 30)
	require.NoError(t, err)
	_, err = m.ApplyFee(ctx, line.ID, "service", 75, "")
	require.NoError(t, err)
	_, err = m.Repay(ctx, line.ID, 10_000, 100, 75)
	require.NoError(t, err)
	_, err = m.Draw(ctx, line.ID, 5_000)
	require.NoError(t, err)

	require.NoError(t, m.CheckConsistency(ctx, line.ID))

	events, err := m.Events(ctx, line.ID)
	require.NoError(t, err)
	folded, err := FoldPosition(events)
	require.NoError(t, err)

	_, stored, err := m.Get(ctx, line.ID)
	require.NoError(t, err)
	assert.Equal(t, *stored, *folded)
}
