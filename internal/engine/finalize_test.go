package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tontinehq/tontine/internal/breaker"
	"github.com/tontinehq/tontine/internal/group/domain"
	ledgerdomain "github.com/tontinehq/tontine/internal/ledger/domain"
	notifdomain "github.com/tontinehq/tontine/internal/notification/domain"
)

func TestFinalizeRecordsCycleAndAdvancesGroup(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	dates := monthlyDates(h.clk.Now(), 3)
	seedGroup(t, h, 3, 10000, dates...)
	ctx := context.Background()

	require.NoError(t, h.eng.RunCycle(ctx, 1, 1))
	confirmCycle(t, h, 1, 1)

	var cycle domain.GroupCycle
	require.NoError(t, h.db.Where("group_id = ? AND cycle_number = ?", 1, 1).First(&cycle).Error)
	assert.Equal(t, int64(101), cycle.PayeeUserID)
	assert.Equal(t, int64(20000), cycle.TotalAmount)
	assert.Equal(t, domain.CycleStatusCompleted, cycle.Status)
	assert.Equal(t, int64(2), cycle.SuccessfulPayments)
	assert.Zero(t, cycle.FailedPayments)
	assert.Zero(t, cycle.PendingPayments)

	var payout domain.Payout
	require.NoError(t, h.db.Where("group_id = ? AND cycle_number = ?", 1, 1).First(&payout).Error)
	assert.Equal(t, domain.PayoutStatusSuccessful, payout.Status)

	group := loadGroup(t, h, 1)
	assert.Equal(t, int64(1), group.TotalCyclesCompleted)
	assert.False(t, group.CycleStarted)
	assert.False(t, group.CyclesCompleted)
	assert.Equal(t, int64(2), group.CurrentMemberCycle)
	require.NotNil(t, group.NextCycleDate)
	assert.True(t, group.NextCycleDate.Equal(dates[1]))

	assert.Len(t, outboxRows(t, h, 1, notifdomain.KindPayoutSent), 1)
	assert.Len(t, outboxRows(t, h, 1, notifdomain.KindCycleFinalized), 1)
}

func TestFinalizeBalancesPoolLedger(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	seedGroup(t, h, 3, 10000, monthlyDates(h.clk.Now(), 3)...)
	ctx := context.Background()

	require.NoError(t, h.eng.RunCycle(ctx, 1, 1))
	confirmCycle(t, h, 1, 1)

	// Two contributions credit the pool, the payout debits it back out.
	pool, err := h.ledger.AccountBalance(ctx, 1, ledgerdomain.AccountPoolCash, 0)
	require.NoError(t, err)
	assert.Zero(t, pool)

	fees, err := h.ledger.AccountBalance(ctx, 1, ledgerdomain.AccountFeeRevenue, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-260), fees)

	payable, err := h.ledger.AccountBalance(ctx, 1, ledgerdomain.AccountPayoutPayable, 101)
	require.NoError(t, err)
	assert.Equal(t, int64(-20000), payable)
}

func TestFinalizeWaitsForEveryConfirmation(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	seedGroup(t, h, 3, 10000, monthlyDates(h.clk.Now(), 3)...)
	ctx := context.Background()

	require.NoError(t, h.eng.RunCycle(ctx, 1, 1))

	payment := loadPayment(t, h, 1, 102, 1)
	require.NoError(t, h.eng.HandlePaymentSucceeded(ctx, payment.ExternalRef))

	finalized, err := h.eng.CheckAndFinalizeCycle(ctx, 1)
	require.NoError(t, err)
	assert.False(t, finalized)
	assert.Equal(t, int64(0), loadGroup(t, h, 1).TotalCyclesCompleted)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	seedGroup(t, h, 3, 10000, monthlyDates(h.clk.Now(), 3)...)
	ctx := context.Background()

	require.NoError(t, h.eng.RunCycle(ctx, 1, 1))
	confirmCycle(t, h, 1, 1)

	finalized, err := h.eng.CheckAndFinalizeCycle(ctx, 1)
	require.NoError(t, err)
	assert.False(t, finalized)

	var cycles int64
	require.NoError(t, h.db.Model(&domain.GroupCycle{}).Count(&cycles).Error)
	assert.Equal(t, int64(1), cycles)
}

func TestRotationResetsAfterEveryoneIsPaid(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	dates := monthlyDates(h.clk.Now(), 4)
	seedGroup(t, h, 2, 5000, dates...)
	ctx := context.Background()

	require.NoError(t, h.eng.RunCycle(ctx, 1, 1))
	confirmCycle(t, h, 1, 1)

	group := loadGroup(t, h, 1)
	assert.Equal(t, int64(2), group.CurrentMemberCycle)

	require.NoError(t, h.eng.RunCycle(ctx, 1, 2))

	// Member 2 is the only unpaid member and takes the second turn.
	var payout domain.Payout
	require.NoError(t, h.db.Where("group_id = ? AND cycle_number = ?", 1, 2).First(&payout).Error)
	assert.Equal(t, int64(102), payout.UserID)
	assert.Equal(t, int64(5000), payout.Amount)

	confirmCycle(t, h, 1, 2)

	group = loadGroup(t, h, 1)
	assert.Equal(t, int64(2), group.TotalCyclesCompleted)
	assert.Equal(t, int64(1), group.CurrentMemberCycle)

	var unpaid int64
	err := h.db.Model(&domain.Membership{}).
		Where("group_id = ? AND has_been_paid = ?", 1, false).
		Count(&unpaid).Error
	require.NoError(t, err)
	assert.Equal(t, int64(2), unpaid)
}

func TestGroupCompletesAfterLastScheduledDate(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	seedGroup(t, h, 2, 5000, monthlyDates(h.clk.Now(), 2)...)
	ctx := context.Background()

	require.NoError(t, h.eng.RunCycle(ctx, 1, 1))
	confirmCycle(t, h, 1, 1)
	require.NoError(t, h.eng.RunCycle(ctx, 1, 2))
	confirmCycle(t, h, 1, 2)

	group := loadGroup(t, h, 1)
	assert.True(t, group.CyclesCompleted)
	assert.Nil(t, group.NextCycleDate)
	assert.Equal(t, int64(2), group.TotalCyclesCompleted)

	err := h.eng.RunCycle(ctx, 1, 3)
	assert.ErrorIs(t, err, domain.ErrCyclesCompleted)
}
