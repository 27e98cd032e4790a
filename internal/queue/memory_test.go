package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tontinehq/tontine/internal/clock"
)

func newMemoryQueue(t *testing.T) (*Memory, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	return NewMemory(clk), clk
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	q, _ := newMemoryQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindRunCycle, RunCyclePayload{GroupID: 0, CycleNumber: 1})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = q.Enqueue(ctx, Kind("unknown"), RunCyclePayload{GroupID: 1, CycleNumber: 1})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDelayedJobNotLeasedEarly(t *testing.T) {
	q, clk := newMemoryQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindRunCycle,
		RunCyclePayload{GroupID: 10, CycleNumber: 1},
		WithRunAt(clk.Now().Add(time.Hour)),
	)
	require.NoError(t, err)

	_, err = q.Lease(ctx, time.Minute)
	assert.ErrorIs(t, err, ErrNoJob)

	clk.Advance(time.Hour)
	job, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, KindRunCycle, job.Kind)
	assert.Equal(t, 1, job.Attempts)
}

func TestDedupeKeyMakesEnqueueIdempotent(t *testing.T) {
	q, _ := newMemoryQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, KindRunCycle,
		RunCyclePayload{GroupID: 10, CycleNumber: 3},
		WithDedupeKey("run-cycle:10:3"),
	)
	require.NoError(t, err)
	assert.Equal(t, "run-cycle:10:3", first)

	second, err := q.Enqueue(ctx, KindRunCycle,
		RunCyclePayload{GroupID: 10, CycleNumber: 3},
		WithDedupeKey("run-cycle:10:3"),
	)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
}

func TestRemoveCancelsPendingJob(t *testing.T) {
	q, _ := newMemoryQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindRunCycle,
		RunCyclePayload{GroupID: 7, CycleNumber: 2},
		WithDedupeKey("run-cycle:7:2"),
	)
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, "run-cycle:7:2"))
	require.NoError(t, q.Remove(ctx, "run-cycle:7:2"))

	_, err = q.Lease(ctx, time.Minute)
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestLeaseOrderFollowsRunAt(t *testing.T) {
	q, clk := newMemoryQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindRunCycle,
		RunCyclePayload{GroupID: 2, CycleNumber: 1},
		WithRunAt(clk.Now().Add(2*time.Minute)),
	)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, KindRunCycle,
		RunCyclePayload{GroupID: 1, CycleNumber: 1},
		WithRunAt(clk.Now().Add(time.Minute)),
	)
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)

	first, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	var p RunCyclePayload
	require.NoError(t, first.Decode(&p))
	assert.EqualValues(t, 1, p.GroupID)
}

func TestRequeueStalledReturnsExpiredLeases(t *testing.T) {
	q, clk := newMemoryQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindRetryPayment, RetryPaymentPayload{GroupID: 4, PaymentID: 9})
	require.NoError(t, err)

	job, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempts)

	n, err := q.RequeueStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(2 * time.Minute)
	n, err = q.RequeueStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Attempts)
}

func TestBuryMovesJobToDeadSet(t *testing.T) {
	q, _ := newMemoryQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindHandlePause, HandlePausePayload{GroupID: 3, Reason: "PAYMENT_FAILURES"})
	require.NoError(t, err)

	job, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Bury(ctx, job, assert.AnError))

	dead, err := q.DeadJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)
	assert.Contains(t, dead[0].LastError, assert.AnError.Error())

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Dead)
	assert.EqualValues(t, 0, stats.InFlight)
}

func TestBackoffDoublesAndClamps(t *testing.T) {
	base := 5 * time.Second
	cap := time.Minute

	assert.Equal(t, 5*time.Second, Backoff(1, base, cap))
	assert.Equal(t, 10*time.Second, Backoff(2, base, cap))
	assert.Equal(t, 40*time.Second, Backoff(4, base, cap))
	assert.Equal(t, time.Minute, Backoff(10, base, cap))
}
