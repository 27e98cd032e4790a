package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/tontinehq/tontine/internal/breaker"
	"github.com/tontinehq/tontine/internal/clock"
	gwdomain "github.com/tontinehq/tontine/internal/gateway/domain"
	"github.com/tontinehq/tontine/internal/group/domain"
	ledgerdomain "github.com/tontinehq/tontine/internal/ledger/domain"
	ledgersvc "github.com/tontinehq/tontine/internal/ledger/service"
	"github.com/tontinehq/tontine/internal/notification"
	notifdomain "github.com/tontinehq/tontine/internal/notification/domain"
	"github.com/tontinehq/tontine/internal/observability/metrics"
	"github.com/tontinehq/tontine/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fakeGateway scripts provider behavior per payer reference. The
// default outcome is an accepted charge that stays processing until a
// webhook, matching the destination-charge flow.
type fakeGateway struct {
	mu    sync.Mutex
	calls []gwdomain.ChargeRequest
	fail  map[string]error
	seq   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{fail: make(map[string]error)}
}

func (f *fakeGateway) Provider() string { return "fake" }

func (f *fakeGateway) CreateCharge(_ context.Context, req gwdomain.ChargeRequest) (gwdomain.ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err := f.fail[req.PayerRef]; err != nil {
		return gwdomain.ChargeResult{}, err
	}
	f.seq++
	return gwdomain.ChargeResult{
		Reference: fmt.Sprintf("ch_%d", f.seq),
		Status:    gwdomain.ResultProcessing,
	}, nil
}

func (f *fakeGateway) failFor(payerRef string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, payerRef)
		return
	}
	f.fail[payerRef] = err
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	db     *gorm.DB
	eng    *Engine
	queue  *queue.Memory
	clk    *clock.FakeClock
	gw     *fakeGateway
	brk    *breaker.Breaker
	ledger ledgersvc.Service
}

func newHarness(t *testing.T, brkCfg breaker.Config) *harness {
	t.Helper()
	metrics.ResetForTest()

	db := openTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	gw := newFakeGateway()
	brk := breaker.New(brkCfg, clk, log)
	q := queue.NewMemory(clk)
	ledger := ledgersvc.New(db, node, log)
	outbox := notification.NewOutbox(node)

	eng := New(db, node, gw, brk, q, ledger, outbox, clk, Config{}, log)
	return &harness{db: db, eng: eng, queue: q, clk: clk, gw: gw, brk: brk, ledger: ledger}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	// sqlite has no row locks; drop the locking clause before SQL is
	// built and scrub raw statements.
	err = db.Callback().Query().Before("gorm:query").Register("test_strip_locking", func(d *gorm.DB) {
		delete(d.Statement.Clauses, "FOR")
		if sql := d.Statement.SQL.String(); strings.Contains(sql, "FOR UPDATE") {
			rewritten := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			rewritten = strings.ReplaceAll(rewritten, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(rewritten)
		}
	})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&domain.Group{},
		&domain.Membership{},
		&domain.Payment{},
		&domain.Payout{},
		&domain.GroupCycle{},
		&ledgerdomain.Account{},
		&ledgerdomain.Entry{},
		&ledgerdomain.EntryLine{},
		&notifdomain.Outbox{},
	)
	require.NoError(t, err)
	return db
}

// seedGroup creates an active group with memberCount verified members
// and the given schedule. Member N has user ID 100+N and payout order N.
func seedGroup(t *testing.T, h *harness, memberCount int, contribution int64, dates ...time.Time) *domain.Group {
	t.Helper()
	group := &domain.Group{
		ID:                 1,
		Name:               "lakeside savings circle",
		Status:             domain.GroupStatusActive,
		ContributionAmount: contribution,
		Currency:           "usd",
		CycleFrequency:     domain.FrequencyMonthly,
		FutureCycleDates:   dates,
		CurrentMemberCycle: 1,
	}
	if len(dates) > 0 {
		group.NextCycleDate = &dates[0]
	}
	require.NoError(t, h.db.Create(group).Error)

	for i := 1; i <= memberCount; i++ {
		member := domain.Membership{
			ID:               int64(i),
			GroupID:          group.ID,
			UserID:           int64(100 + i),
			Email:            fmt.Sprintf("member%d@example.com", i),
			Status:           domain.MembershipStatusActive,
			PayoutOrder:      int64(i),
			PayerRef:         fmt.Sprintf("payer_%d", i),
			PaymentMethodRef: fmt.Sprintf("pm_%d", i),
			MandateRef:       fmt.Sprintf("mandate_%d", i),
			MandateVerified:  true,
			PayoutAccountRef: fmt.Sprintf("acct_%d", i),
		}
		require.NoError(t, h.db.Create(&member).Error)
	}
	return group
}

func loadGroup(t *testing.T, h *harness, id int64) domain.Group {
	t.Helper()
	var group domain.Group
	require.NoError(t, h.db.Where("id = ?", id).First(&group).Error)
	return group
}

func loadPayment(t *testing.T, h *harness, groupID, userID, cycleNumber int64) domain.Payment {
	t.Helper()
	var payment domain.Payment
	err := h.db.Where("group_id = ? AND user_id = ? AND cycle_number = ?",
		groupID, userID, cycleNumber).First(&payment).Error
	require.NoError(t, err)
	return payment
}

func cyclePayments(t *testing.T, h *harness, groupID, cycleNumber int64) []domain.Payment {
	t.Helper()
	var payments []domain.Payment
	err := h.db.Where("group_id = ? AND cycle_number = ?", groupID, cycleNumber).
		Order("user_id ASC").Find(&payments).Error
	require.NoError(t, err)
	return payments
}

// confirmCycle replays provider success webhooks for every pending
// payment of the cycle.
func confirmCycle(t *testing.T, h *harness, groupID, cycleNumber int64) {
	t.Helper()
	for _, p := range cyclePayments(t, h, groupID, cycleNumber) {
		if p.Status != domain.PaymentStatusPending {
			continue
		}
		require.NotEmpty(t, p.ExternalRef)
		require.NoError(t, h.eng.HandlePaymentSucceeded(context.Background(), p.ExternalRef))
	}
}

// leaseAll drains every currently due job.
func leaseAll(t *testing.T, h *harness) []*queue.Job {
	t.Helper()
	var jobs []*queue.Job
	for {
		job, err := h.queue.Lease(context.Background(), time.Minute)
		if err != nil {
			require.ErrorIs(t, err, queue.ErrNoJob)
			return jobs
		}
		jobs = append(jobs, job)
	}
}

func jobsOfKind(jobs []*queue.Job, kind queue.Kind) []*queue.Job {
	var out []*queue.Job
	for _, j := range jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

func outboxRows(t *testing.T, h *harness, groupID int64, kind string) []notifdomain.Outbox {
	t.Helper()
	var rows []notifdomain.Outbox
	err := h.db.Where("group_id = ? AND kind = ?", groupID, kind).Find(&rows).Error
	require.NoError(t, err)
	return rows
}

func monthlyDates(start time.Time, n int) []time.Time {
	dates := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		dates = append(dates, start.AddDate(0, i, 0))
	}
	return dates
}
