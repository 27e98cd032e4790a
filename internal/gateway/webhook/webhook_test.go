package webhook

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tontinehq/tontine/internal/breaker"
	"github.com/tontinehq/tontine/internal/clock"
	"github.com/tontinehq/tontine/internal/engine"
	"github.com/tontinehq/tontine/internal/gateway/adapters/sandbox"
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

func newWebhookService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	metrics.ResetForTest()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.Callback().Query().Before("gorm:query").Register("test_strip_locking", func(d *gorm.DB) {
		delete(d.Statement.Clauses, "FOR")
		if sql := d.Statement.SQL.String(); strings.Contains(sql, "FOR UPDATE") {
			rewritten := strings.ReplaceAll(sql, "FOR UPDATE", "")
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
		&gwdomain.Event{},
	)
	require.NoError(t, err)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	eng := engine.New(db, node, sandbox.New(log),
		breaker.New(breaker.Config{}, clk, log),
		queue.NewMemory(clk),
		ledgersvc.New(db, node, log),
		notification.NewOutbox(node),
		clk, engine.Config{}, log)

	return New(db, node, eng, log), db
}

func seedPendingPayment(t *testing.T, db *gorm.DB, externalRef string) {
	t.Helper()
	require.NoError(t, db.Create(&domain.Group{
		ID:                 1,
		Status:             domain.GroupStatusActive,
		ContributionAmount: 10000,
		Currency:           "usd",
		CurrentMemberCycle: 1,
	}).Error)
	require.NoError(t, db.Create(&domain.Membership{
		ID:              2,
		GroupID:         1,
		UserID:          102,
		Status:          domain.MembershipStatusActive,
		PayoutOrder:     2,
		MandateVerified: true,
	}).Error)
	require.NoError(t, db.Create(&domain.Payment{
		ID:          10,
		GroupID:     1,
		UserID:      102,
		CycleNumber: 1,
		Amount:      10000,
		Fee:         130,
		Currency:    "usd",
		Status:      domain.PaymentStatusPending,
		ExternalRef: externalRef,
	}).Error)
}

func chargeEvent(t *testing.T, eventID, eventType, reference, reason string) Event {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"reference": reference, "reason": reason})
	require.NoError(t, err)
	return Event{
		Provider:  "sandbox",
		EventID:   eventID,
		EventType: eventType,
		Payload:   payload,
	}
}

func TestProcessEventAppliesChargeSucceeded(t *testing.T) {
	svc, db := newWebhookService(t)
	seedPendingPayment(t, db, "ch_abc")
	ctx := context.Background()

	evt := chargeEvent(t, "evt_1", gwdomain.EventChargeSucceeded, "ch_abc", "")
	require.NoError(t, svc.ProcessEvent(ctx, evt))

	var payment domain.Payment
	require.NoError(t, db.Where("id = ?", 10).First(&payment).Error)
	assert.Equal(t, domain.PaymentStatusSuccessful, payment.Status)
}

func TestProcessEventDedupesRedeliveries(t *testing.T) {
	svc, db := newWebhookService(t)
	seedPendingPayment(t, db, "ch_abc")
	ctx := context.Background()

	require.NoError(t, svc.ProcessEvent(ctx, chargeEvent(t, "evt_1", gwdomain.EventChargeSucceeded, "ch_abc", "")))
	require.NoError(t, svc.ProcessEvent(ctx, chargeEvent(t, "evt_1", gwdomain.EventChargeSucceeded, "ch_abc", "")))

	var events int64
	require.NoError(t, db.Model(&gwdomain.Event{}).Count(&events).Error)
	assert.Equal(t, int64(1), events)

	// Only the first delivery posted to the ledger.
	var entries int64
	require.NoError(t, db.Model(&ledgerdomain.Entry{}).Count(&entries).Error)
	assert.Equal(t, int64(1), entries)
}

func TestProcessEventAppliesChargeFailed(t *testing.T) {
	svc, db := newWebhookService(t)
	seedPendingPayment(t, db, "ch_abc")
	ctx := context.Background()

	evt := chargeEvent(t, "evt_2", gwdomain.EventChargeFailed, "ch_abc", "insufficient_funds")
	require.NoError(t, svc.ProcessEvent(ctx, evt))

	var payment domain.Payment
	require.NoError(t, db.Where("id = ?", 10).First(&payment).Error)
	assert.Equal(t, domain.PaymentStatusFailed, payment.Status)
	assert.Equal(t, "insufficient_funds", payment.FailureReason)
	assert.Equal(t, int64(1), payment.RetryCount)
}

func TestProcessEventValidation(t *testing.T) {
	svc, _ := newWebhookService(t)
	ctx := context.Background()

	err := svc.ProcessEvent(ctx, Event{Provider: "sandbox", EventType: gwdomain.EventChargeSucceeded})
	assert.ErrorIs(t, err, ErrMissingEventID)

	evt := chargeEvent(t, "evt_3", gwdomain.EventChargeSucceeded, "", "")
	assert.ErrorIs(t, svc.ProcessEvent(ctx, evt), ErrMissingReference)
}

func TestProcessEventToleratesOrphansAndUnknownTypes(t *testing.T) {
	svc, db := newWebhookService(t)
	ctx := context.Background()

	// Unknown reference is logged and acknowledged, not retried forever.
	evt := chargeEvent(t, "evt_4", gwdomain.EventChargeSucceeded, "ch_nowhere", "")
	assert.NoError(t, svc.ProcessEvent(ctx, evt))

	evt = chargeEvent(t, "evt_5", "charge.disputed", "ch_nowhere", "")
	assert.NoError(t, svc.ProcessEvent(ctx, evt))

	var events int64
	require.NoError(t, db.Model(&gwdomain.Event{}).Count(&events).Error)
	assert.Equal(t, int64(2), events)
}
