package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tontinehq/tontine/internal/clock"
	"github.com/tontinehq/tontine/internal/notification/domain"
	"github.com/tontinehq/tontine/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type flakyProvider struct {
	failures int
	sent     []string
}

func (p *flakyProvider) Send(_ context.Context, to, subject, body string) error {
	if p.failures > 0 {
		p.failures--
		return errors.New("smtp_connection_reset")
	}
	p.sent = append(p.sent, to)
	return nil
}

func newDispatcherHarness(t *testing.T, provider Provider) (*Dispatcher, *Outbox, *gorm.DB) {
	t.Helper()
	metrics.ResetForTest()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.Outbox{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))

	return NewDispatcher(db, provider, clk, zap.NewNop()), NewOutbox(node), db
}

func stage(t *testing.T, db *gorm.DB, outbox *Outbox, msg Message) {
	t.Helper()
	require.NoError(t, outbox.Stage(context.Background(), db, msg))
}

func TestDispatchGroupSendsPendingRows(t *testing.T) {
	provider := &flakyProvider{}
	d, outbox, db := newDispatcherHarness(t, provider)
	ctx := context.Background()

	stage(t, db, outbox, Message{
		GroupID:   1,
		UserID:    102,
		Kind:      domain.KindPaymentFailed,
		Recipient: "member2@example.com",
		Payload:   map[string]any{"payment_id": 10},
	})
	stage(t, db, outbox, Message{
		GroupID: 1,
		Kind:    domain.KindCycleFinalized,
		Payload: map[string]any{"cycle_number": 1},
	})

	require.NoError(t, d.DispatchGroup(ctx, 1))

	assert.Equal(t, []string{"member2@example.com"}, provider.sent)

	var rows []domain.Outbox
	require.NoError(t, db.Where("group_id = ?", 1).Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, domain.StatusSent, row.Status)
		assert.NotNil(t, row.DispatchedAt)
	}
}

func TestDispatchGroupRetriesUntilExhausted(t *testing.T) {
	provider := &flakyProvider{failures: domain.MaxDispatchAttempts}
	d, outbox, db := newDispatcherHarness(t, provider)
	ctx := context.Background()

	stage(t, db, outbox, Message{
		GroupID:   1,
		UserID:    102,
		Kind:      domain.KindGroupPaused,
		Recipient: "member2@example.com",
	})

	// First two failures keep the row pending and propagate the error
	// so the queue retries the job.
	require.Error(t, d.DispatchGroup(ctx, 1))
	require.Error(t, d.DispatchGroup(ctx, 1))

	var row domain.Outbox
	require.NoError(t, db.Where("group_id = ?", 1).First(&row).Error)
	assert.Equal(t, domain.StatusPending, row.Status)
	assert.Equal(t, int64(2), row.Attempts)

	// The final failure buries the row without failing the job.
	require.NoError(t, d.DispatchGroup(ctx, 1))
	require.NoError(t, db.Where("group_id = ?", 1).First(&row).Error)
	assert.Equal(t, domain.StatusFailed, row.Status)
	assert.Equal(t, int64(3), row.Attempts)
	assert.Equal(t, "smtp_connection_reset", row.LastError)

	// Exhausted rows are left alone on later drains.
	require.NoError(t, d.DispatchGroup(ctx, 1))
	require.NoError(t, db.Where("group_id = ?", 1).First(&row).Error)
	assert.Equal(t, int64(3), row.Attempts)
	assert.Empty(t, provider.sent)
}

func TestDispatchGroupScopesToGroup(t *testing.T) {
	provider := &flakyProvider{}
	d, outbox, db := newDispatcherHarness(t, provider)
	ctx := context.Background()

	stage(t, db, outbox, Message{GroupID: 1, Kind: domain.KindCycleFinalized, Recipient: "a@example.com"})
	stage(t, db, outbox, Message{GroupID: 2, Kind: domain.KindCycleFinalized, Recipient: "b@example.com"})

	require.NoError(t, d.DispatchGroup(ctx, 1))

	var pending int64
	err := db.Model(&domain.Outbox{}).
		Where("status = ?", domain.StatusPending).
		Count(&pending).Error
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}
