package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Outbox statuses.
const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
)

// Notification kinds emitted by the cycle engine.
const (
	KindPaymentFailed     = "payment_failed"
	KindRetryScheduled    = "payment_retry_scheduled"
	KindGroupPaused       = "group_paused"
	KindGroupReactivated  = "group_reactivated"
	KindPayoutSent        = "payout_sent"
	KindCycleFinalized    = "cycle_finalized"
)

// MaxDispatchAttempts bounds per-message delivery retries.
const MaxDispatchAttempts = 3

// Outbox is one staged notification. Rows are written inside the same
// transaction as the state change they announce and delivered after
// commit, so a rolled-back cycle never notifies anyone.
type Outbox struct {
	ID           int64  `gorm:"primaryKey"`
	GroupID      int64  `gorm:"index"`
	UserID       int64
	Kind         string `gorm:"size:64"`
	Recipient    string `gorm:"size:255"`
	Payload      datatypes.JSON
	Status       string `gorm:"size:32;default:PENDING"`
	Attempts     int64
	LastError    string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

func (Outbox) TableName() string { return "notification_outbox" }
