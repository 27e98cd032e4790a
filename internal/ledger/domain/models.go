package domain

import (
	"errors"
	"time"
)

// Entry directions.
const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"
)

// Account codes used by the cycle engine.
const (
	AccountMemberReceivable = "member_receivable"
	AccountPoolCash         = "pool_cash"
	AccountPayoutPayable    = "payout_payable"
	AccountFeeRevenue       = "fee_revenue"
)

// Source types recorded on entries.
const (
	SourceTypePayment = "payment"
	SourceTypePayout  = "payout"
)

var (
	ErrUnbalancedEntry = errors.New("ledger_entry_unbalanced")
	ErrEmptyEntry      = errors.New("ledger_entry_empty")
)

// Account is a per-group ledger account. UserID is zero for pooled
// accounts and set for member-scoped ones.
type Account struct {
	ID        int64  `gorm:"primaryKey"`
	GroupID   int64  `gorm:"uniqueIndex:uq_ledger_account"`
	Code      string `gorm:"size:64;uniqueIndex:uq_ledger_account"`
	UserID    int64  `gorm:"uniqueIndex:uq_ledger_account"`
	Currency  string `gorm:"size:8;default:usd"`
	CreatedAt time.Time
}

func (Account) TableName() string { return "ledger_accounts" }

// Entry groups balanced lines under one financial event. The
// (source_type, source_id) key keeps replays from double-posting.
type Entry struct {
	ID          int64  `gorm:"primaryKey"`
	GroupID     int64
	SourceType  string `gorm:"size:64;uniqueIndex:uq_ledger_source"`
	SourceID    string `gorm:"size:128;uniqueIndex:uq_ledger_source"`
	Description string
	CreatedAt   time.Time
}

func (Entry) TableName() string { return "ledger_entries" }

// EntryLine is a single debit or credit within an entry.
type EntryLine struct {
	ID        int64  `gorm:"primaryKey"`
	EntryID   int64  `gorm:"index"`
	AccountID int64  `gorm:"index"`
	Direction string `gorm:"size:8"`
	Amount    int64
	CreatedAt time.Time
}

func (EntryLine) TableName() string { return "ledger_entry_lines" }

// Line is the input shape for posting one leg of an entry.
type Line struct {
	Code      string
	UserID    int64
	Direction string
	Amount    int64
}
