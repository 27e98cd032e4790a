package domain

import (
	"errors"
	"time"

	"gorm.io/datatypes"
)

// Group status values.
const (
	GroupStatusActive = "ACTIVE"
	GroupStatusPaused = "PAUSED"
)

// Pause reasons recorded on the group when it leaves ACTIVE.
const (
	PauseReasonPaymentFailures = "PAYMENT_FAILURES"
	PauseReasonManual          = "MANUAL"
)

// Cycle frequencies.
const (
	FrequencyWeekly   = "weekly"
	FrequencyBiweekly = "biweekly"
	FrequencyMonthly  = "monthly"
)

// Payment and payout statuses.
const (
	PaymentStatusPending    = "PENDING"
	PaymentStatusSuccessful = "SUCCESSFUL"
	PaymentStatusFailed     = "FAILED"

	PayoutStatusPending    = "PENDING"
	PayoutStatusSuccessful = "SUCCESSFUL"
	PayoutStatusFailed     = "FAILED"
)

// Membership statuses.
const (
	MembershipStatusActive  = "ACTIVE"
	MembershipStatusRemoved = "REMOVED"
)

var (
	ErrGroupNotFound       = errors.New("group_not_found")
	ErrGroupNotActive      = errors.New("group_not_active")
	ErrGroupNotPaused      = errors.New("group_not_paused")
	ErrInvalidContribution = errors.New("invalid_contribution_amount")
	ErrCycleInProgress     = errors.New("cycle_in_progress")
	ErrCyclesCompleted     = errors.New("cycles_completed")
	ErrStaleCycle          = errors.New("stale_cycle_number")
	ErrNoScheduledCycle    = errors.New("no_scheduled_cycle")
	ErrNoEligiblePayee     = errors.New("no_eligible_payee")
	ErrPaymentNotFound     = errors.New("payment_not_found")
	ErrPaymentNotRetrying  = errors.New("payment_not_retryable")
	ErrPayeeUpdateRace     = errors.New("payee_update_conflict")
)

// Group is a rotating savings group. Money amounts are minor units.
type Group struct {
	ID                   int64  `gorm:"primaryKey"`
	Name                 string `gorm:"size:255"`
	Status               string `gorm:"size:32;default:ACTIVE"`
	PauseReason          *string
	ContributionAmount   int64
	Currency             string `gorm:"size:8;default:usd"`
	CycleFrequency       string `gorm:"size:16"`
	NextCycleDate        *time.Time
	FutureCycleDates     datatypes.JSONSlice[time.Time]
	CycleStarted         bool
	CyclesCompleted      bool
	TotalCyclesCompleted int64
	CurrentMemberCycle   int64 `gorm:"default:1"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (Group) TableName() string { return "groups" }

// IsSchedulable reports whether a next run may be queued for the group.
func (g *Group) IsSchedulable() bool {
	return g.Status == GroupStatusActive &&
		!g.CycleStarted &&
		!g.CyclesCompleted &&
		g.NextCycleDate != nil
}

// Membership links a user to a group with a fixed payout position.
type Membership struct {
	ID               int64  `gorm:"primaryKey"`
	GroupID          int64  `gorm:"uniqueIndex:uq_membership"`
	UserID           int64  `gorm:"uniqueIndex:uq_membership"`
	Email            string `gorm:"size:255"`
	Status           string `gorm:"size:32;default:ACTIVE"`
	PayoutOrder      int64
	HasBeenPaid      bool
	PayerRef         string `gorm:"size:255"`
	PaymentMethodRef string `gorm:"size:255"`
	MandateRef       string `gorm:"size:255"`
	MandateVerified  bool
	PayoutAccountRef string `gorm:"size:255"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Membership) TableName() string { return "memberships" }

// Payment is one member's debit for one cycle. The
// (group_id, user_id, cycle_number) key makes charge attempts idempotent.
type Payment struct {
	ID            int64 `gorm:"primaryKey"`
	GroupID       int64 `gorm:"uniqueIndex:uq_payment_cycle"`
	UserID        int64 `gorm:"uniqueIndex:uq_payment_cycle"`
	CycleNumber   int64 `gorm:"uniqueIndex:uq_payment_cycle"`
	Amount        int64
	Fee           int64
	Currency      string `gorm:"size:8;default:usd"`
	Status        string `gorm:"size:32;default:PENDING"`
	RetryCount    int64
	ExternalRef   string `gorm:"size:255;index"`
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Payment) TableName() string { return "payments" }

// Payout is the credit to the cycle's payee. One per group cycle;
// amount = contribution x (member count - 1) since the payee does not
// contribute to their own pot.
type Payout struct {
	ID            int64 `gorm:"primaryKey"`
	GroupID       int64 `gorm:"uniqueIndex:uq_payout_cycle"`
	UserID        int64
	CycleNumber   int64 `gorm:"uniqueIndex:uq_payout_cycle"`
	PayoutOrder   int64
	Amount        int64
	Currency      string `gorm:"size:8;default:usd"`
	Status        string `gorm:"size:32;default:PENDING"`
	ExternalRef   string `gorm:"size:255"`
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Payout) TableName() string { return "payouts" }

// GroupCycle statuses.
const CycleStatusCompleted = "COMPLETED"

// GroupCycle is the immutable audit record written when a cycle fully
// resolves. Never mutated afterward.
type GroupCycle struct {
	ID                 int64 `gorm:"primaryKey"`
	GroupID            int64 `gorm:"uniqueIndex:uq_group_cycle"`
	CycleNumber        int64 `gorm:"uniqueIndex:uq_group_cycle"`
	PayeeUserID        int64
	TotalAmount        int64
	Status             string `gorm:"size:32"`
	SuccessfulPayments int64
	FailedPayments     int64
	PendingPayments    int64
	CreatedAt          time.Time
}

func (GroupCycle) TableName() string { return "group_cycles" }
