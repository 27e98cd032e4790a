package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies a job type. Handlers are registered per kind.
type Kind string

const (
	KindRunCycle              Kind = "run-cycle"
	KindRetryPayment          Kind = "retry-payment"
	KindHandlePause           Kind = "handle-pause"
	KindDispatchNotifications Kind = "dispatch-notifications"
)

// Job statuses as reported by Stats and DeadJobs.
const (
	StatusPending  = "pending"
	StatusInFlight = "in_flight"
	StatusDead     = "dead"
)

var (
	ErrNoJob          = errors.New("no_job_available")
	ErrUnknownKind    = errors.New("unknown_job_kind")
	ErrInvalidPayload = errors.New("invalid_job_payload")
)

// RunCyclePayload starts one cycle execution for a group.
type RunCyclePayload struct {
	GroupID     int64 `json:"group_id"`
	CycleNumber int64 `json:"cycle_number"`
}

// RetryPaymentPayload re-attempts one failed member payment.
type RetryPaymentPayload struct {
	GroupID   int64 `json:"group_id"`
	PaymentID int64 `json:"payment_id"`
}

// HandlePausePayload applies pause side effects for a group.
type HandlePausePayload struct {
	GroupID int64  `json:"group_id"`
	Reason  string `json:"reason"`
}

// DispatchNotificationsPayload drains the group's notification outbox.
type DispatchNotificationsPayload struct {
	GroupID int64 `json:"group_id"`
}

// Validate checks that payload matches kind and carries required fields.
func Validate(kind Kind, payload []byte) error {
	switch kind {
	case KindRunCycle:
		var p RunCyclePayload
		if err := json.Unmarshal(payload, &p); err != nil || p.GroupID == 0 || p.CycleNumber == 0 {
			return fmt.Errorf("%w: %s", ErrInvalidPayload, kind)
		}
	case KindRetryPayment:
		var p RetryPaymentPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.GroupID == 0 || p.PaymentID == 0 {
			return fmt.Errorf("%w: %s", ErrInvalidPayload, kind)
		}
	case KindHandlePause:
		var p HandlePausePayload
		if err := json.Unmarshal(payload, &p); err != nil || p.GroupID == 0 || p.Reason == "" {
			return fmt.Errorf("%w: %s", ErrInvalidPayload, kind)
		}
	case KindDispatchNotifications:
		var p DispatchNotificationsPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.GroupID == 0 {
			return fmt.Errorf("%w: %s", ErrInvalidPayload, kind)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return nil
}

// Job is one unit of queued work. Delivery is at least once; handlers
// must be idempotent.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Decode unmarshals the job payload into out.
func (j *Job) Decode(out any) error {
	if err := json.Unmarshal(j.Payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
