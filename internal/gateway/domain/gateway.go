package domain

import (
	"context"
	"errors"
)

// Charge statuses as normalized from providers.
const (
	ResultSucceeded  = "succeeded"
	ResultProcessing = "processing"
	ResultFailed     = "failed"
)

var (
	ErrProviderUnavailable = errors.New("provider_unavailable")
	ErrChargeDeclined      = errors.New("charge_declined")
	ErrMandateInvalid      = errors.New("mandate_invalid")
	ErrUnknownProvider     = errors.New("unknown_provider")
)

// ChargeRequest debits one member's funding source with the funds
// routed to the payee's account. Amounts are minor units.
// IdempotencyKey is forwarded to the provider so replays of the same
// attempt cannot double-charge.
type ChargeRequest struct {
	Amount                int64
	Currency              string
	PayerRef              string
	PaymentMethodRef      string
	MandateRef            string
	DestinationAccountRef string
	ApplicationFee        int64
	IdempotencyKey        string
	Metadata              map[string]string
}

// ChargeResult is the provider's synchronous answer. Terminal status
// arrives later via webhook keyed by Reference.
type ChargeResult struct {
	Reference string
	Status    string
}

// Gateway is one payment provider integration.
type Gateway interface {
	Provider() string
	CreateCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}
