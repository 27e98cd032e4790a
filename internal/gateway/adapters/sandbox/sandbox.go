// Package sandbox is a deterministic in-process gateway used in
// development and tests. Charges succeed unless the payment method ref
// carries a failure directive.
package sandbox

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tontinehq/tontine/internal/gateway/adapters"
	"github.com/tontinehq/tontine/internal/gateway/domain"
	"go.uber.org/zap"
)

const ProviderName = "sandbox"

// Refs containing these markers force the matching outcome.
const (
	MarkerDecline     = "decline"
	MarkerUnavailable = "unavailable"
)

func init() {
	adapters.Register(ProviderName, func(log *zap.Logger) (domain.Gateway, error) {
		return New(log), nil
	})
}

type Sandbox struct {
	log *zap.Logger

	mu      sync.Mutex
	charges map[string]domain.ChargeResult
}

func New(log *zap.Logger) *Sandbox {
	return &Sandbox{
		log:     log.Named("gateway.sandbox"),
		charges: make(map[string]domain.ChargeResult),
	}
}

func (s *Sandbox) Provider() string { return ProviderName }

func (s *Sandbox) CreateCharge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if prior, ok := s.charges[req.IdempotencyKey]; ok {
			return prior, nil
		}
	}

	if strings.Contains(req.PaymentMethodRef, MarkerUnavailable) {
		return domain.ChargeResult{}, domain.ErrProviderUnavailable
	}
	if strings.Contains(req.PaymentMethodRef, MarkerDecline) {
		return domain.ChargeResult{}, domain.ErrChargeDeclined
	}
	if req.MandateRef == "" {
		return domain.ChargeResult{}, domain.ErrMandateInvalid
	}

	result := domain.ChargeResult{
		Reference: "ch_" + uuid.NewString(),
		Status:    domain.ResultProcessing,
	}
	if req.IdempotencyKey != "" {
		s.charges[req.IdempotencyKey] = result
	}
	s.log.Debug("gateway.charge",
		zap.Int64("amount", req.Amount),
		zap.String("reference", result.Reference),
	)
	return result, nil
}
