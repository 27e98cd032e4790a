// Package webhook applies asynchronous provider outcomes to payments.
// Deliveries are at least once; the (provider, provider_event_id) key
// makes processing idempotent.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/tontinehq/tontine/internal/engine"
	"github.com/tontinehq/tontine/internal/gateway/domain"
	groupdomain "github.com/tontinehq/tontine/internal/group/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrMissingEventID   = errors.New("missing_event_id")
	ErrMissingReference = errors.New("missing_charge_reference")
	ErrUnknownEventType = errors.New("unknown_event_type")
)

// Event is the normalized inbound delivery.
type Event struct {
	Provider  string
	EventID   string
	EventType string
	Payload   json.RawMessage
}

type chargePayload struct {
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	engine *engine.Engine
	log    *zap.Logger
}

func New(db *gorm.DB, node *snowflake.Node, eng *engine.Engine, log *zap.Logger) *Service {
	return &Service{
		db:     db,
		node:   node,
		engine: eng,
		log:    log.Named("webhook"),
	}
}

// ProcessEvent records the delivery and applies it. Redelivered events
// are acknowledged without reprocessing.
func (s *Service) ProcessEvent(ctx context.Context, evt Event) error {
	if evt.EventID == "" {
		return ErrMissingEventID
	}

	row := domain.Event{
		ID:              s.node.Generate().Int64(),
		Provider:        evt.Provider,
		ProviderEventID: evt.EventID,
		EventType:       evt.EventType,
		Payload:         []byte(evt.Payload),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		s.log.Debug("webhook.redelivery",
			zap.String("provider", evt.Provider),
			zap.String("event_id", evt.EventID),
		)
		return nil
	}

	var payload chargePayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.Reference == "" {
		return ErrMissingReference
	}

	var err error
	switch evt.EventType {
	case domain.EventChargeSucceeded:
		err = s.engine.HandlePaymentSucceeded(ctx, payload.Reference)
	case domain.EventChargeFailed:
		err = s.engine.HandlePaymentFailed(ctx, payload.Reference, payload.Reason)
	default:
		s.log.Warn("webhook.unhandled_type",
			zap.String("provider", evt.Provider),
			zap.String("event_type", evt.EventType),
		)
		return nil
	}
	if errors.Is(err, groupdomain.ErrPaymentNotFound) {
		// Reference from another environment or a deleted record.
		s.log.Warn("webhook.orphan_reference",
			zap.String("provider", evt.Provider),
			zap.String("reference", payload.Reference),
		)
		return nil
	}
	return err
}
