package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Event is a provider webhook delivery. The (provider,
// provider_event_id) key dedupes redeliveries.
type Event struct {
	ID              int64  `gorm:"primaryKey"`
	Provider        string `gorm:"size:64;uniqueIndex:uq_gateway_event"`
	ProviderEventID string `gorm:"size:255;uniqueIndex:uq_gateway_event"`
	EventType       string `gorm:"size:128"`
	Payload         datatypes.JSON
	ReceivedAt      time.Time `gorm:"autoCreateTime"`
}

func (Event) TableName() string { return "gateway_events" }

// Webhook event types normalized across providers.
const (
	EventChargeSucceeded = "charge.succeeded"
	EventChargeFailed    = "charge.failed"
)
