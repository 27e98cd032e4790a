package notification

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	"github.com/tontinehq/tontine/internal/notification/domain"
	"gorm.io/gorm"
)

// Message is the input shape for staging one notification.
type Message struct {
	GroupID   int64
	UserID    int64
	Kind      string
	Recipient string
	Payload   map[string]any
}

// Outbox stages notifications inside the caller's transaction.
type Outbox struct {
	node *snowflake.Node
}

func NewOutbox(node *snowflake.Node) *Outbox {
	return &Outbox{node: node}
}

// Stage writes one pending outbox row using tx. The row becomes
// visible to the dispatcher only when the caller commits.
func (o *Outbox) Stage(ctx context.Context, tx *gorm.DB, msg Message) error {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	row := domain.Outbox{
		ID:        o.node.Generate().Int64(),
		GroupID:   msg.GroupID,
		UserID:    msg.UserID,
		Kind:      msg.Kind,
		Recipient: msg.Recipient,
		Payload:   raw,
		Status:    domain.StatusPending,
	}
	return tx.WithContext(ctx).Create(&row).Error
}
