package service

import (
	"context"

	"github.com/tontinehq/tontine/internal/ledger/domain"
	"gorm.io/gorm"
)

// Service posts double-entry records for group money movements.
// CreateEntry runs inside the caller's transaction so ledger writes
// commit or roll back with the payment state they describe.
type Service interface {
	CreateEntry(ctx context.Context, tx *gorm.DB, groupID int64, sourceType, sourceID, description string, lines []domain.Line) error
	AccountBalance(ctx context.Context, groupID int64, code string, userID int64) (int64, error)
}
