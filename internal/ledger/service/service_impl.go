package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/tontinehq/tontine/internal/ledger/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type service struct {
	db   *gorm.DB
	node *snowflake.Node
	log  *zap.Logger
}

func New(db *gorm.DB, node *snowflake.Node, log *zap.Logger) Service {
	return &service{
		db:   db,
		node: node,
		log:  log.Named("ledger"),
	}
}

func (s *service) CreateEntry(ctx context.Context, tx *gorm.DB, groupID int64, sourceType, sourceID, description string, lines []domain.Line) error {
	if len(lines) == 0 {
		return domain.ErrEmptyEntry
	}

	var debits, credits int64
	for _, l := range lines {
		switch l.Direction {
		case domain.DirectionDebit:
			debits += l.Amount
		case domain.DirectionCredit:
			credits += l.Amount
		default:
			return fmt.Errorf("unknown line direction %q", l.Direction)
		}
	}
	if debits != credits {
		return domain.ErrUnbalancedEntry
	}

	entry := domain.Entry{
		ID:          s.node.Generate().Int64(),
		GroupID:     groupID,
		SourceType:  sourceType,
		SourceID:    sourceID,
		Description: description,
	}

	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_type"}, {Name: "source_id"}},
			DoNothing: true,
		}).
		Create(&entry)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Debug("ledger.entry.replay",
			zap.String("source_type", sourceType),
			zap.String("source_id", sourceID),
		)
		return nil
	}

	for _, l := range lines {
		account, err := s.ensureAccount(ctx, tx, groupID, l.Code, l.UserID)
		if err != nil {
			return err
		}
		line := domain.EntryLine{
			ID:        s.node.Generate().Int64(),
			EntryID:   entry.ID,
			AccountID: account.ID,
			Direction: l.Direction,
			Amount:    l.Amount,
		}
		if err := tx.WithContext(ctx).Create(&line).Error; err != nil {
			return err
		}
	}

	s.log.Debug("ledger.entry.posted",
		zap.Int64("group_id", groupID),
		zap.String("source_type", sourceType),
		zap.String("source_id", sourceID),
		zap.Int64("amount", debits),
	)
	return nil
}

func (s *service) AccountBalance(ctx context.Context, groupID int64, code string, userID int64) (int64, error) {
	account, err := s.ensureAccount(ctx, s.db, groupID, code, userID)
	if err != nil {
		return 0, err
	}

	var balance int64
	err = s.db.WithContext(ctx).
		Raw(`SELECT COALESCE(SUM(CASE WHEN direction = ? THEN amount ELSE -amount END), 0)
		     FROM ledger_entry_lines WHERE account_id = ?`,
			domain.DirectionDebit, account.ID).
		Scan(&balance).Error
	return balance, err
}

func (s *service) ensureAccount(ctx context.Context, tx *gorm.DB, groupID int64, code string, userID int64) (domain.Account, error) {
	account := domain.Account{
		ID:      s.node.Generate().Int64(),
		GroupID: groupID,
		Code:    code,
		UserID:  userID,
	}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}, {Name: "code"}, {Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&account).Error
	if err != nil {
		return domain.Account{}, err
	}

	err = tx.WithContext(ctx).
		Where("group_id = ? AND code = ? AND user_id = ?", groupID, code, userID).
		First(&account).Error
	return account, err
}
