package engine

import (
	"context"
	"errors"

	"github.com/tontinehq/tontine/internal/group/domain"
	ledgerdomain "github.com/tontinehq/tontine/internal/ledger/domain"
	"github.com/tontinehq/tontine/internal/notification"
	notifdomain "github.com/tontinehq/tontine/internal/notification/domain"
	"github.com/tontinehq/tontine/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CheckAndFinalizeCycle finalizes the group's current cycle if every
// initiated payment is Successful and the payee has been marked paid.
// It is a no-op otherwise and safe to call repeatedly. Returns whether
// finalization happened.
func (e *Engine) CheckAndFinalizeCycle(ctx context.Context, groupID int64) (bool, error) {
	var (
		finalized bool
		effects   []effect
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := lockGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if !group.CycleStarted {
			return nil
		}
		cycleNumber := group.TotalCyclesCompleted + 1

		var payout domain.Payout
		err = tx.Where("group_id = ? AND cycle_number = ?", groupID, cycleNumber).
			First(&payout).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		members, err := activeMemberships(ctx, tx, groupID)
		if err != nil {
			return err
		}
		var payee *domain.Membership
		for i := range members {
			if members[i].UserID == payout.UserID {
				payee = &members[i]
				break
			}
		}
		if payee == nil || !payee.HasBeenPaid {
			return nil
		}

		var payments []domain.Payment
		err = tx.Where("group_id = ? AND cycle_number = ?", groupID, cycleNumber).
			Find(&payments).Error
		if err != nil {
			return err
		}

		var successful, failed, pending int64
		for _, p := range payments {
			switch p.Status {
			case domain.PaymentStatusSuccessful:
				successful++
			case domain.PaymentStatusFailed:
				failed++
			default:
				pending++
			}
		}
		// Every non-payee member must have a successful payment before
		// the pot is considered collected.
		if failed > 0 || pending > 0 || successful < int64(len(members)-1) {
			return nil
		}

		cycle := domain.GroupCycle{
			ID:                 e.node.Generate().Int64(),
			GroupID:            groupID,
			CycleNumber:        cycleNumber,
			PayeeUserID:        payout.UserID,
			TotalAmount:        successful * group.ContributionAmount,
			Status:             domain.CycleStatusCompleted,
			SuccessfulPayments: successful,
			FailedPayments:     failed,
			PendingPayments:    pending,
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}, {Name: "cycle_number"}},
			DoNothing: true,
		}).Create(&cycle).Error
		if err != nil {
			return err
		}

		res := tx.Model(&domain.Payout{}).
			Where("id = ? AND status = ?", payout.ID, domain.PayoutStatusPending).
			Update("status", domain.PayoutStatusSuccessful)
		if res.Error != nil {
			return res.Error
		}

		err = e.ledger.CreateEntry(ctx, tx, groupID,
			ledgerdomain.SourceTypePayout, idString(payout.ID),
			"cycle payout to payee",
			[]ledgerdomain.Line{
				{Code: ledgerdomain.AccountPoolCash, Direction: ledgerdomain.DirectionDebit, Amount: payout.Amount},
				{Code: ledgerdomain.AccountPayoutPayable, UserID: payout.UserID, Direction: ledgerdomain.DirectionCredit, Amount: payout.Amount},
			})
		if err != nil {
			return err
		}

		if err := e.advanceGroup(ctx, tx, group, members); err != nil {
			return err
		}

		if err := e.outbox.Stage(ctx, tx, notification.Message{
			GroupID:   groupID,
			UserID:    payout.UserID,
			Kind:      notifdomain.KindPayoutSent,
			Recipient: payee.Email,
			Payload: map[string]any{
				"cycle_number": cycleNumber,
				"amount":       payout.Amount,
			},
		}); err != nil {
			return err
		}
		if err := e.outbox.Stage(ctx, tx, notification.Message{
			GroupID: groupID,
			Kind:    notifdomain.KindCycleFinalized,
			Payload: map[string]any{
				"cycle_number": cycleNumber,
				"total_amount": cycle.TotalAmount,
			},
		}); err != nil {
			return err
		}

		finalized = true
		effects = append(effects, e.notifyEffect(groupID))
		if !group.CyclesCompleted {
			effects = append(effects, func(ctx context.Context) {
				if e.resched == nil {
					return
				}
				if err := e.resched.ScheduleNext(ctx, groupID); err != nil {
					e.log.Warn("engine.finalize.reschedule",
						zap.Int64("group_id", groupID),
						zap.Error(err),
					)
				}
			})
		}

		e.log.Info("engine.cycle.finalized",
			zap.Int64("group_id", groupID),
			zap.Int64("cycle_number", cycleNumber),
			zap.Int64("total_amount", cycle.TotalAmount),
			zap.Int64("payee_user_id", payout.UserID),
		)
		return nil
	})
	if err != nil {
		return false, err
	}
	if finalized {
		e.runEffects(ctx, effects)
		metrics.CycleRun("finalized")
	}
	return finalized, nil
}

// advanceGroup moves the locked group past the finalized cycle:
// counter increment, rotation bookkeeping, and the next date from the
// precomputed list. When the rotation has gone all the way around, the
// paid flags reset and the rotation pointer returns to the first
// member.
func (e *Engine) advanceGroup(ctx context.Context, tx *gorm.DB, group *domain.Group, members []domain.Membership) error {
	completed := group.TotalCyclesCompleted + 1

	unpaid := 0
	for _, m := range members {
		if !m.HasBeenPaid {
			unpaid++
		}
	}

	updates := map[string]any{
		"total_cycles_completed": completed,
		"cycle_started":          false,
	}
	if unpaid == 0 {
		err := tx.Model(&domain.Membership{}).
			Where("group_id = ? AND status = ?", group.ID, domain.MembershipStatusActive).
			Update("has_been_paid", false).Error
		if err != nil {
			return err
		}
		updates["current_member_cycle"] = 1
	} else {
		updates["current_member_cycle"] = group.CurrentMemberCycle + 1
	}

	dates := group.FutureCycleDates
	if int(completed) < len(dates) {
		updates["next_cycle_date"] = dates[completed]
	} else {
		updates["next_cycle_date"] = nil
		updates["cycles_completed"] = true
		group.CyclesCompleted = true
	}

	group.TotalCyclesCompleted = completed
	return tx.Model(&domain.Group{}).Where("id = ?", group.ID).Updates(updates).Error
}
