package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/tontinehq/tontine/internal/breaker"
	"github.com/tontinehq/tontine/internal/group/domain"
	ledgerdomain "github.com/tontinehq/tontine/internal/ledger/domain"
	"github.com/tontinehq/tontine/internal/notification"
	notifdomain "github.com/tontinehq/tontine/internal/notification/domain"
	"github.com/tontinehq/tontine/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrProcessorDown marks a retry attempt that never reached the
// provider because the breaker is open. The job requeues with backoff
// without consuming the payment's retry budget.
var ErrProcessorDown = errors.New("payment_processor_down")

// RetryPayment re-attempts one failed payment. Short-circuits as a
// no-op when the group is no longer active or the payment is no longer
// failed. The attempt consumes one unit of the payment's retry budget;
// at MaxRetries the owning group pauses.
func (e *Engine) RetryPayment(ctx context.Context, paymentID int64) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TxTimeout)
	defer cancel()

	var effects []effect
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment domain.Payment
		err := tx.Where("id = ?", paymentID).First(&payment).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrPaymentNotFound
		}
		if err != nil {
			return err
		}

		group, err := lockGroup(ctx, tx, payment.GroupID)
		if err != nil {
			return err
		}
		if group.Status != domain.GroupStatusActive {
			return domain.ErrGroupNotActive
		}
		if payment.Status != domain.PaymentStatusFailed {
			return domain.ErrPaymentNotRetrying
		}
		if payment.RetryCount >= e.cfg.MaxRetries {
			return domain.ErrPaymentNotRetrying
		}

		members, err := activeMemberships(ctx, tx, group.ID)
		if err != nil {
			return err
		}
		var member *domain.Membership
		for i := range members {
			if members[i].UserID == payment.UserID {
				member = &members[i]
				break
			}
		}
		if member == nil {
			return fmt.Errorf("membership for payment %d: %w", paymentID, gorm.ErrRecordNotFound)
		}

		payee, err := e.resolvePayee(ctx, tx, group, members, payment.CycleNumber)
		if err != nil {
			return err
		}

		// Retried attempts always carry the surcharge.
		fee := e.cfg.Fee(payment.Amount, payment.RetryCount)
		if err := tx.Model(&payment).Update("fee", fee).Error; err != nil {
			return err
		}
		payment.Fee = fee

		attempt := payment.RetryCount + 1
		result, chargeErr := e.charge(ctx, group, member, payee, &payment, attempt)
		if errors.Is(chargeErr, breaker.ErrOpen) {
			return ErrProcessorDown
		}
		if chargeErr != nil {
			retryEffects, err := e.recordChargeFailure(ctx, tx, group, member, &payment, chargeErr, attempt)
			if err != nil {
				return err
			}
			effects = append(effects, retryEffects...)
			return nil
		}

		err = tx.Model(&domain.Payment{}).
			Where("id = ?", paymentID).
			Updates(map[string]any{
				"status":         domain.PaymentStatusPending,
				"external_ref":   result.Reference,
				"failure_reason": "",
			}).Error
		if err != nil {
			return err
		}

		e.log.Info("engine.retry.initiated",
			zap.Int64("payment_id", paymentID),
			zap.Int64("attempt", attempt),
			zap.Int64("fee", fee),
			zap.String("external_ref", result.Reference),
		)
		metrics.Payment("retried")
		return nil
	})
	if err != nil {
		return err
	}

	e.runEffects(ctx, effects)
	return nil
}

// HandlePaymentSucceeded applies a terminal success reported by the
// provider, posts the contribution to the ledger, cancels any pending
// retry, and attempts finalization.
func (e *Engine) HandlePaymentSucceeded(ctx context.Context, externalRef string) error {
	var payment domain.Payment
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("external_ref = ?", externalRef).First(&payment).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrPaymentNotFound
		}
		if err != nil {
			return err
		}

		res := tx.Model(&domain.Payment{}).
			Where("id = ? AND status <> ?", payment.ID, domain.PaymentStatusSuccessful).
			Updates(map[string]any{
				"status":         domain.PaymentStatusSuccessful,
				"failure_reason": "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Redelivered confirmation.
			return nil
		}

		return e.ledger.CreateEntry(ctx, tx, payment.GroupID,
			ledgerdomain.SourceTypePayment, idString(payment.ID),
			"member contribution",
			contributionLines(&payment))
	})
	if err != nil {
		return err
	}

	if err := e.queue.Remove(ctx, fmt.Sprintf("retry-payment:%d", payment.ID)); err != nil {
		e.log.Warn("engine.retry.cancel", zap.Int64("payment_id", payment.ID), zap.Error(err))
	}
	metrics.Payment("succeeded")
	e.log.Info("engine.payment.succeeded",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("group_id", payment.GroupID),
	)

	if _, err := e.CheckAndFinalizeCycle(ctx, payment.GroupID); err != nil {
		e.log.Warn("engine.payment.finalize_check",
			zap.Int64("group_id", payment.GroupID),
			zap.Error(err),
		)
	}
	return nil
}

// HandlePaymentFailed applies a terminal failure reported by the
// provider: the payment flips to Failed, its retry budget is charged
// one attempt, and either a delayed retry or a group pause follows.
func (e *Engine) HandlePaymentFailed(ctx context.Context, externalRef, reason string) error {
	var effects []effect
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment domain.Payment
		err := tx.Where("external_ref = ?", externalRef).First(&payment).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrPaymentNotFound
		}
		if err != nil {
			return err
		}

		group, err := lockGroup(ctx, tx, payment.GroupID)
		if err != nil {
			return err
		}

		if payment.Status != domain.PaymentStatusPending {
			// Already terminal; redelivery or a racing sync outcome.
			return nil
		}

		members, err := activeMemberships(ctx, tx, group.ID)
		if err != nil {
			return err
		}
		var member *domain.Membership
		for i := range members {
			if members[i].UserID == payment.UserID {
				member = &members[i]
				break
			}
		}
		if member == nil {
			return fmt.Errorf("membership for payment %d: %w", payment.ID, gorm.ErrRecordNotFound)
		}

		failEffects, err := e.recordChargeFailure(ctx, tx, group, member, &payment,
			errors.New(reason), payment.RetryCount+1)
		if err != nil {
			return err
		}
		effects = append(effects, failEffects...)
		return nil
	})
	if err != nil {
		return err
	}
	e.runEffects(ctx, effects)
	return nil
}

// ReactivateGroup is the operator path out of a pause. It restores
// scheduling and re-queues retries for failed payments of the current
// cycle; it never resets retry counts or payment history.
func (e *Engine) ReactivateGroup(ctx context.Context, groupID int64) error {
	var retriable []int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := lockGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if group.Status != domain.GroupStatusPaused {
			return domain.ErrGroupNotPaused
		}

		res := tx.Model(&domain.Group{}).
			Where("id = ? AND status = ?", groupID, domain.GroupStatusPaused).
			Updates(map[string]any{
				"status":       domain.GroupStatusActive,
				"pause_reason": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return domain.ErrGroupNotPaused
		}

		var payments []domain.Payment
		err = tx.Where("group_id = ? AND cycle_number = ? AND status = ? AND retry_count < ?",
			groupID, group.TotalCyclesCompleted+1, domain.PaymentStatusFailed, e.cfg.MaxRetries).
			Find(&payments).Error
		if err != nil {
			return err
		}
		for _, p := range payments {
			retriable = append(retriable, p.ID)
		}

		return e.outbox.Stage(ctx, tx, notification.Message{
			GroupID: groupID,
			Kind:    notifdomain.KindGroupReactivated,
			Payload: map[string]any{"group_id": groupID},
		})
	})
	if err != nil {
		return err
	}

	for _, paymentID := range retriable {
		e.enqueueRetry(ctx, groupID, paymentID)
	}
	e.notifyEffect(groupID)(ctx)

	if e.resched != nil {
		if err := e.resched.ScheduleNext(ctx, groupID); err != nil &&
			!errors.Is(err, domain.ErrCycleInProgress) &&
			!errors.Is(err, domain.ErrNoScheduledCycle) {
			e.log.Warn("engine.reactivate.reschedule",
				zap.Int64("group_id", groupID),
				zap.Error(err),
			)
		}
	}

	e.log.Info("engine.group.reactivated", zap.Int64("group_id", groupID))
	return nil
}

// HandlePause stages pause notifications for every active member.
// Runs as its own job so notifying never sits on the pausing
// transaction's critical path.
func (e *Engine) HandlePause(ctx context.Context, groupID int64, reason string) error {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		members, err := activeMemberships(ctx, tx, groupID)
		if err != nil {
			return err
		}
		for _, m := range members {
			err := e.outbox.Stage(ctx, tx, notification.Message{
				GroupID:   groupID,
				UserID:    m.UserID,
				Kind:      notifdomain.KindGroupPaused,
				Recipient: m.Email,
				Payload: map[string]any{
					"group_id": groupID,
					"reason":   reason,
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.notifyEffect(groupID)(ctx)
	return nil
}

func idString(id int64) string { return strconv.FormatInt(id, 10) }

func contributionLines(p *domain.Payment) []ledgerdomain.Line {
	return []ledgerdomain.Line{
		{Code: ledgerdomain.AccountMemberReceivable, UserID: p.UserID, Direction: ledgerdomain.DirectionDebit, Amount: p.Amount + p.Fee},
		{Code: ledgerdomain.AccountPoolCash, Direction: ledgerdomain.DirectionCredit, Amount: p.Amount},
		{Code: ledgerdomain.AccountFeeRevenue, Direction: ledgerdomain.DirectionCredit, Amount: p.Fee},
	}
}
