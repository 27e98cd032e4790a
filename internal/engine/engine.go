package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/tontinehq/tontine/internal/breaker"
	"github.com/tontinehq/tontine/internal/clock"
	gwdomain "github.com/tontinehq/tontine/internal/gateway/domain"
	"github.com/tontinehq/tontine/internal/group/domain"
	ledgersvc "github.com/tontinehq/tontine/internal/ledger/service"
	"github.com/tontinehq/tontine/internal/notification"
	notifdomain "github.com/tontinehq/tontine/internal/notification/domain"
	"github.com/tontinehq/tontine/internal/observability/metrics"
	"github.com/tontinehq/tontine/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Rescheduler queues the next cycle run for a group. Implemented by
// the scheduler; injected after construction to keep the packages
// independent.
type Rescheduler interface {
	ScheduleNext(ctx context.Context, groupID int64) error
}

// effect is a post-commit side effect (enqueue, reschedule, notify
// dispatch). Effects must never run before the owning transaction
// commits.
type effect func(ctx context.Context)

// Engine drives the cycle state machine. All state mutation for one
// run happens in a single transaction with the group row locked first.
type Engine struct {
	db      *gorm.DB
	node    *snowflake.Node
	gateway gwdomain.Gateway
	breaker *breaker.Breaker
	queue   queue.Queue
	ledger  ledgersvc.Service
	outbox  *notification.Outbox
	clock   clock.Clock
	cfg     Config
	log     *zap.Logger

	resched Rescheduler
}

func New(
	db *gorm.DB,
	node *snowflake.Node,
	gateway gwdomain.Gateway,
	brk *breaker.Breaker,
	q queue.Queue,
	ledger ledgersvc.Service,
	outbox *notification.Outbox,
	clk clock.Clock,
	cfg Config,
	log *zap.Logger,
) *Engine {
	return &Engine{
		db:      db,
		node:    node,
		gateway: gateway,
		breaker: brk,
		queue:   q,
		ledger:  ledger,
		outbox:  outbox,
		clock:   clk,
		cfg:     cfg.withDefaults(),
		log:     log.Named("engine"),
	}
}

// SetRescheduler wires the scheduler callback. Must be called before
// the engine processes jobs; nil is tolerated (no rescheduling).
func (e *Engine) SetRescheduler(r Rescheduler) { e.resched = r }

// RunCycle executes one collection pass for the group's current cycle.
// Safe to re-deliver: existing payments are skipped, the payee is
// pinned by the cycle's payout row, and all writes share one
// transaction.
func (e *Engine) RunCycle(ctx context.Context, groupID, cycleNumber int64) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TxTimeout)
	defer cancel()

	log := e.log.With(zap.Int64("group_id", groupID), zap.Int64("cycle_number", cycleNumber))

	var effects []effect
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := lockGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if group.Status != domain.GroupStatusActive {
			return domain.ErrGroupNotActive
		}
		if group.CyclesCompleted {
			return domain.ErrCyclesCompleted
		}
		if group.ContributionAmount <= 0 {
			return domain.ErrInvalidContribution
		}
		if cycleNumber != group.TotalCyclesCompleted+1 {
			return fmt.Errorf("%w: got %d want %d",
				domain.ErrStaleCycle, cycleNumber, group.TotalCyclesCompleted+1)
		}

		members, err := activeMemberships(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if len(members) < 2 {
			return domain.ErrNoEligiblePayee
		}

		payee, err := e.resolvePayee(ctx, tx, group, members, cycleNumber)
		if err != nil {
			return err
		}

		if !group.CycleStarted {
			res := tx.Model(&domain.Group{}).
				Where("id = ? AND cycle_started = ?", groupID, false).
				Update("cycle_started", true)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return domain.ErrCycleInProgress
			}
			log.Info("engine.cycle.start", zap.Int64("payee_user_id", payee.UserID))
		}

		payout := domain.Payout{
			ID:          e.node.Generate().Int64(),
			GroupID:     groupID,
			UserID:      payee.UserID,
			CycleNumber: cycleNumber,
			PayoutOrder: payee.PayoutOrder,
			Amount:      group.ContributionAmount * int64(len(members)-1),
			Currency:    group.Currency,
			Status:      domain.PayoutStatusPending,
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}, {Name: "cycle_number"}},
			DoNothing: true,
		}).Create(&payout).Error
		if err != nil {
			return err
		}

		for i := range members {
			member := &members[i]
			if member.UserID == payee.UserID {
				continue
			}
			chargeEffects, err := e.chargeMember(ctx, tx, group, member, payee, cycleNumber)
			if err != nil {
				return err
			}
			effects = append(effects, chargeEffects...)
		}

		if !payee.HasBeenPaid {
			res := tx.Model(&domain.Membership{}).
				Where("id = ? AND has_been_paid = ?", payee.ID, false).
				Update("has_been_paid", true)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return domain.ErrPayeeUpdateRace
			}
		}
		return nil
	})
	if err != nil {
		metrics.CycleRun("error")
		return err
	}

	e.runEffects(ctx, effects)
	if _, err := e.CheckAndFinalizeCycle(ctx, groupID); err != nil {
		log.Warn("engine.cycle.finalize_check", zap.Error(err))
	}
	metrics.CycleRun("ok")
	log.Info("engine.cycle.run")
	return nil
}

// chargeMember ensures a payment row exists for (member, cycle) and
// initiates the charge. Returns post-commit effects.
func (e *Engine) chargeMember(
	ctx context.Context,
	tx *gorm.DB,
	group *domain.Group,
	member *domain.Membership,
	payee *domain.Membership,
	cycleNumber int64,
) ([]effect, error) {
	log := e.log.With(
		zap.Int64("group_id", group.ID),
		zap.Int64("user_id", member.UserID),
		zap.Int64("cycle_number", cycleNumber),
	)

	var existing domain.Payment
	err := tx.Where("group_id = ? AND user_id = ? AND cycle_number = ?",
		group.ID, member.UserID, cycleNumber).
		First(&existing).Error
	if err == nil {
		// Idempotency: a charge attempt already happened for this
		// member and cycle. Re-delivery skips it silently.
		return nil, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if !member.MandateVerified || member.PaymentMethodRef == "" {
		log.Warn("engine.charge.skip_unverified")
		metrics.Payment("skipped_unverified")
		return nil, nil
	}

	fee := e.cfg.Fee(group.ContributionAmount, 0)
	payment := domain.Payment{
		ID:          e.node.Generate().Int64(),
		GroupID:     group.ID,
		UserID:      member.UserID,
		CycleNumber: cycleNumber,
		Amount:      group.ContributionAmount,
		Fee:         fee,
		Currency:    group.Currency,
		Status:      domain.PaymentStatusPending,
	}
	if err := tx.Create(&payment).Error; err != nil {
		return nil, err
	}

	result, chargeErr := e.charge(ctx, group, member, payee, &payment, 1)
	if errors.Is(chargeErr, breaker.ErrOpen) {
		// Processor outage: drop the attempt entirely so the next tick
		// retries it. Not a payment failure.
		log.Warn("engine.charge.breaker_open")
		metrics.Payment("skipped_breaker")
		return nil, tx.Delete(&payment).Error
	}
	if chargeErr != nil {
		return e.recordChargeFailure(ctx, tx, group, member, &payment, chargeErr, 1)
	}

	updates := map[string]any{"external_ref": result.Reference}
	if result.Status == gwdomain.ResultFailed {
		if err := tx.Model(&payment).Updates(updates).Error; err != nil {
			return nil, err
		}
		return e.recordChargeFailure(ctx, tx, group, member, &payment, errors.New(gwdomain.ResultFailed), 1)
	}
	if err := tx.Model(&payment).Updates(updates).Error; err != nil {
		return nil, err
	}

	log.Info("engine.charge.initiated",
		zap.Int64("amount", payment.Amount),
		zap.Int64("fee", payment.Fee),
		zap.String("external_ref", result.Reference),
	)
	metrics.Payment("initiated")
	return nil, nil
}

// charge calls the gateway through the breaker. attempt is 1-based and
// part of the idempotency key so a deliberate retry is a new provider
// request while a replayed one is not.
func (e *Engine) charge(
	ctx context.Context,
	group *domain.Group,
	member *domain.Membership,
	payee *domain.Membership,
	payment *domain.Payment,
	attempt int64,
) (gwdomain.ChargeResult, error) {
	req := gwdomain.ChargeRequest{
		Amount:                payment.Amount,
		Currency:              payment.Currency,
		PayerRef:              member.PayerRef,
		PaymentMethodRef:      member.PaymentMethodRef,
		MandateRef:            member.MandateRef,
		DestinationAccountRef: payee.PayoutAccountRef,
		ApplicationFee:        payment.Fee,
		IdempotencyKey:        fmt.Sprintf("charge:%d:attempt:%d", payment.ID, attempt),
		Metadata: map[string]string{
			"group_id":     fmt.Sprintf("%d", group.ID),
			"user_id":      fmt.Sprintf("%d", member.UserID),
			"cycle_number": fmt.Sprintf("%d", payment.CycleNumber),
			"payment_id":   fmt.Sprintf("%d", payment.ID),
		},
	}

	var result gwdomain.ChargeResult
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = e.gateway.CreateCharge(ctx, req)
		return opErr
	})
	return result, err
}

// recordChargeFailure marks the payment failed at the given attempt
// count and stages the retry or pause that follows from it.
func (e *Engine) recordChargeFailure(
	ctx context.Context,
	tx *gorm.DB,
	group *domain.Group,
	member *domain.Membership,
	payment *domain.Payment,
	cause error,
	retryCount int64,
) ([]effect, error) {
	err := tx.Model(&domain.Payment{}).
		Where("id = ?", payment.ID).
		Updates(map[string]any{
			"status":         domain.PaymentStatusFailed,
			"retry_count":    retryCount,
			"failure_reason": cause.Error(),
		}).Error
	if err != nil {
		return nil, err
	}
	payment.Status = domain.PaymentStatusFailed
	payment.RetryCount = retryCount

	e.log.Warn("engine.charge.failed",
		zap.Int64("group_id", group.ID),
		zap.Int64("user_id", member.UserID),
		zap.Int64("payment_id", payment.ID),
		zap.Int64("retry_count", retryCount),
		zap.Error(cause),
	)
	metrics.Payment("failed")

	if err := e.outbox.Stage(ctx, tx, notification.Message{
		GroupID:   group.ID,
		UserID:    member.UserID,
		Kind:      notifdomain.KindPaymentFailed,
		Recipient: member.Email,
		Payload: map[string]any{
			"payment_id":   payment.ID,
			"cycle_number": payment.CycleNumber,
			"amount":       payment.Amount,
		},
	}); err != nil {
		return nil, err
	}

	if retryCount >= e.cfg.MaxRetries {
		return e.pauseGroupLocked(ctx, tx, group, domain.PauseReasonPaymentFailures)
	}

	paymentID := payment.ID
	groupID := group.ID
	return []effect{
		func(ctx context.Context) {
			e.enqueueRetry(ctx, groupID, paymentID)
		},
		e.notifyEffect(groupID),
	}, nil
}

// pauseGroupLocked flips the locked group to PAUSED and stages the
// pause job. The caller holds the row lock.
func (e *Engine) pauseGroupLocked(ctx context.Context, tx *gorm.DB, group *domain.Group, reason string) ([]effect, error) {
	res := tx.Model(&domain.Group{}).
		Where("id = ? AND status = ?", group.ID, domain.GroupStatusActive).
		Updates(map[string]any{
			"status":       domain.GroupStatusPaused,
			"pause_reason": reason,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Already paused by a concurrent transition.
		return nil, nil
	}
	group.Status = domain.GroupStatusPaused

	e.log.Error("engine.group.paused",
		zap.Int64("group_id", group.ID),
		zap.String("reason", reason),
	)
	metrics.GroupPaused()

	groupID := group.ID
	return []effect{
		func(ctx context.Context) {
			_, err := e.queue.Enqueue(ctx, queue.KindHandlePause,
				queue.HandlePausePayload{GroupID: groupID, Reason: reason},
				queue.WithDedupeKey(fmt.Sprintf("handle-pause:%d", groupID)),
			)
			if err != nil {
				e.log.Error("engine.pause.enqueue", zap.Int64("group_id", groupID), zap.Error(err))
			}
		},
	}, nil
}

func (e *Engine) enqueueRetry(ctx context.Context, groupID, paymentID int64) {
	_, err := e.queue.Enqueue(ctx, queue.KindRetryPayment,
		queue.RetryPaymentPayload{GroupID: groupID, PaymentID: paymentID},
		queue.WithRunAt(e.clock.Now().Add(e.cfg.RetryDelay)),
		queue.WithDedupeKey(fmt.Sprintf("retry-payment:%d", paymentID)),
	)
	if err != nil {
		e.log.Error("engine.retry.enqueue",
			zap.Int64("payment_id", paymentID),
			zap.Error(err),
		)
		return
	}
	metrics.PaymentRetryScheduled()
}

// notifyEffect enqueues one outbox drain job for the group.
func (e *Engine) notifyEffect(groupID int64) effect {
	return func(ctx context.Context) {
		_, err := e.queue.Enqueue(ctx, queue.KindDispatchNotifications,
			queue.DispatchNotificationsPayload{GroupID: groupID},
			queue.WithDedupeKey(fmt.Sprintf("dispatch-notifications:%d", groupID)),
		)
		if err != nil {
			e.log.Error("engine.notify.enqueue", zap.Int64("group_id", groupID), zap.Error(err))
		}
	}
}

func (e *Engine) runEffects(ctx context.Context, effects []effect) {
	for _, run := range effects {
		run(ctx)
	}
}

// resolvePayee pins the cycle's payee: the payout row wins when the
// cycle already started, otherwise the first unpaid member by payout
// order.
func (e *Engine) resolvePayee(ctx context.Context, tx *gorm.DB, group *domain.Group, members []domain.Membership, cycleNumber int64) (*domain.Membership, error) {
	if group.CycleStarted {
		var payout domain.Payout
		err := tx.Where("group_id = ? AND cycle_number = ?", group.ID, cycleNumber).
			First(&payout).Error
		if err == nil {
			for i := range members {
				if members[i].UserID == payout.UserID {
					return &members[i], nil
				}
			}
			return nil, domain.ErrNoEligiblePayee
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	for i := range members {
		if !members[i].HasBeenPaid {
			return &members[i], nil
		}
	}
	return nil, domain.ErrNoEligiblePayee
}

func lockGroup(ctx context.Context, tx *gorm.DB, groupID int64) (*domain.Group, error) {
	var group domain.Group
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", groupID).
		First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func activeMemberships(ctx context.Context, tx *gorm.DB, groupID int64) ([]domain.Membership, error) {
	var members []domain.Membership
	err := tx.WithContext(ctx).
		Where("group_id = ? AND status = ?", groupID, domain.MembershipStatusActive).
		Order("payout_order ASC").
		Find(&members).Error
	return members, err
}
