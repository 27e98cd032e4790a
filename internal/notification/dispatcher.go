package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/tontinehq/tontine/internal/clock"
	"github.com/tontinehq/tontine/internal/notification/domain"
	"github.com/tontinehq/tontine/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dispatchBatch = 50

// Dispatcher drains the outbox. Delivery retries are tracked per row;
// a row that keeps failing is marked FAILED and surfaced by its
// last_error instead of blocking the rest of the batch.
type Dispatcher struct {
	db       *gorm.DB
	provider Provider
	clock    clock.Clock
	log      *zap.Logger
}

func NewDispatcher(db *gorm.DB, provider Provider, clk clock.Clock, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:       db,
		provider: provider,
		clock:    clk,
		log:      log.Named("notification"),
	}
}

// DispatchGroup delivers pending notifications for one group. Rows
// without a recipient are marked sent without a provider call.
func (d *Dispatcher) DispatchGroup(ctx context.Context, groupID int64) error {
	var rows []domain.Outbox
	err := d.db.WithContext(ctx).
		Where("group_id = ? AND status = ?", groupID, domain.StatusPending).
		Order("created_at ASC").
		Limit(dispatchBatch).
		Find(&rows).Error
	if err != nil {
		return err
	}

	var errs []error
	for i := range rows {
		if err := d.dispatch(ctx, &rows[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) dispatch(ctx context.Context, row *domain.Outbox) error {
	var sendErr error
	if row.Recipient != "" {
		subject, body := render(row)
		sendErr = d.provider.Send(ctx, row.Recipient, subject, body)
	}

	now := d.clock.Now()
	if sendErr == nil {
		err := d.db.WithContext(ctx).Model(&domain.Outbox{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{
				"status":        domain.StatusSent,
				"attempts":      row.Attempts + 1,
				"dispatched_at": now,
			}).Error
		if err != nil {
			return err
		}
		metrics.Notification("sent")
		d.log.Info("notification.sent",
			zap.Int64("group_id", row.GroupID),
			zap.String("kind", row.Kind),
		)
		return nil
	}

	attempts := row.Attempts + 1
	status := domain.StatusPending
	if attempts >= domain.MaxDispatchAttempts {
		status = domain.StatusFailed
	}
	err := d.db.WithContext(ctx).Model(&domain.Outbox{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"status":     status,
			"attempts":   attempts,
			"last_error": sendErr.Error(),
		}).Error
	if err != nil {
		return err
	}

	metrics.Notification("failed")
	d.log.Warn("notification.failed",
		zap.Int64("group_id", row.GroupID),
		zap.String("kind", row.Kind),
		zap.Error(sendErr),
	)
	if status == domain.StatusFailed {
		// Exhausted; do not fail the job over it.
		return nil
	}
	return sendErr
}

func render(row *domain.Outbox) (subject, body string) {
	switch row.Kind {
	case domain.KindPaymentFailed:
		return "Your contribution payment failed",
			"A contribution payment for your savings group could not be completed. We will retry automatically."
	case domain.KindRetryScheduled:
		return "Contribution payment retry scheduled",
			"Your failed contribution payment has been scheduled for another attempt."
	case domain.KindGroupPaused:
		return "Your savings group was paused",
			"The group was paused after repeated payment failures. An organizer must resolve the issue and reactivate it."
	case domain.KindGroupReactivated:
		return "Your savings group is active again",
			"The group has been reactivated and the next contribution cycle is scheduled."
	case domain.KindPayoutSent:
		return "Your payout is on the way",
			"This cycle's pooled contributions have been sent to your account."
	case domain.KindCycleFinalized:
		return "Savings cycle completed",
			"The current contribution cycle has completed successfully."
	default:
		return fmt.Sprintf("Savings group update (%s)", row.Kind),
			"Your savings group has an update."
	}
}
