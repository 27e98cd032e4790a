// Package jobs binds queue job kinds to their engine handlers and
// classifies handler errors: configuration errors are discarded,
// infrastructure errors flow back into the queue's retry machinery.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/tontinehq/tontine/internal/engine"
	"github.com/tontinehq/tontine/internal/group/domain"
	"github.com/tontinehq/tontine/internal/notification"
	"github.com/tontinehq/tontine/internal/queue"
	"github.com/tontinehq/tontine/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// configErrors are fatal to the current job but not to the system:
// retrying cannot fix them, so the job is acked and dropped.
var configErrors = []error{
	domain.ErrGroupNotFound,
	domain.ErrGroupNotActive,
	domain.ErrGroupNotPaused,
	domain.ErrInvalidContribution,
	domain.ErrCyclesCompleted,
	domain.ErrStaleCycle,
	domain.ErrCycleInProgress,
	domain.ErrNoEligiblePayee,
	domain.ErrPaymentNotFound,
	domain.ErrPaymentNotRetrying,
	queue.ErrInvalidPayload,
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range configErrors {
		if errors.Is(err, sentinel) {
			return fmt.Errorf("%w: %w", queue.ErrDiscard, err)
		}
	}
	return err
}

// Register wires every job kind to its handler.
func Register(w *queue.Worker, eng *engine.Engine, dispatcher *notification.Dispatcher, log *zap.Logger) {
	log = log.Named("jobs")

	w.Register(queue.KindRunCycle, func(ctx context.Context, job *queue.Job) error {
		var p queue.RunCyclePayload
		if err := job.Decode(&p); err != nil {
			return classify(err)
		}
		return classify(eng.RunCycle(ctx, p.GroupID, p.CycleNumber))
	})

	w.Register(queue.KindRetryPayment, func(ctx context.Context, job *queue.Job) error {
		var p queue.RetryPaymentPayload
		if err := job.Decode(&p); err != nil {
			return classify(err)
		}
		return classify(eng.RetryPayment(ctx, p.PaymentID))
	})

	w.Register(queue.KindHandlePause, func(ctx context.Context, job *queue.Job) error {
		var p queue.HandlePausePayload
		if err := job.Decode(&p); err != nil {
			return classify(err)
		}
		return classify(eng.HandlePause(ctx, p.GroupID, p.Reason))
	})

	w.Register(queue.KindDispatchNotifications, func(ctx context.Context, job *queue.Job) error {
		var p queue.DispatchNotificationsPayload
		if err := job.Decode(&p); err != nil {
			return classify(err)
		}
		return classify(dispatcher.DispatchGroup(ctx, p.GroupID))
	})

	log.Info("jobs.registered")
}

func bindRescheduler(eng *engine.Engine, sched *scheduler.Scheduler) {
	eng.SetRescheduler(sched)
}

// Module registers handlers and closes the engine-scheduler loop.
var Module = fx.Module("jobs",
	fx.Invoke(
		bindRescheduler,
		Register,
	),
)
