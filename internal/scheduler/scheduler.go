package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tontinehq/tontine/internal/clock"
	"github.com/tontinehq/tontine/internal/group/domain"
	"github.com/tontinehq/tontine/internal/observability/metrics"
	"github.com/tontinehq/tontine/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Scheduler decides when each group's next cycle job runs and keeps
// the "exactly one queued run per group" invariant: a per-group lock
// suppresses concurrent schedulers and the deterministic dedupe key
// backstops the queue itself.
type Scheduler struct {
	db     *gorm.DB
	queue  queue.Queue
	locker Locker
	clock  clock.Clock
	cfg    Config
	log    *zap.Logger
}

func New(db *gorm.DB, q queue.Queue, locker Locker, clk clock.Clock, cfg Config, log *zap.Logger) (*Scheduler, error) {
	if db == nil || q == nil || locker == nil || clk == nil || log == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:     db,
		queue:  q,
		locker: locker,
		clock:  clk,
		cfg:    cfg.withDefaults(),
		log:    log.Named("scheduler"),
	}, nil
}

// DedupeKey is the deterministic queue identity for one group's cycle
// run.
func DedupeKey(groupID, cycleNumber int64) string {
	return fmt.Sprintf("run-cycle:%d:%d", groupID, cycleNumber)
}

// ScheduleNext enqueues the group's next cycle run. Refuses when the
// group is not active, mid-cycle, or out of cycles. A past-due stored
// date is rebased to now+MinDelay for execution without mutating the
// stored date, which reflects the member-agreed schedule.
func (s *Scheduler) ScheduleNext(ctx context.Context, groupID int64) error {
	var group domain.Group
	err := s.db.WithContext(ctx).Where("id = ?", groupID).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrGroupNotFound
	}
	if err != nil {
		return err
	}

	if err := refusal(&group); err != nil {
		metrics.CycleScheduled("refused")
		return err
	}

	lockKey := fmt.Sprintf("schedule:%d", groupID)
	token, ok, err := s.locker.Acquire(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		// Another scheduler instance is already handling this group.
		s.log.Debug("scheduler.schedule.contended", zap.Int64("group_id", groupID))
		metrics.CycleScheduled("contended")
		return nil
	}
	defer func() {
		if err := s.locker.Release(ctx, lockKey, token); err != nil {
			s.log.Warn("scheduler.lock.release", zap.Int64("group_id", groupID), zap.Error(err))
		}
	}()

	now := s.clock.Now()
	runAt := group.NextCycleDate.UTC()
	if !runAt.After(now) {
		runAt = now.Add(s.cfg.MinDelay)
	}

	cycleNumber := group.TotalCyclesCompleted + 1
	dedupe := DedupeKey(groupID, cycleNumber)

	if err := s.queue.Remove(ctx, dedupe); err != nil {
		return fmt.Errorf("dedupe remove: %w", err)
	}
	_, err = s.queue.Enqueue(ctx, queue.KindRunCycle,
		queue.RunCyclePayload{GroupID: groupID, CycleNumber: cycleNumber},
		queue.WithRunAt(runAt),
		queue.WithDedupeKey(dedupe),
	)
	if err != nil {
		return fmt.Errorf("enqueue run-cycle: %w", err)
	}

	metrics.CycleScheduled("ok")
	s.log.Info("scheduler.schedule",
		zap.Int64("group_id", groupID),
		zap.Int64("cycle_number", cycleNumber),
		zap.Time("run_at", runAt),
	)
	return nil
}

func refusal(group *domain.Group) error {
	switch {
	case group.Status != domain.GroupStatusActive:
		return domain.ErrGroupNotActive
	case group.CycleStarted:
		return domain.ErrCycleInProgress
	case group.CyclesCompleted:
		return domain.ErrCyclesCompleted
	case group.NextCycleDate == nil:
		return domain.ErrNoScheduledCycle
	default:
		return nil
	}
}

// RunOnce claims due groups and schedules each. The claim uses SKIP
// LOCKED so concurrent sweepers divide the work instead of fighting
// over it; the sweep is the self-healing path when an enqueue was lost.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var due []int64
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		return tx.Raw(
			`SELECT id FROM groups
			 WHERE status = ?
			   AND cycle_started = ?
			   AND cycles_completed = ?
			   AND next_cycle_date IS NOT NULL
			   AND next_cycle_date <= ?
			 ORDER BY next_cycle_date ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			domain.GroupStatusActive,
			false,
			false,
			s.clock.Now(),
			s.cfg.BatchSize,
		).Scan(&due).Error
	})
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, groupID := range due {
		if err := s.ScheduleNext(ctx, groupID); err != nil {
			// Refusals are expected races with running cycles.
			if errors.Is(err, domain.ErrCycleInProgress) ||
				errors.Is(err, domain.ErrGroupNotActive) ||
				errors.Is(err, domain.ErrCyclesCompleted) {
				continue
			}
			s.log.Error("scheduler.sweep.schedule",
				zap.Int64("group_id", groupID),
				zap.Error(err),
			)
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

// RunForever sweeps until ctx is cancelled.
func (s *Scheduler) RunForever(ctx context.Context) error {
	s.log.Info("scheduler.start", zap.Duration("interval", s.cfg.SweepInterval))
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler.stop")
			return ctx.Err()
		case <-ticker.C:
			start := s.clock.Now()
			n, err := s.RunOnce(ctx)
			if err != nil {
				s.log.Error("scheduler.sweep", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("scheduler.sweep.finish",
					zap.Int("scheduled", n),
					zap.Duration("elapsed", s.clock.Now().Sub(start)),
				)
			}
		}
	}
}
