package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tontinehq/tontine/internal/clock"
	"github.com/tontinehq/tontine/internal/observability/metrics"
	"go.uber.org/zap"
)

// ErrDiscard marks a handler error as non-retryable but not worth
// burying: the job is acked and dropped. Used for jobs that arrive
// after the state they target has moved on.
var ErrDiscard = errors.New("discard_job")

// Handler processes one leased job. Returning nil acks the job; an
// error wrapping ErrDiscard acks it too; any other error retries with
// backoff until the attempt budget is spent, then buries it.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig controls the worker pool.
type WorkerConfig struct {
	Concurrency     int
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	JanitorInterval time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Minute
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 30 * time.Second
	}
	return c
}

// Worker leases jobs and dispatches them to registered handlers with
// bounded concurrency. A janitor loop requeues jobs whose lease
// expired.
type Worker struct {
	queue Queue
	clock clock.Clock
	cfg   WorkerConfig
	log   *zap.Logger

	mu       sync.RWMutex
	handlers map[Kind]Handler
}

func NewWorker(q Queue, clk clock.Clock, cfg WorkerConfig, log *zap.Logger) *Worker {
	return &Worker{
		queue:    q,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		log:      log.Named("worker"),
		handlers: make(map[Kind]Handler),
	}
}

// Register binds a handler to a job kind. Last registration wins.
func (w *Worker) Register(kind Kind, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Run blocks until ctx is cancelled, processing jobs with up to
// Concurrency in flight.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker.start", zap.Int("concurrency", w.cfg.Concurrency))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.janitor(ctx)
	}()

	sem := make(chan struct{}, w.cfg.Concurrency)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			w.log.Info("worker.stop")
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			job, err := w.queue.Lease(ctx, w.cfg.LeaseDuration)
			if errors.Is(err, ErrNoJob) {
				break
			}
			if err != nil {
				w.log.Error("worker.lease", zap.Error(err))
				break
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Leave the job leased; the janitor requeues it.
				wg.Wait()
				return ctx.Err()
			}
			wg.Add(1)
			go func(job *Job) {
				defer wg.Done()
				defer func() { <-sem }()
				w.process(ctx, job)
			}(job)
		}
	}
}

// ProcessOne leases and processes at most one job. Used by tests and
// by the standalone binary's drain path.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.queue.Lease(ctx, w.cfg.LeaseDuration)
	if errors.Is(err, ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *Job) {
	start := w.clock.Now()
	log := w.log.With(
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempts),
	)

	w.mu.RLock()
	handler, ok := w.handlers[job.Kind]
	w.mu.RUnlock()
	if !ok {
		log.Error("worker.job.unhandled")
		if err := w.queue.Bury(ctx, job, ErrUnknownKind); err != nil {
			log.Error("worker.job.bury", zap.Error(err))
		}
		metrics.JobProcessed(string(job.Kind), "dead")
		return
	}

	err := handler(ctx, job)
	elapsed := w.clock.Now().Sub(start)

	switch {
	case err == nil:
		if ackErr := w.queue.Ack(ctx, job); ackErr != nil {
			log.Error("worker.job.ack", zap.Error(ackErr))
		}
		log.Info("worker.job.finish", zap.Duration("elapsed", elapsed))
		metrics.JobProcessed(string(job.Kind), "ok")

	case errors.Is(err, ErrDiscard):
		if ackErr := w.queue.Ack(ctx, job); ackErr != nil {
			log.Error("worker.job.ack", zap.Error(ackErr))
		}
		log.Info("worker.job.discard", zap.Error(err))
		metrics.JobProcessed(string(job.Kind), "discarded")

	case job.Attempts >= job.MaxAttempts:
		if buryErr := w.queue.Bury(ctx, job, err); buryErr != nil {
			log.Error("worker.job.bury", zap.Error(buryErr))
		}
		log.Error("worker.job.dead", zap.Error(err))
		metrics.JobProcessed(string(job.Kind), "dead")

	default:
		delay := Backoff(job.Attempts, w.cfg.BackoffBase, w.cfg.BackoffCap)
		runAt := w.clock.Now().Add(delay)
		if retryErr := w.queue.Retry(ctx, job, err, runAt); retryErr != nil {
			log.Error("worker.job.retry", zap.Error(retryErr))
		}
		log.Warn("worker.job.requeue",
			zap.Error(err),
			zap.Duration("delay", delay),
		)
		metrics.JobProcessed(string(job.Kind), "retried")
	}
}

func (w *Worker) janitor(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.RequeueStalled(ctx)
			if err != nil {
				w.log.Error("worker.janitor", zap.Error(err))
				continue
			}
			if n > 0 {
				w.log.Warn("worker.janitor.requeued", zap.Int("count", n))
			}
		}
	}
}
