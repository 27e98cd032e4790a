package queue

import (
	"context"
	"time"
)

// Option customizes an enqueued job.
type Option func(*Job)

// WithRunAt delays the job until t.
func WithRunAt(t time.Time) Option {
	return func(j *Job) { j.RunAt = t.UTC() }
}

// WithDedupeKey makes the job's identity deterministic: a second
// enqueue with the same key is a no-op while the first is pending, and
// Remove can cancel it before it runs.
func WithDedupeKey(key string) Option {
	return func(j *Job) { j.DedupeKey = key }
}

// WithMaxAttempts overrides the default attempt budget.
func WithMaxAttempts(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

// Stats is a point-in-time queue depth snapshot.
type Stats struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
}

// Queue is the durable job store. Lease hands a job to exactly one
// worker until its lease deadline; unacked jobs are requeued by
// RequeueStalled.
type Queue interface {
	// Enqueue validates kind/payload and stores the job. Returns the
	// job ID. A pending job with the same dedupe key makes this a no-op
	// returning the existing ID.
	Enqueue(ctx context.Context, kind Kind, payload any, opts ...Option) (string, error)

	// Remove cancels a pending job by dedupe key. Removing an absent or
	// already leased job is not an error.
	Remove(ctx context.Context, dedupeKey string) error

	// Lease pops the next due job, or ErrNoJob.
	Lease(ctx context.Context, leaseFor time.Duration) (*Job, error)

	// Ack deletes a completed job.
	Ack(ctx context.Context, job *Job) error

	// Retry reschedules a failed job to run at runAt with the recorded
	// error. The attempt count has already been incremented by Lease.
	Retry(ctx context.Context, job *Job, jobErr error, runAt time.Time) error

	// Bury moves a job to the dead set after its attempts are exhausted
	// or its payload is invalid.
	Bury(ctx context.Context, job *Job, jobErr error) error

	// RequeueStalled returns leased jobs whose lease expired to pending.
	RequeueStalled(ctx context.Context) (int, error)

	// DeadJobs lists buried jobs, newest first.
	DeadJobs(ctx context.Context, limit int) ([]*Job, error)

	Stats(ctx context.Context) (Stats, error)
}
