package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tontinehq/tontine/internal/clock"
)

const promoteBatch = 100

// Redis is the durable Queue used when workers run on more than one
// process. Due jobs sit in a delayed zset until promoted to the ready
// list; leased jobs move to a processing zset scored by lease deadline.
type Redis struct {
	client    redis.UniversalClient
	clock     clock.Clock
	namespace string
}

func NewRedis(client redis.UniversalClient, clk clock.Clock, namespace string) *Redis {
	if namespace == "" {
		namespace = "tontine"
	}
	return &Redis{client: client, clock: clk, namespace: namespace}
}

func (r *Redis) key(parts ...string) string {
	k := r.namespace + ":queue"
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *Redis) delayedKey() string        { return r.key("delayed") }
func (r *Redis) readyKey() string          { return r.key("ready") }
func (r *Redis) processingKey() string     { return r.key("processing") }
func (r *Redis) deadKey() string           { return r.key("dead") }
func (r *Redis) jobKey(id string) string   { return r.key("job", id) }
func (r *Redis) dedupeKey(k string) string { return r.key("dedupe", k) }

func (r *Redis) Enqueue(ctx context.Context, kind Kind, payload any, opts ...Option) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if err := Validate(kind, raw); err != nil {
		return "", err
	}

	now := r.clock.Now()
	job := &Job{
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: DefaultMaxAttempts,
		RunAt:       now,
		EnqueuedAt:  now,
	}
	for _, opt := range opts {
		opt(job)
	}
	if job.DedupeKey != "" {
		job.ID = job.DedupeKey
	} else {
		job.ID = uuid.NewString()
	}

	if job.DedupeKey != "" {
		set, err := r.client.SetNX(ctx, r.dedupeKey(job.DedupeKey), job.ID, 0).Result()
		if err != nil {
			return "", err
		}
		if !set {
			existing, err := r.client.Get(ctx, r.dedupeKey(job.DedupeKey)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return "", err
			}
			if existing != "" {
				return existing, nil
			}
		}
	}

	if err := r.saveJob(ctx, job); err != nil {
		return "", err
	}
	err = r.client.ZAdd(ctx, r.delayedKey(), redis.Z{
		Score:  float64(job.RunAt.UnixMilli()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (r *Redis) Remove(ctx context.Context, dedupeKey string) error {
	id, err := r.client.Get(ctx, r.dedupeKey(dedupeKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.delayedKey(), id)
	pipe.LRem(ctx, r.readyKey(), 0, id)
	pipe.Del(ctx, r.jobKey(id))
	pipe.Del(ctx, r.dedupeKey(dedupeKey))
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) Lease(ctx context.Context, leaseFor time.Duration) (*Job, error) {
	now := r.clock.Now()
	if err := r.promoteDue(ctx, now); err != nil {
		return nil, err
	}

	id, err := r.client.LPop(ctx, r.readyKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, err
	}

	job, err := r.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}

	job.Attempts++
	if err := r.saveJob(ctx, job); err != nil {
		return nil, err
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.processingKey(), redis.Z{
		Score:  float64(now.Add(leaseFor).UnixMilli()),
		Member: job.ID,
	})
	if job.DedupeKey != "" {
		pipe.Del(ctx, r.dedupeKey(job.DedupeKey))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

func (r *Redis) Ack(ctx context.Context, job *Job) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.processingKey(), job.ID)
	pipe.Del(ctx, r.jobKey(job.ID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Retry(ctx context.Context, job *Job, jobErr error, runAt time.Time) error {
	job.LastError = jobErr.Error()
	job.RunAt = runAt.UTC()
	if err := r.saveJob(ctx, job); err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.processingKey(), job.ID)
	pipe.ZAdd(ctx, r.delayedKey(), redis.Z{
		Score:  float64(job.RunAt.UnixMilli()),
		Member: job.ID,
	})
	if job.DedupeKey != "" {
		pipe.Set(ctx, r.dedupeKey(job.DedupeKey), job.ID, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Bury(ctx context.Context, job *Job, jobErr error) error {
	job.LastError = jobErr.Error()
	if err := r.saveJob(ctx, job); err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.processingKey(), job.ID)
	pipe.LPush(ctx, r.deadKey(), job.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) RequeueStalled(ctx context.Context) (int, error) {
	now := r.clock.Now()
	ids, err := r.client.ZRangeByScore(ctx, r.processingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, id := range ids {
		job, err := r.loadJob(ctx, id)
		if err != nil {
			// Orphaned member, drop it.
			r.client.ZRem(ctx, r.processingKey(), id)
			continue
		}
		job.RunAt = now
		if err := r.saveJob(ctx, job); err != nil {
			return requeued, err
		}
		pipe := r.client.TxPipeline()
		pipe.ZRem(ctx, r.processingKey(), id)
		pipe.RPush(ctx, r.readyKey(), id)
		if job.DedupeKey != "" {
			pipe.Set(ctx, r.dedupeKey(job.DedupeKey), id, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

func (r *Redis) DeadJobs(ctx context.Context, limit int) ([]*Job, error) {
	ids, err := r.client.LRange(ctx, r.deadKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.loadJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	pipe := r.client.Pipeline()
	delayed := pipe.ZCard(ctx, r.delayedKey())
	ready := pipe.LLen(ctx, r.readyKey())
	processing := pipe.ZCard(ctx, r.processingKey())
	dead := pipe.LLen(ctx, r.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending:  delayed.Val() + ready.Val(),
		InFlight: processing.Val(),
		Dead:     dead.Val(),
	}, nil
}

func (r *Redis) promoteDue(ctx context.Context, now time.Time) error {
	ids, err := r.client.ZRangeByScore(ctx, r.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := r.client.ZRem(ctx, r.delayedKey(), id).Result()
		if err != nil {
			return err
		}
		// Another worker promoted it first.
		if removed == 0 {
			continue
		}
		if err := r.client.RPush(ctx, r.readyKey(), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.jobKey(job.ID), raw, 0).Err()
}

func (r *Redis) loadJob(ctx context.Context, id string) (*Job, error) {
	raw, err := r.client.Get(ctx, r.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
