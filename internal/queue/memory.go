package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tontinehq/tontine/internal/clock"
)

// DefaultMaxAttempts bounds handler retries before a job is buried.
const DefaultMaxAttempts = 5

type jobHeap []*Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].RunAt.Before(h[j].RunAt) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)         { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

type lease struct {
	job      *Job
	deadline time.Time
}

// Memory is an in-process Queue for standalone mode and tests.
type Memory struct {
	clock clock.Clock

	mu       sync.Mutex
	pending  jobHeap
	byDedupe map[string]*Job
	inflight map[string]*lease
	dead     []*Job
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clock:    clk,
		byDedupe: make(map[string]*Job),
		inflight: make(map[string]*lease),
	}
}

func (m *Memory) Enqueue(ctx context.Context, kind Kind, payload any, opts ...Option) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if err := Validate(kind, raw); err != nil {
		return "", err
	}

	now := m.clock.Now()
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

	m.mu.Lock()
	defer m.mu.Unlock()

	if job.DedupeKey != "" {
		if existing, ok := m.byDedupe[job.DedupeKey]; ok {
			return existing.ID, nil
		}
		m.byDedupe[job.DedupeKey] = job
	}
	heap.Push(&m.pending, job)
	return job.ID, nil
}

func (m *Memory) Remove(ctx context.Context, dedupeKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.byDedupe[dedupeKey]
	if !ok {
		return nil
	}
	delete(m.byDedupe, dedupeKey)
	for i, p := range m.pending {
		if p.ID == job.ID {
			heap.Remove(&m.pending, i)
			break
		}
	}
	return nil
}

func (m *Memory) Lease(ctx context.Context, leaseFor time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if len(m.pending) == 0 || m.pending[0].RunAt.After(now) {
		return nil, ErrNoJob
	}

	job := heap.Pop(&m.pending).(*Job)
	if job.DedupeKey != "" {
		delete(m.byDedupe, job.DedupeKey)
	}
	job.Attempts++
	m.inflight[job.ID] = &lease{job: job, deadline: now.Add(leaseFor)}

	copied := *job
	return &copied, nil
}

func (m *Memory) Ack(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, job.ID)
	return nil
}

func (m *Memory) Retry(ctx context.Context, job *Job, jobErr error, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inflight, job.ID)
	job.LastError = jobErr.Error()
	job.RunAt = runAt.UTC()
	if job.DedupeKey != "" {
		m.byDedupe[job.DedupeKey] = job
	}
	heap.Push(&m.pending, job)
	return nil
}

func (m *Memory) Bury(ctx context.Context, job *Job, jobErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inflight, job.ID)
	job.LastError = jobErr.Error()
	m.dead = append(m.dead, job)
	return nil
}

func (m *Memory) RequeueStalled(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	requeued := 0
	for id, l := range m.inflight {
		if l.deadline.After(now) {
			continue
		}
		delete(m.inflight, id)
		l.job.RunAt = now
		if l.job.DedupeKey != "" {
			m.byDedupe[l.job.DedupeKey] = l.job
		}
		heap.Push(&m.pending, l.job)
		requeued++
	}
	return requeued, nil
}

func (m *Memory) DeadJobs(ctx context.Context, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Job, 0, limit)
	for i := len(m.dead) - 1; i >= 0 && len(out) < limit; i-- {
		copied := *m.dead[i]
		out = append(out, &copied)
	}
	return out, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Pending:  int64(len(m.pending)),
		InFlight: int64(len(m.inflight)),
		Dead:     int64(len(m.dead)),
	}, nil
}
