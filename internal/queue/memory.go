package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker for tests and single-process development.
type MemoryBroker struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	order []string
	wake  map[string]chan struct{}
	now   func() time.Time
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		jobs: make(map[string]*Job),
		wake: make(map[string]chan struct{}),
		now:  time.Now,
	}
}

var _ Broker = (*MemoryBroker)(nil)

func (b *MemoryBroker) Enqueue(_ context.Context, job *Job) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if job.DedupKey != "" {
		for _, id := range b.order {
			existing := b.jobs[id]
			if existing.Queue == job.Queue && existing.Status == StatusPending && existing.DedupKey == job.DedupKey {
				cp := *existing
				return &cp, nil
			}
		}
	}

	stored := *job
	now := b.now()
	stored.Status = StatusPending
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.RunAt.IsZero() {
		stored.RunAt = now
	}
	b.jobs[stored.ID] = &stored
	b.order = append(b.order, stored.ID)
	b.signal(stored.Queue)

	cp := stored
	return &cp, nil
}

func (b *MemoryBroker) Claim(_ context.Context, queue, _ string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, id := range b.order {
		job := b.jobs[id]
		if job.Queue != queue || job.Status != StatusPending || job.RunAt.After(now) {
			continue
		}
		job.Status = StatusRunning
		job.Attempts++
		job.UpdatedAt = now
		cp := *job
		return &cp, nil
	}
	return nil, ErrNoJob
}

func (b *MemoryBroker) Complete(_ context.Context, id string) error {
	return b.update(id, func(j *Job) {
		j.Status = StatusDone
	})
}

func (b *MemoryBroker) Retry(_ context.Context, id string, runAt time.Time, lastErr string) error {
	err := b.update(id, func(j *Job) {
		j.Status = StatusPending
		j.RunAt = runAt
		j.LastError = lastErr
	})
	if err == nil {
		b.mu.Lock()
		b.signal(b.jobs[id].Queue)
		b.mu.Unlock()
	}
	return err
}

func (b *MemoryBroker) DeadLetter(_ context.Context, id string, lastErr string) error {
	return b.update(id, func(j *Job) {
		j.Status = StatusDead
		j.LastError = lastErr
	})
}

// Wakeup returns a channel that receives a value whenever a job becomes
// runnable on queue.
func (b *MemoryBroker) Wakeup(queue string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wakeChan(queue)
}

// Jobs returns a snapshot of every job on queue in enqueue order.
func (b *MemoryBroker) Jobs(queue string) []Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Job
	for _, id := range b.order {
		if j := b.jobs[id]; j.Queue == queue {
			out = append(out, *j)
		}
	}
	return out
}

func (b *MemoryBroker) update(id string, fn func(*Job)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(job)
	job.UpdatedAt = b.now()
	return nil
}

// signal must be called with mu held.
func (b *MemoryBroker) signal(queue string) {
	select {
	case b.wakeChan(queue) <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) wakeChan(queue string) chan struct{} {
	ch, ok := b.wake[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		b.wake[queue] = ch
	}
	return ch
}
