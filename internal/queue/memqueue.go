package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by MemBroker operations after Close.
var ErrClosed = errors.New("queue: broker closed")

// MemBroker is a channel-backed Broker for tests and single-host runs.
// Acknowledged jobs are collected and can be drained by the producer.
type MemBroker struct {
	jobs chan *Job
	acks chan *Job

	mu     sync.Mutex
	closed bool
}

// NewMemBroker creates an in-process broker with the given queue depth.
func NewMemBroker(depth int) *MemBroker {
	if depth <= 0 {
		depth = 1
	}
	return &MemBroker{
		jobs: make(chan *Job, depth),
		acks: make(chan *Job, depth),
	}
}

// Submit enqueues a job for a worker to pick up.
func (b *MemBroker) Submit(ctx context.Context, job *Job) error {
	select {
	case b.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetJob blocks until a job is available.
func (b *MemBroker) GetJob(ctx context.Context) (*Job, error) {
	select {
	case job, ok := <-b.jobs:
		if !ok {
			return nil, ErrClosed
		}
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify records the acknowledgement for the producer to collect.
func (b *MemBroker) Notify(ctx context.Context, job *Job) error {
	select {
	case b.acks <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ack blocks until an acknowledged job is available.
func (b *MemBroker) Ack(ctx context.Context) (*Job, error) {
	select {
	case job := <-b.acks:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the job stream. Pending acknowledgements stay readable.
func (b *MemBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.jobs)
	}
}
