package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/logging"
)

// MemoryQueue is a process-local queue for single-node deployments and tests. Jobs are
// lost on restart.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []Job
	notify  chan struct{}
	logger  *zap.Logger

	// MaxAttempts bounds redeliveries of a failing job.
	MaxAttempts int
	// Concurrency bounds how many jobs Consume runs at once.
	Concurrency int
}

func NewMemoryQueue(logger *zap.Logger) *MemoryQueue {
	return &MemoryQueue{
		notify:      make(chan struct{}, 1),
		logger:      logger,
		MaxAttempts: 5,
		Concurrency: 16,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.push(job)
	return nil
}

func (q *MemoryQueue) push(job Job) {
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MemoryQueue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Job{}, false
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return job, true
}

// Drain runs handler on queued jobs one at a time until the queue is empty, including
// jobs enqueued by the handler itself. Failed jobs are requeued until MaxAttempts.
func (q *MemoryQueue) Drain(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, ok := q.pop()
		if !ok {
			return nil
		}
		q.run(ctx, job, handler)
	}
}

func (q *MemoryQueue) run(ctx context.Context, job Job, handler Handler) {
	job.Attempt++
	jobCtx := logging.WithJobID(ctx, job.ID)
	err := handler(jobCtx, job)
	if err == nil {
		return
	}
	logger := logging.FromContext(jobCtx, q.logger).With(zap.String("kind", job.Kind), zap.String("key", job.Key))
	var unknown *UnknownKindError
	if errors.As(err, &unknown) || job.Attempt >= q.MaxAttempts {
		logger.Error("Dropping job", zap.Int("attempt", job.Attempt), zap.Error(err))
		return
	}
	logger.Warn("Job failed, requeueing", zap.Int("attempt", job.Attempt), zap.Error(err))
	q.push(job)
}

// Consume runs each job in its own goroutine, at most Concurrency at a time, until ctx is
// done. It waits for running jobs before returning.
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	limit := q.Concurrency
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		for {
			if ctx.Err() != nil {
				return nil
			}
			job, ok := q.pop()
			if !ok {
				break
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				q.push(job)
				return nil
			}
			wg.Add(1)
			go func(job Job) {
				defer wg.Done()
				defer func() { <-sem }()
				q.run(ctx, job, handler)
			}(job)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

var _ Queue = (*MemoryQueue)(nil)
