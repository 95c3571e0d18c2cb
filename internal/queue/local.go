package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("queue closed")

// Local is an in-process queue backed by buffered channels, one per task
// type. Tasks do not survive a restart; the stale-job reaper fails documents
// whose task was lost.
type Local struct {
	log     *slog.Logger
	workers int
	buffer  int

	// retryBase is the redelivery backoff base.
	retryBase time.Duration

	mu     sync.Mutex
	chans  map[TaskType]chan Task
	done   chan struct{}
	closed bool
}

func NewLocal(log *slog.Logger, workers, buffer int) *Local {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Local{
		log:       log,
		workers:   workers,
		buffer:    buffer,
		retryBase: time.Second,
		chans:     make(map[TaskType]chan Task),
		done:      make(chan struct{}),
	}
}

func (q *Local) channel(t TaskType) (chan Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	ch, ok := q.chans[t]
	if !ok {
		ch = make(chan Task, q.buffer)
		q.chans[t] = ch
	}
	return ch, nil
}

func (q *Local) Enqueue(ctx context.Context, task Task) error {
	if task.Type == "" {
		return errors.New("task type required")
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	ch, err := q.channel(task.Type)
	if err != nil {
		return err
	}
	select {
	case ch <- task:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Worker runs the configured number of consumers for taskType and returns
// once ctx is done or the queue is closed, after in-flight handlers finish.
func (q *Local) Worker(ctx context.Context, taskType TaskType, handler Handler) error {
	ch, err := q.channel(taskType)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for range q.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-q.done:
					return nil
				case task := <-ch:
					q.handle(ctx, task, handler)
				}
			}
		})
	}
	return g.Wait()
}

func (q *Local) handle(ctx context.Context, task Task, handler Handler) {
	if err := waitUntil(ctx, task.NotBefore); err != nil {
		return
	}
	err := handler(ctx, task)
	if err == nil {
		return
	}
	next, ok := redelivery(task, err, time.Now(), q.retryBase)
	if !ok {
		q.log.Error("task permanently failed", "id", task.ID, "type", task.Type, "attempts", next.Attempts, "err", err)
		return
	}
	q.log.Warn("task failed; redelivering", "id", task.ID, "type", task.Type, "attempt", next.Attempts, "err", err)
	// Requeue from a separate goroutine so a full buffer cannot stall the
	// consumer that would drain it.
	go func() {
		if err := q.Enqueue(ctx, next); err != nil {
			q.log.Error("failed to re-enqueue task after failure", "id", task.ID, "type", task.Type, "enqueue_err", err)
		}
	}()
}

// Close stops all workers. Buffered tasks are dropped.
func (q *Local) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
