package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"
)

// NewNATS constructs a NATS-backed queue. Workers in the same queue group
// share the subject, so any number of indexer processes can consume it;
// concurrency bounds in-flight handlers per process.
func NewNATS(log *slog.Logger, nc *nats.Conn, concurrency int) *NATS {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &NATS{log: log, nc: nc, concurrency: int64(concurrency)}
}

type NATS struct {
	log         *slog.Logger
	nc          *nats.Conn
	concurrency int64
}

func subject(t TaskType) string { return "docqa.tasks." + string(t) }

func group(t TaskType) string { return "docqa-workers-" + string(t) }

func (q *NATS) Enqueue(_ context.Context, task Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Type == "" {
		return errors.New("task type required")
	}
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.nc.Publish(subject(task.Type), body)
}

func (q *NATS) Worker(ctx context.Context, taskType TaskType, handler Handler) error {
	sem := semaphore.NewWeighted(q.concurrency)
	sub, err := q.nc.QueueSubscribe(subject(taskType), group(taskType), func(msg *nats.Msg) {
		// Blocking here applies backpressure to the subscription.
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer sem.Release(1)
			q.handleMessage(ctx, msg, handler)
		}()
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	err = sub.Drain()
	// Wait for in-flight handlers.
	_ = sem.Acquire(context.Background(), q.concurrency)
	return err
}

func (q *NATS) handleMessage(ctx context.Context, msg *nats.Msg, handler Handler) {
	var task Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		q.log.Error("failed to decode task", "err", err)
		return
	}
	if err := waitUntil(ctx, task.NotBefore); err != nil {
		// Shutting down; put it back for another worker.
		if err := q.Enqueue(context.Background(), task); err != nil {
			q.log.Error("failed to return task on shutdown", "id", task.ID, "err", err)
		}
		return
	}
	if err := handler(ctx, task); err != nil {
		q.retryTask(task, err)
	}
}

func (q *NATS) retryTask(task Task, handlerErr error) {
	next, ok := redelivery(task, handlerErr, time.Now(), time.Second)
	if !ok {
		q.log.Error("task permanently failed", "id", task.ID, "type", task.Type, "attempts", next.Attempts, "original_err", handlerErr)
		return
	}
	if err := q.Enqueue(context.Background(), next); err != nil {
		q.log.Error("failed to re-enqueue task after failure", "id", task.ID, "type", task.Type, "original_err", handlerErr, "enqueue_err", err)
	}
}

// Close drains pending publishes and closes the connection.
func (q *NATS) Close() error {
	return q.nc.Drain()
}
