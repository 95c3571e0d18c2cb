package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docqa/internal/retry"
)

// TaskType enumerates supported task categories.
type TaskType string

const TaskTypeIngest TaskType = "ingest"

const defaultMaxAttempts = 5

// Task represents a unit of work handed from the API to the workers.
type Task struct {
	ID          uuid.UUID
	Type        TaskType
	Payload     []byte
	Attempts    int
	MaxAttempts int
	NotBefore   time.Time
}

// Handler processes one task. Returning an error marked with retry.Permanent
// drops the task instead of redelivering it.
type Handler func(context.Context, Task) error

// Queue exposes a minimal contract to enqueue and consume tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Worker consumes tasks of one type until ctx is done.
	Worker(ctx context.Context, taskType TaskType, handler Handler) error
	Close() error
}

// IngestPayload identifies the document an ingest task works on. The raw
// bytes stay in the store.
type IngestPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
}

func NewIngestTask(docID uuid.UUID) (Task, error) {
	body, err := json.Marshal(IngestPayload{DocumentID: docID})
	if err != nil {
		return Task{}, err
	}
	return Task{Type: TaskTypeIngest, Payload: body}, nil
}

func DecodeIngest(task Task) (IngestPayload, error) {
	var p IngestPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return IngestPayload{}, fmt.Errorf("decode ingest payload: %w", err)
	}
	if p.DocumentID == uuid.Nil {
		return IngestPayload{}, errors.New("ingest payload has no document_id")
	}
	return p, nil
}

// EnqueueWithRetry attempts to enqueue with retries and exponential backoff.
func EnqueueWithRetry(ctx context.Context, q Queue, task Task, attempts int, base time.Duration) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	return retry.Do(ctx, retry.Policy{MaxAttempts: attempts, Base: base}, func(ctx context.Context) error {
		return q.Enqueue(ctx, task)
	})
}

// redelivery decides whether a failed task goes back on the queue and when.
func redelivery(task Task, handlerErr error, now time.Time, base time.Duration) (Task, bool) {
	if retry.IsPermanent(handlerErr) {
		return task, false
	}
	task.Attempts++
	if task.MaxAttempts == 0 {
		task.MaxAttempts = defaultMaxAttempts
	}
	if task.Attempts >= task.MaxAttempts {
		return task, false
	}
	task.NotBefore = now.Add(retry.ExponentialBackoff(task.Attempts, base))
	return task, true
}

// waitUntil blocks until t or ctx is done.
func waitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
