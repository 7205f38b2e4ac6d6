// Package jobs runs a batch through import, resolution and processing on
// the background worker. Import chains resolution on success; processing
// is only ever triggered explicitly.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeImport  = "roster:import"
	TypeResolve = "roster:resolve"
	TypeProcess = "roster:process"
)

// Payload identifies the batch a task works on. JobID is the topic progress
// events are published under; it defaults to the batch id.
type Payload struct {
	BatchID uuid.UUID `json:"batch_id"`
	JobID   string    `json:"job_id,omitempty"`
}

func (p Payload) jobID() string {
	if p.JobID != "" {
		return p.JobID
	}
	return p.BatchID.String()
}

// Scheduler enqueues a task for a batch.
type Scheduler interface {
	Enqueue(ctx context.Context, taskType string, p Payload) error
}

// TaskID is the asynq task id for taskType on the batch. A batch never has
// two tasks of one type queued at once.
func TaskID(taskType string, batchID uuid.UUID) string {
	return taskType + ":" + batchID.String()
}

// NewTask encodes p as an asynq task with the id from TaskID.
func NewTask(taskType string, p Payload, queue string) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", taskType, err)
	}
	opts := []asynq.Option{
		asynq.TaskID(TaskID(taskType, p.BatchID)),
	}
	if queue != "" {
		opts = append(opts, asynq.Queue(queue))
	}
	switch taskType {
	case TypeImport:
		opts = append(opts, asynq.MaxRetry(5), asynq.Timeout(30*time.Minute))
	case TypeResolve:
		opts = append(opts, asynq.MaxRetry(5), asynq.Timeout(15*time.Minute))
	case TypeProcess:
		opts = append(opts, asynq.MaxRetry(3), asynq.Timeout(15*time.Minute))
	default:
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}
	return asynq.NewTask(taskType, data, opts...), nil
}

// Enqueuer is the part of *asynq.Client the scheduler uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is the part of *asynq.Inspector the scheduler uses to clear
// a finished task out of the way of a new one with the same id.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// AsynqScheduler enqueues tasks on Redis for the worker server.
type AsynqScheduler struct {
	client    Enqueuer
	inspector TaskInspector
	queue     string
}

func NewAsynqScheduler(client Enqueuer, inspector TaskInspector, queue string) *AsynqScheduler {
	return &AsynqScheduler{client: client, inspector: inspector, queue: queue}
}

func (s *AsynqScheduler) queueName() string {
	if s.queue == "" {
		return "default"
	}
	return s.queue
}

// Enqueue queues the task. If a task with the same id is still pending,
// scheduled, retrying or running, that task stands in for this one. An
// archived or completed task with the id is deleted and the task queued
// again.
func (s *AsynqScheduler) Enqueue(ctx context.Context, taskType string, p Payload) error {
	task, err := NewTask(taskType, p, s.queue)
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		err = s.replace(ctx, task, TaskID(taskType, p.BatchID))
	}
	if err != nil {
		return fmt.Errorf("enqueue %s for batch %s: %w", taskType, p.BatchID, err)
	}
	return nil
}

func (s *AsynqScheduler) replace(ctx context.Context, task *asynq.Task, id string) error {
	info, err := s.inspector.GetTaskInfo(s.queueName(), id)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		// Gone since the conflict.
	case err != nil:
		return fmt.Errorf("inspect task %s: %w", id, err)
	case info.State == asynq.TaskStateArchived, info.State == asynq.TaskStateCompleted:
		if err := s.inspector.DeleteTask(s.queueName(), id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("delete %s task %s: %w", info.State, id, err)
		}
	default:
		return nil
	}
	_, err = s.client.EnqueueContext(ctx, task)
	return err
}

// Inline runs each task synchronously in the caller's goroutine. It backs
// the CLI and single-process deployments without Redis.
type Inline struct {
	h *Handlers
}

// NewInline binds an inline scheduler to h and makes it h's continuation
// target.
func NewInline(h *Handlers) *Inline {
	s := &Inline{h: h}
	h.Then(s)
	return s
}

func (s *Inline) Enqueue(ctx context.Context, taskType string, p Payload) error {
	return s.h.Dispatch(ctx, taskType, p)
}
