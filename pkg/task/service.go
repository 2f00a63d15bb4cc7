package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// ErrDuplicateTask means a task with the same id is already queued or running.
var ErrDuplicateTask = errors.New("task already enqueued")

type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil, ErrDuplicateTask
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}
