package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"creator-earnings/pkg/errutil"
	"creator-earnings/pkg/rediskey"
	"creator-earnings/pkg/task"
	"creator-earnings/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// runTimeout bounds one settlement attempt. A run row still marked running
// after it is considered abandoned.
const runTimeout = time.Hour

type RunPayload struct {
	Date    string  `json:"date"`
	Trigger Trigger `json:"trigger"`
}

func NewRunTask(date string, trigger Trigger) (*asynq.Task, error) {
	payload, err := json.Marshal(RunPayload{Date: date, Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.SettlementRun, payload), nil
}

// Dispatcher queues settlement runs. The task id is derived from the date so
// a date is queued at most once while its task is retained.
type Dispatcher struct {
	enqueuer task.Enqueuer
}

func NewDispatcher(enqueuer task.Enqueuer) *Dispatcher {
	return &Dispatcher{enqueuer: enqueuer}
}

// Enqueue returns task.ErrDuplicateTask when the date is already queued.
func (d *Dispatcher) Enqueue(ctx context.Context, date string, trigger Trigger) (*asynq.TaskInfo, error) {
	t, err := NewRunTask(date, trigger)
	if err != nil {
		return nil, err
	}

	return d.enqueuer.Enqueue(ctx, t,
		asynq.TaskID(rediskey.BuildSettlementTaskID(date)),
		asynq.Queue(task.QueueCritical),
		asynq.MaxRetry(5),
		asynq.Timeout(runTimeout),
		asynq.Retention(24*time.Hour),
	)
}

type TaskHandler struct {
	svc *Service
}

func NewTaskHandler(svc *Service) *TaskHandler {
	return &TaskHandler{svc: svc}
}

// HandleRun is the asynq worker entry point. A failed run returns an error
// so asynq retries it; the retry resumes the failed date.
func (h *TaskHandler) HandleRun(ctx context.Context, t *asynq.Task) error {
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid settlement payload", zap.Error(err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	date, err := time.ParseInLocation(time.DateOnly, payload.Date, h.svc.loc)
	if err != nil {
		return fmt.Errorf("%w: invalid date %q", asynq.SkipRetry, payload.Date)
	}

	trigger := payload.Trigger
	if trigger == "" {
		trigger = TriggerScheduled
	}

	zap.L().Info("processing settlement task", zap.String("date", payload.Date))

	res, err := h.svc.Run(ctx, date, trigger)
	if err != nil {
		if errutil.CodeOf(err) == errutil.StatusConflict {
			zap.L().Info("settlement busy, will retry", zap.String("date", payload.Date), zap.Error(err))
		}
		return err
	}
	if res.Run.Status == RunFailed {
		return errors.New(res.Run.ErrorMessage)
	}

	return nil
}
