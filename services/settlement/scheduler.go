package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creator-earnings/pkg/config"
	"creator-earnings/pkg/lock"
	"creator-earnings/pkg/task"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const schedulerLock = "settlement-scheduler"

// Scheduler enqueues the settlement of the current day on the configured
// cron spec. Every replica runs one; the redis lock and the per-date task id
// keep a single task per date.
type Scheduler struct {
	cron       *cron.Cron
	spec       string
	dispatcher *Dispatcher
	locker     lock.Locker
	loc        *time.Location
	now        func() time.Time
}

type SchedulerParams struct {
	fx.In
	Config     *config.Config
	Dispatcher *Dispatcher
	Locker     lock.Locker
}

func NewScheduler(p SchedulerParams) (*Scheduler, error) {
	loc, err := time.LoadLocation(p.Config.Settlement.Timezone)
	if err != nil {
		return nil, fmt.Errorf("settlement timezone: %w", err)
	}

	s := &Scheduler{
		cron:       cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		spec:       p.Config.Settlement.Cron,
		dispatcher: p.Dispatcher,
		locker:     p.Locker,
		loc:        loc,
		now:        time.Now,
	}

	if _, err := s.cron.AddFunc(s.spec, s.tick); err != nil {
		return nil, fmt.Errorf("settlement cron %q: %w", s.spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.Trigger(ctx); err != nil {
		zap.L().Error("[CRON] settlement enqueue failed", zap.Error(err))
	}
}

// Trigger enqueues today's settlement unless another replica is doing so.
func (s *Scheduler) Trigger(ctx context.Context) error {
	unlock, err := s.locker.TryLock(ctx, schedulerLock, 30*time.Second)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			zap.L().Debug("[CRON] settlement scheduled by another replica")
			return nil
		}
		return err
	}
	defer unlock()

	day := s.now().In(s.loc).Format(time.DateOnly)
	info, err := s.dispatcher.Enqueue(ctx, day, TriggerScheduled)
	if err != nil {
		if errors.Is(err, task.ErrDuplicateTask) {
			zap.L().Info("[CRON] settlement already queued", zap.String("date", day))
			return nil
		}
		return err
	}

	zap.L().Info("[CRON] settlement queued", zap.String("date", day), zap.String("task_id", info.ID))
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	zap.L().Info("[CRON] settlement scheduler started", zap.String("spec", s.spec), zap.String("timezone", s.loc.String()))
}

func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
