package settlement

import (
	"context"

	"creator-earnings/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement.service",
	fx.Provide(NewService),
)

// Dispatch lets a process queue settlement runs; it needs the asynq client.
var Dispatch = fx.Module("settlement.dispatch",
	fx.Provide(NewDispatcher),
)

// Worker serves settlement tasks on the asynq server mux.
var Worker = fx.Module("settlement.worker",
	fx.Provide(NewTaskHandler),
	fx.Invoke(registerTaskHandlers),
)

var Cron = fx.Module("settlement.cron",
	fx.Provide(NewScheduler),
	fx.Invoke(startScheduler),
)

var Routes = fx.Module("settlement.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

func registerTaskHandlers(mux *asynq.ServeMux, h *TaskHandler) {
	mux.HandleFunc(taskname.SettlementRun, h.HandleRun)
}

func startScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop(ctx)
		},
	})
}
