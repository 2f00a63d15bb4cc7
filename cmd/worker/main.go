package main

import (
	"log"

	"creator-earnings/pkg/config"
	"creator-earnings/pkg/db"
	"creator-earnings/pkg/featureflags"
	"creator-earnings/pkg/gen"
	"creator-earnings/pkg/hashistack/secretmanager"
	"creator-earnings/pkg/lock"
	"creator-earnings/pkg/logger"
	"creator-earnings/pkg/minio"
	"creator-earnings/pkg/otelcol"
	"creator-earnings/pkg/profiling"
	"creator-earnings/pkg/redis"
	"creator-earnings/pkg/sequence"
	"creator-earnings/pkg/task"
	"creator-earnings/services/earning"
	"creator-earnings/services/ledger"
	"creator-earnings/services/payout"
	"creator-earnings/services/settlement"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	_ "go.uber.org/automaxprocs"
)

// The worker runs the monthly settlement: the cron scheduler queues one task
// per date and the asynq server executes it.
func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		minio.Module,
		gen.Module,
		sequence.Module,
		featureflags.Module,
		lock.Module,
		task.Client,
		task.Server,

		ledger.Module,
		earning.Module,
		payout.Module,
		settlement.Module,
		settlement.Dispatch,
		settlement.Worker,
		settlement.Cron,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})
