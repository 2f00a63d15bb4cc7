package main

import (
	"log"

	"creator-earnings/pkg/config"
	"creator-earnings/pkg/db"
	"creator-earnings/pkg/featureflags"
	"creator-earnings/pkg/gen"
	"creator-earnings/pkg/hashistack/secretmanager"
	"creator-earnings/pkg/httpapi"
	"creator-earnings/pkg/logger"
	"creator-earnings/pkg/minio"
	"creator-earnings/pkg/otelcol"
	"creator-earnings/pkg/profiling"
	"creator-earnings/pkg/redis"
	"creator-earnings/pkg/sequence"
	"creator-earnings/pkg/server"
	"creator-earnings/pkg/task"
	"creator-earnings/services/download"
	"creator-earnings/services/earning"
	"creator-earnings/services/ledger"
	"creator-earnings/services/payout"
	"creator-earnings/services/settlement"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	_ "go.uber.org/automaxprocs"
)

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
		task.Client,
		fx.Invoke(autoMigrate),

		ledger.Module,
		earning.Module,
		download.Module,
		payout.Module,
		settlement.Module,
		settlement.Dispatch,

		server.ProvideHTTPServer,
		server.ProvideGRPCServer,
		httpapi.Module,
		ledger.Health,
		ledger.Routes,
		earning.Routes,
		download.Routes,
		payout.Routes,
		settlement.Routes,
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

// autoMigrate creates the ledger tables for local and test environments.
// Production schemas are managed outside the service.
func autoMigrate(cfg *config.Config, conn *gorm.DB) error {
	if !cfg.Database.AutoMigrate {
		return nil
	}

	zap.L().Info("[DB] running auto migration")
	return conn.AutoMigrate(
		&ledger.CreatorBalance{},
		&ledger.LedgerEntry{},
		&earning.EarningEvent{},
		&earning.Order{},
		&download.Product{},
		&download.ProductDownloadStats{},
		&download.ProductDownloadEvent{},
		&payout.PayoutAccount{},
		&payout.PayoutRequest{},
		&settlement.SettlementRun{},
	)
}
