package config

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"` // grpc | http
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"` // postgres | mysql | sqlite
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	// Minio holds settlement reports; left empty, reports are not archived.
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		BucketName string `mapstructure:"BUCKET_NAME"`
		Secure     bool   `mapstructure:"SECURE"`
	} `mapstructure:"MINIO"`
	Earnings   Earnings   `mapstructure:"EARNINGS"`
	Payout     Payout     `mapstructure:"PAYOUT"`
	Settlement Settlement `mapstructure:"SETTLEMENT"`
}

// Earnings controls how gross sales are split and how download milestones pay out.
type Earnings struct {
	ProductCommissionRate string           `mapstructure:"PRODUCT_COMMISSION_RATE"`
	CourseCommissionRate  string           `mapstructure:"COURSE_COMMISSION_RATE"`
	CommissionRules       []CommissionRule `mapstructure:"COMMISSION_RULES"`
	PlatformAccountIDs    []string         `mapstructure:"PLATFORM_ACCOUNT_IDS"`
	MilestoneInterval     int64            `mapstructure:"MILESTONE_INTERVAL"`
	MilestoneBonus        string           `mapstructure:"MILESTONE_BONUS"`
}

// CommissionRule overrides the default rate when the CEL expression in When matches.
type CommissionRule struct {
	Name string `mapstructure:"NAME"`
	When string `mapstructure:"WHEN"`
	Rate string `mapstructure:"RATE"`
}

type Payout struct {
	MinimumAmount string `mapstructure:"MINIMUM_AMOUNT"`
}

type Settlement struct {
	Cron        string `mapstructure:"CRON"`
	PayoutDay   int    `mapstructure:"PAYOUT_DAY"`
	Concurrency int    `mapstructure:"CONCURRENCY"`
	BatchSize   int    `mapstructure:"BATCH_SIZE"`
	Timezone    string `mapstructure:"TIMEZONE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "creator-earnings")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("MINIO.BUCKET_NAME", "settlement-reports")
	v.SetDefault("EARNINGS.PRODUCT_COMMISSION_RATE", "0.25")
	v.SetDefault("EARNINGS.COURSE_COMMISSION_RATE", "0.30")
	v.SetDefault("EARNINGS.MILESTONE_INTERVAL", 50)
	v.SetDefault("EARNINGS.MILESTONE_BONUS", "0.50")
	v.SetDefault("PAYOUT.MINIMUM_AMOUNT", "50.00")
	v.SetDefault("SETTLEMENT.CRON", "0 0 2 5 * *")
	v.SetDefault("SETTLEMENT.PAYOUT_DAY", 5)
	v.SetDefault("SETTLEMENT.CONCURRENCY", 4)
	v.SetDefault("SETTLEMENT.BATCH_SIZE", 100)
	v.SetDefault("SETTLEMENT.TIMEZONE", "UTC")
}

// Default returns a configuration populated only with defaults, used by tests
// and tools that do not read config.yaml.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

func LoadConfig(p Params) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		zap.L().Warn("config.yaml not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if p.Vault != nil {
		ctx := context.Background()

		zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
		secret, err := p.Vault.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
		if err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			return nil, err
		}

		get := func(key string) string {
			if val, ok := secret.Data.Data[key].(string); ok {
				return val
			}
			return ""
		}

		if val := get("postgres_user"); val != "" {
			cfg.Database.User = val
		}
		if val := get("postgres_password"); val != "" {
			cfg.Database.Password = val
		}
		if val := get("redis_password"); val != "" {
			cfg.Redis.Password = val
		}
		if val := get("flagsmith_api_key"); val != "" {
			cfg.Flagsmith.ApiKey = val
		}
		if val := get("minio_secret_key"); val != "" {
			cfg.Minio.SecretKey = val
		}
	}

	return &cfg, nil
}
