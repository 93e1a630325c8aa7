package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	authConfig "github.com/iurnickita/affiliate/internal/auth/config"
	handlerConfig "github.com/iurnickita/affiliate/internal/handler/config"
	loggerConfig "github.com/iurnickita/affiliate/internal/logger/config"
	programConfig "github.com/iurnickita/affiliate/internal/program/config"
	reconcileConfig "github.com/iurnickita/affiliate/internal/reconcile/config"
	schedulerConfig "github.com/iurnickita/affiliate/internal/scheduler/config"
	serviceConfig "github.com/iurnickita/affiliate/internal/service/config"
	notifyConfig "github.com/iurnickita/affiliate/internal/service/notifyclient/config"
	storeConfig "github.com/iurnickita/affiliate/internal/store/config"
)

type Config struct {
	Handler   handlerConfig.Config
	Auth      authConfig.Config
	Service   serviceConfig.Config
	Notify    notifyConfig.Config
	Program   programConfig.Config
	Reconcile reconcileConfig.Config
	Scheduler schedulerConfig.Config
	Store     storeConfig.Config
	Logger    loggerConfig.Config
}

const envPrefix = "AFFILIATE"

// GetConfig собирает настройки. Приоритет: флаги, переменные окружения (AFFILIATE_*),
// файл .env, файл --config, значения по умолчанию.
func GetConfig(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	flags := pflag.NewFlagSet("affiliate", pflag.ContinueOnError)
	flags.StringP("config", "c", "", "config file path (yaml, json, toml)")
	flags.StringP("address", "a", ":8080", "HTTP server address")
	flags.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	flags.StringP("database-dsn", "d", "", "postgres DSN, empty - in-memory store")
	flags.Int32("database-max-conns", 10, "postgres pool size")
	flags.StringP("log-level", "l", "info", "log level")
	flags.String("secret-key", "", "JWT secret for admin endpoints")
	flags.Duration("notify-timeout", 5*time.Second, "notification send timeout")
	flags.String("notify-addr", "", "notification service base URL")
	flags.String("kafka-brokers", "", "comma separated kafka brokers for notifications")
	flags.String("kafka-topic", "affiliate.notifications", "kafka topic for notifications")
	flags.Duration("program-ttl", time.Minute, "program settings cache TTL")
	flags.String("redis-addr", "", "shared program cache (host:port or redis:// URL)")
	flags.String("daily-spec", "0 0 3 * * *", "cron spec (with seconds) for daily jobs, empty - disabled")
	flags.Int("release-batch", 100, "referrals released per run")
	flags.Duration("fraud-window", 24*time.Hour, "click activity window for risk rescoring")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	cfg.Handler.ServerAddr = v.GetString("address")
	cfg.Handler.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	cfg.Auth.SecretKey = v.GetString("secret-key")
	cfg.Service.NotifyTimeout = v.GetDuration("notify-timeout")
	cfg.Notify.Addr = v.GetString("notify-addr")
	cfg.Notify.KafkaBrokers = splitList(v.GetString("kafka-brokers"))
	cfg.Notify.KafkaTopic = v.GetString("kafka-topic")
	cfg.Notify.Timeout = v.GetDuration("notify-timeout")
	cfg.Program.CacheTTL = v.GetDuration("program-ttl")
	cfg.Program.RedisAddr = v.GetString("redis-addr")
	cfg.Reconcile.ReleaseBatch = v.GetInt("release-batch")
	cfg.Reconcile.FraudWindow = v.GetDuration("fraud-window")
	cfg.Reconcile.NotifyTimeout = v.GetDuration("notify-timeout")
	cfg.Scheduler.DailySpec = v.GetString("daily-spec")
	cfg.Store.DBDsn = v.GetString("database-dsn")
	cfg.Store.MaxConns = v.GetInt32("database-max-conns")
	cfg.Logger.LogLevel = v.GetString("log-level")
	return cfg, nil
}

func splitList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
