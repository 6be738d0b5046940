// Package config 从环境变量加载运行配置
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	sharederrors "appletkit/errors"
	"appletkit/logging"
	"appletkit/transaction"
	"appletkit/validation"
)

// 通知传输驱动
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverNATS   = "nats"
)

// Config 运行配置
type Config struct {
	TxEnabled             bool          `env:"APPLET_TX_ENABLED" envDefault:"true"`
	TxRequireConfirmation bool          `env:"APPLET_TX_REQUIRE_CONFIRMATION" envDefault:"false"`
	TxAllowPartial        bool          `env:"APPLET_TX_ALLOW_PARTIAL" envDefault:"false"`
	TxEmitActivities      bool          `env:"APPLET_TX_EMIT_ACTIVITIES" envDefault:"true"`
	TxMaxPending          int           `env:"APPLET_TX_MAX_PENDING" envDefault:"100"`
	TxTimeout             time.Duration `env:"APPLET_TX_TIMEOUT" envDefault:"30s"`

	HistorySize int           `env:"APPLET_HISTORY_SIZE" envDefault:"50"`
	HistoryTTL  time.Duration `env:"APPLET_HISTORY_TTL" envDefault:"1h"`

	NotifyDriver string `env:"APPLET_NOTIFY_DRIVER" envDefault:"memory"`
	RedisAddr    string `env:"APPLET_REDIS_ADDR" envDefault:"localhost:6379"`
	NATSURL      string `env:"APPLET_NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	// JournalDSN 为空时使用内存日志
	JournalDSN string `env:"APPLET_JOURNAL_DSN"`

	LogLevel string `env:"APPLET_LOG_LEVEL" envDefault:"info"`
}

// Load 读取进程环境变量并校验
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom 从给定的变量表读取，未给出的键取默认值
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate 校验取值范围
func (c Config) Validate() error {
	if err := validation.ValidateIntRange(c.TxMaxPending, "APPLET_TX_MAX_PENDING", 0, 10000); err != nil {
		return err
	}
	if err := validation.ValidateDuration(c.TxTimeout, "APPLET_TX_TIMEOUT"); err != nil {
		return err
	}
	if err := validation.ValidateNonNegative(c.HistorySize, "APPLET_HISTORY_SIZE"); err != nil {
		return err
	}
	if err := validation.ValidateDuration(c.HistoryTTL, "APPLET_HISTORY_TTL"); err != nil {
		return err
	}
	if err := validation.ValidateEnum(c.NotifyDriver, "APPLET_NOTIFY_DRIVER",
		[]string{DriverMemory, DriverRedis, DriverNATS}); err != nil {
		return err
	}
	switch c.NotifyDriver {
	case DriverRedis:
		return validation.ValidateRequired(c.RedisAddr, "APPLET_REDIS_ADDR")
	case DriverNATS:
		return validation.ValidateRequired(c.NATSURL, "APPLET_NATS_URL")
	}
	return nil
}

// Transaction 事务管理器默认配置
func (c Config) Transaction() transaction.Config {
	return transaction.Config{
		Enabled:              c.TxEnabled,
		RequireConfirmation:  c.TxRequireConfirmation,
		AllowPartialSuccess:  c.TxAllowPartial,
		EmitActivities:       c.TxEmitActivities,
		MaxPendingOperations: c.TxMaxPending,
		Timeout:              c.TxTimeout,
	}
}

// History HistorySize 为 0 时不保留历史
func (c Config) History() *transaction.History {
	if c.HistorySize == 0 {
		return nil
	}
	return transaction.NewHistory(c.HistorySize, c.HistoryTTL, transaction.WithHistoryLogger(c.Logger()))
}

// Logger 按 APPLET_LOG_LEVEL 创建进程日志
func (c Config) Logger() logging.Logger {
	return logging.NewStdLogger("[appletkit] ").WithLevel(logging.ParseLevel(c.LogLevel))
}

// IsConfigError 是否为配置校验错误
func IsConfigError(err error) bool {
	return sharederrors.IsValidation(err)
}
