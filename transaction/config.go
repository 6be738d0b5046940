package transaction

import (
	"time"

	"appletkit/validation"
)

// Config 事务行为配置，Manager 构造时提供，Begin 时可覆盖
type Config struct {
	// Enabled 为 false 时 AddOperation 立即执行 mutation，不进入事务
	Enabled bool

	// RequireConfirmation 非 force 的 Commit 只进入 reviewing
	RequireConfirmation bool

	// AllowPartialSuccess 存在失败时保留成功结果，不回滚
	AllowPartialSuccess bool

	// EmitActivities 提交后为每个成功操作发出 Activity 事件
	EmitActivities bool

	// MaxPendingOperations 事务内最多的操作数，0 表示不限
	MaxPendingOperations int

	// Timeout 整个提交的超时，0 表示不限
	Timeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		RequireConfirmation:  false,
		AllowPartialSuccess:  false,
		EmitActivities:       true,
		MaxPendingOperations: 100,
		Timeout:              30 * time.Second,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if err := validation.ValidateNonNegative(c.MaxPendingOperations, "MaxPendingOperations"); err != nil {
		return err
	}
	return validation.ValidateDuration(c.Timeout, "Timeout")
}

// ConfigOption 覆盖单个事务的配置
type ConfigOption func(*Config)

func WithRequireConfirmation(v bool) ConfigOption {
	return func(c *Config) { c.RequireConfirmation = v }
}

func WithPartialSuccess(v bool) ConfigOption {
	return func(c *Config) { c.AllowPartialSuccess = v }
}

func WithActivities(v bool) ConfigOption {
	return func(c *Config) { c.EmitActivities = v }
}

func WithMaxPending(n int) ConfigOption {
	return func(c *Config) { c.MaxPendingOperations = n }
}

func WithTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.Timeout = d }
}
