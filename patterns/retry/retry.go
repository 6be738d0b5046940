// Package retry 带指数退避的重试
package retry

import (
	"context"
	"time"
)

// Operation 可重试的操作，attempt 从 1 开始
type Operation func(ctx context.Context, attempt int) error

// Config 重试配置
type Config struct {
	MaxAttempts   int           // 最大尝试次数（包括首次）
	InitialDelay  time.Duration // 首次退避
	BackoffFactor float64       // 退避倍数
	MaxDelay      time.Duration // 退避上限

	// Retryable 判断错误是否值得重试，nil 表示全部重试
	Retryable func(error) bool
}

// DefaultConfig 1 次初始 + 2 次重试，10ms 起步翻倍
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      time.Second,
	}
}

// Do 执行 op 直到成功、次数耗尽、错误不可重试或 ctx 结束。
// 返回最后一次的错误；ctx 结束时返回 ctx.Err()。
func Do(ctx context.Context, op Operation, cfg Config) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// Backoff 第 attempt 次失败后的等待时间
func (c Config) Backoff(attempt int) time.Duration {
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if c.MaxDelay > 0 && delay >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && time.Duration(delay) > c.MaxDelay {
		return c.MaxDelay
	}
	return time.Duration(delay)
}
