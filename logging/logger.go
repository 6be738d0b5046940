// Package logging 提供统一的日志接口抽象
package logging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Level 日志级别
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String 返回级别名称
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel 解析级别名称（大小写不敏感），无法识别时返回 InfoLevel
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger 日志接口
type Logger interface {
	// Debug 调试日志
	Debug(ctx context.Context, msg string, fields ...Field)

	// Info 信息日志
	Info(ctx context.Context, msg string, fields ...Field)

	// Warn 警告日志
	Warn(ctx context.Context, msg string, fields ...Field)

	// Error 错误日志
	Error(ctx context.Context, msg string, fields ...Field)

	// WithFields 添加字段，返回新的Logger
	WithFields(fields ...Field) Logger
}

// Field 日志字段
type Field struct {
	Key   string
	Value any
}

// 字段构造函数
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

func Error(err error) Field {
	return Field{Key: "error", Value: err}
}

// Duration 以 time.Duration 作为字段值，格式化输出
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// StdLogger 标准库log实现
type StdLogger struct {
	prefix string
	level  Level
	fields []Field
	out    *log.Logger
}

// NewStdLogger 创建标准库Logger，默认输出 Info 及以上级别
func NewStdLogger(prefix string) *StdLogger {
	return &StdLogger{
		prefix: prefix,
		level:  InfoLevel,
		fields: make([]Field, 0),
		out:    log.Default(),
	}
}

// WithLevel 返回设置了最低输出级别的副本
func (l *StdLogger) WithLevel(level Level) *StdLogger {
	cp := *l
	cp.level = level
	return &cp
}

// WithOutput 返回使用指定 *log.Logger 输出的副本（测试时可重定向到缓冲区）
func (l *StdLogger) WithOutput(out *log.Logger) *StdLogger {
	cp := *l
	cp.out = out
	return &cp
}

func (l *StdLogger) format(msg string, fields ...Field) string {
	var b strings.Builder
	if l.prefix != "" {
		b.WriteString(l.prefix)
		b.WriteByte(' ')
	}
	b.WriteString(msg)
	for _, f := range l.fields {
		b.WriteString(" " + f.Key + "=" + formatValue(f.Value))
	}
	for _, f := range fields {
		b.WriteString(" " + f.Key + "=" + formatValue(f.Value))
	}
	return b.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		if val == nil {
			return "<nil>"
		}
		return val.Error()
	default:
		return fmt.Sprint(val)
	}
}

func (l *StdLogger) write(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	l.out.Println("["+level.String()+"]", l.format(msg, fields...))
}

func (l *StdLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.write(DebugLevel, msg, fields)
}

func (l *StdLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.write(InfoLevel, msg, fields)
}

func (l *StdLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.write(WarnLevel, msg, fields)
}

func (l *StdLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.write(ErrorLevel, msg, fields)
}

func (l *StdLogger) WithFields(fields ...Field) Logger {
	newFields := make([]Field, len(l.fields)+len(fields))
	copy(newFields, l.fields)
	copy(newFields[len(l.fields):], fields)
	return &StdLogger{
		prefix: l.prefix,
		level:  l.level,
		fields: newFields,
		out:    l.out,
	}
}

// NoopLogger 空日志实现（用于测试）
type NoopLogger struct{}

func NewNoopLogger() *NoopLogger {
	return &NoopLogger{}
}

func (l *NoopLogger) Debug(ctx context.Context, msg string, fields ...Field) {}
func (l *NoopLogger) Info(ctx context.Context, msg string, fields ...Field)  {}
func (l *NoopLogger) Warn(ctx context.Context, msg string, fields ...Field)  {}
func (l *NoopLogger) Error(ctx context.Context, msg string, fields ...Field) {}
func (l *NoopLogger) WithFields(fields ...Field) Logger                      { return l }

// 进程级 Logger，组合根在启动时通过 SetLogger 替换
var (
	globalMu     sync.RWMutex
	globalLogger Logger = NewStdLogger("")
)

// SetLogger 设置全局Logger
func SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// GetLogger 获取全局Logger
func GetLogger() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// ComponentLogger 返回带 component 字段的全局 Logger
func ComponentLogger(component string) Logger {
	return GetLogger().WithFields(String("component", component))
}
