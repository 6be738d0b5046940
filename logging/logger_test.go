package logging

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
)

func newBufferLogger(prefix string) (*StdLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewStdLogger(prefix).WithOutput(log.New(&buf, "", 0)), &buf
}

// TestFormatValue 测试值格式化
func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "字符串", value: "test", want: "test"},
		{name: "错误", value: errors.New("error message"), want: "error message"},
		{name: "整数", value: 123, want: "123"},
		{name: "布尔值", value: true, want: "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatValue(tt.value); got != tt.want {
				t.Errorf("formatValue() = %s, 期望 %s", got, tt.want)
			}
		})
	}
}

// TestStdLogger_Levels 测试各级别输出
func TestStdLogger_Levels(t *testing.T) {
	logger, buf := newBufferLogger("test")
	logger = logger.WithLevel(DebugLevel)
	ctx := context.Background()

	logger.Debug(ctx, "debug message", String("key", "value"))
	logger.Info(ctx, "info message", Int("count", 123))
	logger.Warn(ctx, "warn message", Bool("critical", true))
	logger.Error(ctx, "error message", Error(errors.New("boom")))

	output := buf.String()
	for _, want := range []string{
		"[DEBUG] test debug message key=value",
		"[INFO] test info message count=123",
		"[WARN] test warn message critical=true",
		"[ERROR] test error message error=boom",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("输出不包含 %q:\n%s", want, output)
		}
	}
}

// TestStdLogger_MinLevel 测试最低级别过滤
func TestStdLogger_MinLevel(t *testing.T) {
	logger, buf := newBufferLogger("")
	logger = logger.WithLevel(WarnLevel)
	ctx := context.Background()

	logger.Debug(ctx, "hidden-debug")
	logger.Info(ctx, "hidden-info")
	logger.Warn(ctx, "shown-warn")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("低于最低级别的日志不应输出:\n%s", output)
	}
	if !strings.Contains(output, "shown-warn") {
		t.Error("Warn 日志应输出")
	}
}

// TestStdLogger_WithFields_Immutable 测试WithFields不改变原Logger
func TestStdLogger_WithFields_Immutable(t *testing.T) {
	logger, buf := newBufferLogger("test")

	child := logger.WithFields(String("module", "tx"))
	child.Info(context.Background(), "commit", String("tx_id", "t-1"))
	logger.Info(context.Background(), "plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("期望 2 行输出, 实际 %d", len(lines))
	}
	if !strings.Contains(lines[0], "module=tx") || !strings.Contains(lines[0], "tx_id=t-1") {
		t.Errorf("子 Logger 字段缺失: %s", lines[0])
	}
	if strings.Contains(lines[1], "module=tx") {
		t.Errorf("WithFields 改变了原 Logger: %s", lines[1])
	}
}

// TestParseLevel 测试级别解析
func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		" error ": ErrorLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, 期望 %v", in, got, want)
		}
	}
}

// TestNoopLogger 测试NoopLogger
func TestNoopLogger(t *testing.T) {
	logger := NewNoopLogger()
	ctx := context.Background()

	logger.Debug(ctx, "test")
	logger.Info(ctx, "test")
	logger.Warn(ctx, "test")
	logger.Error(ctx, "test")

	if logger.WithFields(String("key", "value")) != logger {
		t.Error("NoopLogger.WithFields应该返回自身")
	}
}

// TestGlobalLogger 测试全局Logger与 ComponentLogger
func TestGlobalLogger(t *testing.T) {
	original := GetLogger()
	defer SetLogger(original)

	logger, buf := newBufferLogger("")
	SetLogger(logger)
	SetLogger(nil) // 忽略 nil

	ComponentLogger("navigation").Info(context.Background(), "hash written")

	if !strings.Contains(buf.String(), "component=navigation") {
		t.Errorf("ComponentLogger 未附带 component 字段: %s", buf.String())
	}
}
