// Package memory 进程内同步传输：Publish 在调用方 goroutine 中直接投递
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"appletkit/notify"
)

// ErrNotRunning 未 Start 或已 Close
var ErrNotRunning = errors.New("memory transport is not running")

// Transport 同步的进程内传输
type Transport struct {
	mu       sync.RWMutex
	running  bool
	delivers map[string]notify.Handler
}

// New 创建传输层
func New() *Transport {
	return &Transport{delivers: make(map[string]notify.Handler)}
}

// Publish 投递给主题与通配的订阅，处理错误汇总返回
func (t *Transport) Publish(ctx context.Context, msg *notify.Message) error {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return ErrNotRunning
	}
	targets := make([]notify.Handler, 0, 2)
	if d, ok := t.delivers[msg.Topic]; ok {
		targets = append(targets, d)
	}
	if d, ok := t.delivers[notify.TopicAll]; ok && msg.Topic != notify.TopicAll {
		targets = append(targets, d)
	}
	t.mu.RUnlock()

	var errs []error
	for _, deliver := range targets {
		if err := deliver(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("message %s handled with %d errors: %w", msg.ID, len(errs), errors.Join(errs...))
	}
	return nil
}

// Subscribe 注册主题投递函数
func (t *Transport) Subscribe(topic string, deliver notify.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.delivers[topic]; exists {
		return fmt.Errorf("topic %s already subscribed", topic)
	}
	t.delivers[topic] = deliver
	return nil
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("memory transport is already running")
	}
	t.running = true
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return ErrNotRunning
	}
	t.running = false
	return nil
}

// Topics 已注册的主题数
func (t *Transport) Topics() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.delivers)
}
