package transaction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"appletkit/logging"
)

// EventName 事件名称
type EventName string

const (
	EventOperationAdded       EventName = "operation.added"
	EventOperationRemoved     EventName = "operation.removed"
	EventOperationComplete    EventName = "operation.complete"
	EventTransactionStarted   EventName = "transaction.started"
	EventTransactionReviewing EventName = "transaction.reviewing"
	EventTransactionComplete  EventName = "transaction.complete"
	EventTransactionCancelled EventName = "transaction.cancelled"
	EventTransactionFailed    EventName = "transaction.failed"
	EventRollbackComplete     EventName = "rollback.complete"
	EventActivity             EventName = "activity"

	// EventAll 订阅全部事件
	EventAll EventName = "*"
)

// Event 事件负载。字段按事件填充：
//   - operation.*：Operation，complete 另有 Result
//   - transaction.complete：Results
//   - transaction.failed：Results、Err
//   - 其余：Transaction
type Event struct {
	Name        EventName
	Transaction *Transaction
	Operation   *Operation
	Result      *Result
	Results     []Result
	Err         error
}

// Handler 事件处理函数，返回的错误只记录日志
type Handler func(ctx context.Context, evt Event) error

// Subscription On 返回的订阅句柄
type Subscription struct {
	name EventName
	id   uint64
}

// Emitter 单个 Manager 内的命名事件发布订阅
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventName][]subscriber
	seq      atomic.Uint64
	logger   logging.Logger
}

type subscriber struct {
	id      uint64
	handler Handler
}

func newEmitter(logger logging.Logger) *Emitter {
	return &Emitter{
		handlers: make(map[EventName][]subscriber),
		logger:   logger,
	}
}

// On 注册处理函数，按注册顺序调用
func (e *Emitter) On(name EventName, handler Handler) Subscription {
	id := e.seq.Add(1)
	e.mu.Lock()
	e.handlers[name] = append(e.handlers[name], subscriber{id: id, handler: handler})
	e.mu.Unlock()
	return Subscription{name: name, id: id}
}

// Off 取消订阅，返回是否找到
func (e *Emitter) Off(sub Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.handlers[sub.name]
	for i, s := range list {
		if s.id == sub.id {
			e.handlers[sub.name] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// emit 同步调用处理函数；错误与 panic 被记录，不向调用方传播
func (e *Emitter) emit(ctx context.Context, evt Event) {
	e.mu.RLock()
	subs := make([]subscriber, 0, len(e.handlers[evt.Name])+len(e.handlers[EventAll]))
	subs = append(subs, e.handlers[evt.Name]...)
	subs = append(subs, e.handlers[EventAll]...)
	e.mu.RUnlock()

	for _, s := range subs {
		e.call(ctx, s.handler, evt)
	}
}

func (e *Emitter) call(ctx context.Context, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "event handler panic",
				logging.String("event", string(evt.Name)),
				logging.Error(fmt.Errorf("panic: %v", r)))
		}
	}()
	if err := h(ctx, evt); err != nil {
		e.logger.Warn(ctx, "event handler failed",
			logging.String("event", string(evt.Name)),
			logging.Error(err))
	}
}
