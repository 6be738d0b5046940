package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"appletkit/logging"
	"appletkit/transaction"
)

// Handler 处理一条消息
type Handler func(ctx context.Context, msg *Message) error

// Transport 消息传输层
type Transport interface {
	Publish(ctx context.Context, msg *Message) error

	// Subscribe 为主题注册投递函数，每个主题只注册一次
	Subscribe(topic string, deliver Handler) error

	Start(ctx context.Context) error
	Close() error
}

// Subscription Bus.Subscribe 返回的句柄
type Subscription struct {
	topic string
	id    uint64
}

// Bus 主题订阅与发布，实现 transaction.Notifier
type Bus struct {
	transport Transport
	logger    logging.Logger

	mu         sync.RWMutex
	handlers   map[string][]subscriber
	registered map[string]bool
	seq        uint64
}

type subscriber struct {
	id      uint64
	handler Handler
}

var _ transaction.Notifier = (*Bus)(nil)

// NewBus 创建总线，transport 不能为空
func NewBus(transport Transport, logger logging.Logger) (*Bus, error) {
	if transport == nil {
		return nil, errors.New("notify: transport is required")
	}
	if logger == nil {
		logger = logging.ComponentLogger("notify.bus")
	}
	return &Bus{
		transport:  transport,
		logger:     logger,
		handlers:   make(map[string][]subscriber),
		registered: make(map[string]bool),
	}, nil
}

// Start 启动传输层
func (b *Bus) Start(ctx context.Context) error {
	return b.transport.Start(ctx)
}

// Close 关闭传输层
func (b *Bus) Close() error {
	return b.transport.Close()
}

// Subscribe 订阅主题
func (b *Bus) Subscribe(topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.registered[topic] {
		if err := b.transport.Subscribe(topic, b.deliverFor(topic)); err != nil {
			return Subscription{}, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		b.registered[topic] = true
	}
	b.seq++
	b.handlers[topic] = append(b.handlers[topic], subscriber{id: b.seq, handler: h})
	return Subscription{topic: topic, id: b.seq}, nil
}

// Unsubscribe 取消订阅；传输层的主题注册保留
func (b *Bus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.handlers[sub.topic] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Publish 发布消息
func (b *Bus) Publish(ctx context.Context, msg *Message) error {
	if err := b.transport.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Notify 发布事务变化
func (b *Bus) Notify(ctx context.Context, change transaction.Change) error {
	msg, err := NewMessage(TopicTransactionChanged, change)
	if err != nil {
		return err
	}
	msg.Metadata["manager_id"] = change.ManagerID
	msg.Metadata["status"] = string(change.Status)
	return b.Publish(ctx, msg)
}

// OnChange 订阅事务变化
func (b *Bus) OnChange(fn func(ctx context.Context, change transaction.Change)) (Subscription, error) {
	return b.Subscribe(TopicTransactionChanged, func(ctx context.Context, msg *Message) error {
		change, err := msg.Change()
		if err != nil {
			return err
		}
		fn(ctx, change)
		return nil
	})
}

// deliverFor 只投递给注册在该主题上的处理函数
func (b *Bus) deliverFor(topic string) Handler {
	return func(ctx context.Context, msg *Message) error {
		b.mu.RLock()
		subs := append([]subscriber(nil), b.handlers[topic]...)
		b.mu.RUnlock()

		var errs []error
		for _, s := range subs {
			if err := b.call(ctx, s.handler, msg); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

func (b *Bus) call(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			b.logger.Warn(ctx, "notify handler failed",
				logging.String("topic", msg.Topic),
				logging.String("message_id", msg.ID),
				logging.Error(err))
		}
	}()
	return h(ctx, msg)
}
