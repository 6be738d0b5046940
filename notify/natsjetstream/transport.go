// Package natsjetstream 基于 NATS JetStream 持久订阅的通知传输
package natsjetstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"appletkit/logging"
	"appletkit/notify"
)

// Config JetStream 传输配置
type Config struct {
	URL           string
	Conn          *nats.Conn
	Stream        string
	SubjectPrefix string
	DurablePrefix string
	AckWait       time.Duration
	MaxAckPending int

	// MaxAge 流中消息的保留时长，0 表示不限
	MaxAge time.Duration

	Logger logging.Logger
}

// Transport notify.Transport 的 JetStream 实现
type Transport struct {
	cfg      Config
	logger   logging.Logger
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool

	mu       sync.RWMutex
	delivers map[string]notify.Handler
	subs     map[string]*nats.Subscription
	running  bool
}

var _ notify.Transport = (*Transport)(nil)

// New 创建传输层，连接在 Start 时建立
func New(cfg Config) *Transport {
	if cfg.Stream == "" {
		cfg.Stream = "APPLETS"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "applet."
	}
	if cfg.DurablePrefix == "" {
		cfg.DurablePrefix = "appletkit-"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("notify.nats")
	}
	return &Transport{
		cfg:      cfg,
		logger:   cfg.Logger,
		delivers: make(map[string]notify.Handler),
		subs:     make(map[string]*nats.Subscription),
	}
}

func (t *Transport) Publish(ctx context.Context, msg *notify.Message) error {
	t.mu.RLock()
	js, running := t.js, t.running
	t.mu.RUnlock()
	if !running || js == nil {
		return errors.New("nats transport is not running")
	}
	data, err := marshal(msg)
	if err != nil {
		return err
	}
	_, err = js.Publish(t.subject(msg.Topic), data, nats.Context(ctx), nats.MsgId(msg.ID))
	return err
}

func (t *Transport) Subscribe(topic string, deliver notify.Handler) error {
	if topic == notify.TopicAll {
		return fmt.Errorf("nats transport does not support wildcard topic")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.delivers[topic]; exists {
		return fmt.Errorf("topic %s already subscribed", topic)
	}
	t.delivers[topic] = deliver
	if t.running {
		return t.subscribeLocked(topic)
	}
	return nil
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("nats transport already running")
	}
	if err := t.connectLocked(); err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	if err := t.ensureStreamLocked(); err != nil {
		return fmt.Errorf("ensure stream %s: %w", t.cfg.Stream, err)
	}
	for topic := range t.delivers {
		if err := t.subscribeLocked(topic); err != nil {
			return err
		}
	}
	t.running = true
	t.logger.Info(ctx, "nats transport started",
		logging.String("stream", t.cfg.Stream),
		logging.Int("topics", len(t.delivers)))
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, sub := range t.subs {
		_ = sub.Drain()
		delete(t.subs, topic)
	}
	t.running = false
	if t.ownsConn && t.conn != nil {
		t.conn.Close()
	}
	t.conn, t.js = nil, nil
	return nil
}

func (t *Transport) connectLocked() error {
	if t.js != nil {
		return nil
	}
	if t.cfg.Conn != nil {
		t.conn = t.cfg.Conn
	} else {
		url := t.cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url, nats.Name("appletkit"))
		if err != nil {
			return err
		}
		t.conn, t.ownsConn = conn, true
	}
	js, err := t.conn.JetStream()
	if err != nil {
		return err
	}
	t.js = js
	return nil
}

// ensureStreamLocked 通知是广播语义，使用 interest 保留策略
func (t *Transport) ensureStreamLocked() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	_, err = t.js.AddStream(&nats.StreamConfig{
		Name:      t.cfg.Stream,
		Subjects:  []string{t.cfg.SubjectPrefix + ">"},
		Retention: nats.InterestPolicy,
		MaxAge:    t.cfg.MaxAge,
	})
	return err
}

func (t *Transport) subscribeLocked(topic string) error {
	if _, exists := t.subs[topic]; exists {
		return nil
	}
	durable := t.durable(topic)
	sub, err := t.js.QueueSubscribe(t.subject(topic), durable, t.handler(topic),
		nats.ManualAck(),
		nats.Durable(durable),
		nats.AckWait(t.cfg.AckWait),
		nats.MaxAckPending(t.cfg.MaxAckPending))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	t.subs[topic] = sub
	return nil
}

func (t *Transport) handler(topic string) nats.MsgHandler {
	return func(m *nats.Msg) {
		ctx := context.Background()
		msg, err := unmarshal(m.Data)
		if err != nil {
			t.logger.Warn(ctx, "drop undecodable nats message", logging.String("subject", m.Subject), logging.Error(err))
			_ = m.Term()
			return
		}
		if msg.Topic == "" {
			msg.Topic = topic
		}
		t.mu.RLock()
		deliver := t.delivers[topic]
		t.mu.RUnlock()
		if deliver != nil {
			if err := deliver(ctx, msg); err != nil {
				t.logger.Debug(ctx, "delivery reported errors", logging.String("message_id", msg.ID), logging.Error(err))
			}
		}
		if err := m.Ack(); err != nil {
			t.logger.Warn(ctx, "nats ack failed", logging.Error(err))
		}
	}
}

func (t *Transport) subject(topic string) string {
	return t.cfg.SubjectPrefix + topic
}

// durable 名称不能包含点号
func (t *Transport) durable(topic string) string {
	return t.cfg.DurablePrefix + strings.ReplaceAll(topic, ".", "-")
}

type wireMessage struct {
	ID       string            `json:"id"`
	Topic    string            `json:"topic"`
	At       int64             `json:"at"`
	Payload  json.RawMessage   `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func marshal(msg *notify.Message) ([]byte, error) {
	at := msg.At
	if at.IsZero() {
		at = time.Now()
	}
	return json.Marshal(wireMessage{
		ID:       msg.ID,
		Topic:    msg.Topic,
		At:       at.UnixNano(),
		Payload:  msg.Payload,
		Metadata: msg.Metadata,
	})
}

func unmarshal(data []byte) (*notify.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if len(w.Payload) == 0 {
		return nil, fmt.Errorf("message %s has no payload", w.ID)
	}
	if w.Metadata == nil {
		w.Metadata = map[string]string{}
	}
	return &notify.Message{
		ID:       w.ID,
		Topic:    w.Topic,
		At:       time.Unix(0, w.At),
		Payload:  w.Payload,
		Metadata: w.Metadata,
	}, nil
}
