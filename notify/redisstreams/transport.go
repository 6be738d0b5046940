// Package redisstreams 基于 Redis Streams 消费组的通知传输，
// 同一消费组内的多个进程共享一条变化流。
package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"appletkit/logging"
	"appletkit/notify"
	"appletkit/patterns/retry"
)

// client 仅包含用到的 go-redis 命令，便于测试替换
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config Redis Streams 传输配置
type Config struct {
	Client   redis.UniversalClient
	Addr     string
	Password string
	DB       int

	StreamPrefix string
	Group        string
	Consumer     string
	Block        time.Duration
	ReadCount    int64

	// MaxLen 流的近似长度上限，0 表示不裁剪
	MaxLen int64

	// ReadBackoff 读失败后的退避
	ReadBackoff retry.Config

	Logger logging.Logger
}

// Transport notify.Transport 的 Redis Streams 实现
type Transport struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger

	mu       sync.RWMutex
	delivers map[string]notify.Handler
	readers  map[string]bool
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ notify.Transport = (*Transport)(nil)

// New 创建传输层；未提供 Client 时按 Addr 自建连接，并在 Close 时关闭
func New(cfg Config) (*Transport, error) {
	var cl client
	own := false
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("redis address is required")
		}
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
		own = true
	}
	return newTransport(cfg, cl, own), nil
}

func newTransport(cfg Config, cl client, own bool) *Transport {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "applet:"
	}
	if cfg.Group == "" {
		cfg.Group = "appletkit"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-" + uuid.NewString()
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.ReadBackoff.InitialDelay <= 0 {
		cfg.ReadBackoff = retry.Config{InitialDelay: 100 * time.Millisecond, BackoffFactor: 2, MaxDelay: 5 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("notify.redisstreams")
	}
	return &Transport{
		cfg:       cfg,
		client:    cl,
		ownClient: own,
		logger:    cfg.Logger,
		delivers:  make(map[string]notify.Handler),
		readers:   make(map[string]bool),
	}
}

// Publish XADD 到主题对应的流
func (t *Transport) Publish(ctx context.Context, msg *notify.Message) error {
	values, err := encode(msg)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: t.stream(msg.Topic), Values: values}
	if t.cfg.MaxLen > 0 {
		args.MaxLen = t.cfg.MaxLen
		args.Approx = true
	}
	return t.client.XAdd(ctx, args).Err()
}

// Subscribe 注册主题；运行中注册会立即启动读取
func (t *Transport) Subscribe(topic string, deliver notify.Handler) error {
	if topic == notify.TopicAll {
		return fmt.Errorf("redis streams transport does not support wildcard topic")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.delivers[topic]; exists {
		return fmt.Errorf("topic %s already subscribed", topic)
	}
	t.delivers[topic] = deliver
	if t.running {
		t.startReaderLocked(topic)
	}
	return nil
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("redis streams transport already running")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	for topic := range t.delivers {
		t.startReaderLocked(topic)
	}
	t.running = true
	return nil
}

// Close 停止读取；自建的连接一并关闭
func (t *Transport) Close() error {
	t.mu.Lock()
	wasRunning := t.running
	t.running = false
	cancel := t.cancel
	t.readers = make(map[string]bool)
	t.mu.Unlock()

	if wasRunning && cancel != nil {
		cancel()
		t.wg.Wait()
	}
	if t.ownClient {
		return t.client.Close()
	}
	return nil
}

func (t *Transport) startReaderLocked(topic string) {
	if t.readers[topic] {
		return
	}
	t.readers[topic] = true
	t.wg.Add(1)
	go t.readLoop(t.ctx, topic)
}

func (t *Transport) readLoop(ctx context.Context, topic string) {
	defer t.wg.Done()

	stream := t.stream(topic)
	if err := t.ensureGroup(ctx, stream); err != nil {
		t.logger.Warn(ctx, "ensure consumer group failed", logging.String("stream", stream), logging.Error(err))
	}
	args := &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{stream, ">"},
		Count:    t.cfg.ReadCount,
		Block:    t.cfg.Block,
	}

	failures := 0
	for ctx.Err() == nil {
		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			failures++
			wait := t.cfg.ReadBackoff.Backoff(failures)
			t.logger.Warn(ctx, "xreadgroup failed",
				logging.String("stream", stream),
				logging.Duration("backoff", wait),
				logging.Error(err))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
			continue
		}
		failures = 0
		for _, s := range res {
			for _, entry := range s.Messages {
				t.handleEntry(ctx, topic, s.Stream, entry)
			}
		}
	}
}

// handleEntry 投递后确认；解码失败的条目直接确认丢弃
func (t *Transport) handleEntry(ctx context.Context, topic, stream string, entry redis.XMessage) {
	msg, err := decode(entry)
	if err != nil {
		t.logger.Warn(ctx, "drop undecodable entry", logging.String("entry_id", entry.ID), logging.Error(err))
	} else {
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
	}
	if err := t.client.XAck(ctx, stream, t.cfg.Group, entry.ID).Err(); err != nil {
		t.logger.Warn(ctx, "xack failed", logging.String("entry_id", entry.ID), logging.Error(err))
	}
}

func (t *Transport) ensureGroup(ctx context.Context, stream string) error {
	err := t.client.XGroupCreateMkStream(ctx, stream, t.cfg.Group, "0").Err()
	if err == nil || strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
}

func (t *Transport) stream(topic string) string {
	return t.cfg.StreamPrefix + topic
}

func encode(msg *notify.Message) (map[string]any, error) {
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return nil, err
	}
	at := msg.At
	if at.IsZero() {
		at = time.Now()
	}
	return map[string]any{
		"id":       msg.ID,
		"topic":    msg.Topic,
		"at":       at.UnixNano(),
		"payload":  string(msg.Payload),
		"metadata": string(metadata),
	}, nil
}

// decode Redis 返回的字段值均为字符串
func decode(entry redis.XMessage) (*notify.Message, error) {
	msg := &notify.Message{Metadata: map[string]string{}}
	msg.ID, _ = entry.Values["id"].(string)
	msg.Topic, _ = entry.Values["topic"].(string)
	if msg.ID == "" {
		msg.ID = entry.ID
	}

	payload, _ := entry.Values["payload"].(string)
	if payload == "" {
		return nil, fmt.Errorf("entry %s has no payload", entry.ID)
	}
	if !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("entry %s payload is not json", entry.ID)
	}
	msg.Payload = json.RawMessage(payload)

	if raw, _ := entry.Values["metadata"].(string); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("entry %s metadata: %w", entry.ID, err)
		}
	}

	msg.At = time.Now()
	switch v := entry.Values["at"].(type) {
	case int64:
		msg.At = time.Unix(0, v)
	case string:
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.At = time.Unix(0, ns)
		}
	}
	return msg, nil
}
