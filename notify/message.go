// Package notify 跨组件的变化通知总线。
//
// Bus 由组合根创建并注入到 transaction.Manager（作为 Notifier），
// 底层通过 Transport 投递：进程内（memory）、Redis Streams 或 NATS JetStream。
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"appletkit/transaction"
)

// TopicTransactionChanged 事务状态变化
const TopicTransactionChanged = "transaction.changed"

// TopicAll 通配订阅，仅进程内传输支持
const TopicAll = "*"

// Message 总线上传递的消息
type Message struct {
	ID       string            `json:"id"`
	Topic    string            `json:"topic"`
	At       time.Time         `json:"at"`
	Payload  json.RawMessage   `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewMessage 以 JSON 编码 payload
func NewMessage(topic string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return &Message{
		ID:       uuid.NewString(),
		Topic:    topic,
		At:       time.Now(),
		Payload:  data,
		Metadata: map[string]string{},
	}, nil
}

// Decode 把 payload 解码到 out
func (m *Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has empty payload", m.ID)
	}
	return json.Unmarshal(m.Payload, out)
}

// Change 解码事务变化
func (m *Message) Change() (transaction.Change, error) {
	var c transaction.Change
	err := m.Decode(&c)
	return c, err
}
