package transaction

import (
	"context"
	"time"
)

// Change 事务状态变化通知，供跨组件刷新使用
type Change struct {
	ManagerID         string    `json:"manager_id"`
	TransactionID     string    `json:"transaction_id"`
	Status            Status    `json:"status"`
	PendingOperations int       `json:"pending_operations"`
	At                time.Time `json:"at"`
}

// Notifier 接收 Change，由组合根注入（例如 notify.Bus）
type Notifier interface {
	Notify(ctx context.Context, change Change) error
}

// NotifierFunc 函数适配器
type NotifierFunc func(ctx context.Context, change Change) error

func (f NotifierFunc) Notify(ctx context.Context, change Change) error {
	return f(ctx, change)
}

// Journal 持久化已结束的事务
type Journal interface {
	Save(ctx context.Context, tx *Transaction) error
}
