package transaction

import (
	"context"
	"time"

	"appletkit/cache"
	"appletkit/logging"
)

// History 最近结束的事务，按 LRU + TTL 保留，供结果查看
type History struct {
	entries *cache.Cache[string, *Transaction]
	logger  logging.Logger
}

// HistoryOption History 构造选项
type HistoryOption func(*historyOptions)

type historyOptions struct {
	logger logging.Logger
	now    func() time.Time
}

// WithHistoryLogger 记录条目被驱逐或过期
func WithHistoryLogger(logger logging.Logger) HistoryOption {
	return func(o *historyOptions) { o.logger = logger }
}

// WithHistoryClock 替换时钟，测试用
func WithHistoryClock(now func() time.Time) HistoryOption {
	return func(o *historyOptions) { o.now = now }
}

// NewHistory size 为 0 表示不限条数，ttl 为 0 表示不过期
func NewHistory(size int, ttl time.Duration, opts ...HistoryOption) *History {
	var o historyOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.ComponentLogger("transaction.history")
	}

	h := &History{logger: o.logger}
	cacheOpts := []cache.Option[string, *Transaction]{
		cache.WithEvictHandler(h.dropped),
	}
	if o.now != nil {
		cacheOpts = append(cacheOpts, cache.WithClock[string, *Transaction](o.now))
	}
	h.entries = cache.New[string, *Transaction](cache.Config{
		Name:    "transaction_history",
		MaxSize: size,
		TTL:     ttl,
	}, cacheOpts...)
	return h
}

// dropped 在缓存锁内调用，不能访问 entries
func (h *History) dropped(id string, tx *Transaction) {
	h.logger.Debug(context.Background(), "transaction dropped from history",
		logging.String("transaction_id", id),
		logging.String("status", string(tx.Status)))
}

// Record 写入前先清理过期条目
func (h *History) Record(tx *Transaction) {
	if tx == nil {
		return
	}
	h.entries.CleanExpired()
	h.entries.Set(tx.ID, tx.clone())
}

// Get 返回副本
func (h *History) Get(id string) (*Transaction, bool) {
	tx, ok := h.entries.Get(id)
	if !ok {
		return nil, false
	}
	return tx.clone(), true
}

// Recent 最近使用的在前
func (h *History) Recent() []*Transaction {
	values := h.entries.Values()
	out := make([]*Transaction, len(values))
	for i, tx := range values {
		out[i] = tx.clone()
	}
	return out
}

func (h *History) Len() int {
	return h.entries.Size()
}

func (h *History) Stats() cache.Stats {
	return h.entries.Stats()
}

func (h *History) HitRate() float64 {
	return h.entries.HitRate()
}

func (h *History) String() string {
	return h.entries.String()
}
