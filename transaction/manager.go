package transaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	sharederrors "appletkit/errors"
	"appletkit/logging"
	"appletkit/patterns/retry"
)

// Options Manager 依赖，除 Config 外均可为空
type Options struct {
	// ID 用于通知中标识 Manager，空时生成
	ID string

	// Config nil 时使用 DefaultConfig
	Config *Config

	Rollbacker Rollbacker
	Notifier   Notifier
	Journal    Journal
	History    *History

	// RetryConfig 回滚单步的重试，nil 时使用 retry.DefaultConfig
	RetryConfig *retry.Config

	Logger logging.Logger
}

// Manager 事务管理器。同一时间最多一个活动事务
type Manager struct {
	id         string
	config     Config
	rollbacker Rollbacker
	notifier   Notifier
	journal    Journal
	history    *History
	retry      retry.Config
	logger     logging.Logger
	emitter    *Emitter

	mu       sync.Mutex
	tx       *Transaction
	inflight map[string]struct{}
}

// NewManager 创建 Manager
func NewManager(opts Options) (*Manager, error) {
	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	retryCfg := retry.DefaultConfig()
	if opts.RetryConfig != nil {
		retryCfg = *opts.RetryConfig
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.ComponentLogger("transaction")
	}
	logger = logger.WithFields(logging.String("manager_id", id))

	return &Manager{
		id:         id,
		config:     cfg,
		rollbacker: opts.Rollbacker,
		notifier:   opts.Notifier,
		journal:    opts.Journal,
		history:    opts.History,
		retry:      retryCfg,
		logger:     logger,
		emitter:    newEmitter(logger),
		inflight:   make(map[string]struct{}),
	}, nil
}

func (m *Manager) ID() string { return m.id }

// Config Manager 级默认配置
func (m *Manager) Config() Config { return m.config }

// On 订阅事件
func (m *Manager) On(name EventName, handler Handler) Subscription {
	return m.emitter.On(name, handler)
}

// Off 取消订阅
func (m *Manager) Off(sub Subscription) bool {
	return m.emitter.Off(sub)
}

// Begin 返回仍在进行中的事务，否则开启新事务
func (m *Manager) Begin(ctx context.Context, opts ...ConfigOption) *Transaction {
	m.mu.Lock()
	tx, started := m.beginLocked(opts)
	snap := tx.clone()
	m.mu.Unlock()

	if started {
		m.dispatch(ctx, Event{Name: EventTransactionStarted, Transaction: snap})
		m.notify(ctx, snap)
	}
	return snap
}

func (m *Manager) beginLocked(opts []ConfigOption) (*Transaction, bool) {
	if m.tx != nil && m.tx.Status.Open() {
		return m.tx, false
	}

	cfg := m.config
	for _, opt := range opts {
		opt(&cfg)
	}
	m.tx = &Transaction{
		ID:         uuid.NewString(),
		Operations: []*Operation{},
		Status:     StatusPending,
		CreatedAt:  time.Now(),
		Config:     cfg,
	}
	return m.tx, true
}

// AddOperation 把操作加入活动事务（没有时自动开启），按 EntityID 合并冲突。
// 返回合并后的操作副本。
//
// Enabled 为 false 时立即执行 mutation（同样受 Timeout 限制），返回 mutation 的错误。
func (m *Manager) AddOperation(ctx context.Context, op Operation) (*Operation, error) {
	if err := validateOperation(&op); err != nil {
		return nil, err
	}

	if !m.config.Enabled {
		runCtx := ctx
		if m.config.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, m.config.Timeout)
			defer cancel()
		}
		r := m.run(runCtx, &op)
		m.dispatch(ctx, Event{Name: EventOperationComplete, Operation: r.Operation, Result: &r})
		return r.Operation, r.Err
	}

	m.mu.Lock()
	tx, started := m.beginLocked(nil)
	var events []Event
	if started {
		events = append(events, Event{Name: EventTransactionStarted, Transaction: tx.clone()})
	}

	live, replaced, err := m.collapseLocked(tx, &op)
	if err != nil {
		m.mu.Unlock()
		m.dispatch(ctx, events...)
		return nil, err
	}
	tx.TotalOperations++
	if replaced != nil {
		events = append(events, Event{Name: EventOperationRemoved, Operation: replaced.clone()})
	}
	out := live.clone()
	events = append(events, Event{Name: EventOperationAdded, Operation: out})
	snap := tx.clone()
	m.mu.Unlock()

	m.logger.Debug(ctx, "operation added",
		logging.String("transaction_id", snap.ID),
		logging.String("operation_id", out.ID),
		logging.String("type", string(out.Type)),
		logging.String("entity_id", out.EntityID),
		logging.Bool("collapsed", replaced != nil))

	m.dispatch(ctx, events...)
	m.notify(ctx, snap)
	return out.clone(), nil
}

func validateOperation(op *Operation) error {
	if !op.Type.Valid() {
		return sharederrors.NewValidationError("invalid operation type: " + string(op.Type))
	}
	if op.EntityID == "" {
		return sharederrors.NewValidationError("operation entity id is required")
	}
	if op.Mutation == nil {
		return sharederrors.NewValidationError("operation mutation is required")
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	return nil
}

// RemoveOperation 按 ID 删除操作；正在执行的操作不能删除
func (m *Manager) RemoveOperation(ctx context.Context, id string) bool {
	m.mu.Lock()
	tx := m.tx
	if tx == nil || !tx.Status.Open() {
		m.mu.Unlock()
		return false
	}
	idx := tx.indexOf(id)
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	if _, busy := m.inflight[id]; busy {
		m.mu.Unlock()
		return false
	}
	removed := tx.Operations[idx]
	tx.Operations = append(tx.Operations[:idx:idx], tx.Operations[idx+1:]...)
	snap := tx.clone()
	m.mu.Unlock()

	m.dispatch(ctx, Event{Name: EventOperationRemoved, Operation: removed.clone()})
	m.notify(ctx, snap)
	return true
}

// Cancel 丢弃活动事务，不调用任何 mutation。
// 进行中的 Commit 不会被中断，但其结果不再写回事务。
func (m *Manager) Cancel(ctx context.Context) bool {
	m.mu.Lock()
	tx := m.tx
	if tx == nil {
		m.mu.Unlock()
		return false
	}
	m.tx = nil
	if !tx.Status.Open() {
		m.mu.Unlock()
		return false
	}
	tx.Status = StatusCancelled
	tx.CompletedAt = time.Now()
	snap := tx.clone()
	m.mu.Unlock()

	m.logger.Info(ctx, "transaction cancelled",
		logging.String("transaction_id", snap.ID),
		logging.Int("operations", len(snap.Operations)))

	m.dispatch(ctx, Event{Name: EventTransactionCancelled, Transaction: snap})
	m.finish(ctx, snap)
	return true
}

// Transaction 当前事务副本，没有时为 nil
func (m *Manager) Transaction() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx.clone()
}

// Lookup 按 ID 查找当前事务或历史事务
func (m *Manager) Lookup(id string) (*Transaction, bool) {
	m.mu.Lock()
	if m.tx != nil && m.tx.ID == id {
		snap := m.tx.clone()
		m.mu.Unlock()
		return snap, true
	}
	m.mu.Unlock()

	if m.history == nil {
		return nil, false
	}
	return m.history.Get(id)
}

// GetSummary 按类型、来源统计当前事务的操作
func (m *Manager) GetSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		ByType:    make(map[OperationType]int),
		ByTrigger: make(map[Trigger]int),
		Entities:  []string{},
	}
	if m.tx == nil {
		return s
	}

	kinds := make(map[string]struct{})
	for _, op := range m.tx.Operations {
		s.Total++
		s.ByType[op.Type]++
		if op.Trigger != "" {
			s.ByTrigger[op.Trigger]++
		}
		if op.Entity != "" {
			kinds[op.Entity] = struct{}{}
		}
	}
	for k := range kinds {
		s.Entities = append(s.Entities, k)
	}
	sort.Strings(s.Entities)
	return s
}

const (
	estimatePerOperation = 500 * time.Millisecond
	estimateOverhead     = 200 * time.Millisecond
)

// EstimateDuration 提交耗时的粗略估计，仅用于进度提示
func (m *Manager) EstimateDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx == nil {
		return 0
	}
	return time.Duration(len(m.tx.Operations))*estimatePerOperation + estimateOverhead
}

func (m *Manager) dispatch(ctx context.Context, events ...Event) {
	for _, evt := range events {
		m.emitter.emit(ctx, evt)
	}
}

func (m *Manager) notify(ctx context.Context, snap *Transaction) {
	if m.notifier == nil || snap == nil {
		return
	}
	change := Change{
		ManagerID:         m.id,
		TransactionID:     snap.ID,
		Status:            snap.Status,
		PendingOperations: len(snap.Operations),
		At:                time.Now(),
	}
	if err := m.notifier.Notify(ctx, change); err != nil {
		m.logger.Warn(ctx, "notify change failed",
			logging.String("transaction_id", snap.ID),
			logging.Error(err))
	}
}

// finish 记录已结束的事务
func (m *Manager) finish(ctx context.Context, snap *Transaction) {
	if m.history != nil {
		m.history.Record(snap)
		m.logger.Debug(ctx, "transaction archived",
			logging.String("transaction_id", snap.ID),
			logging.String("history", m.history.String()))
	}
	if m.journal != nil {
		if err := m.journal.Save(ctx, snap); err != nil {
			m.logger.Warn(ctx, "journal save failed",
				logging.String("transaction_id", snap.ID),
				logging.Error(err))
		}
	}
	m.notify(ctx, snap)
}
