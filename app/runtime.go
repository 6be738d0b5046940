// Package app 组合根：按配置装配通知总线、事务日志与事务管理器，并管理它们的生命周期
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"appletkit/config"
	"appletkit/journal"
	"appletkit/logging"
	"appletkit/notify"
	"appletkit/notify/memory"
	"appletkit/notify/natsjetstream"
	"appletkit/notify/redisstreams"
	"appletkit/transaction"
)

// State 运行时生命周期状态
type State int

const (
	StatePending State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Option 覆盖装配出的组件
type Option func(*Runtime)

// WithLogger 替换进程日志
func WithLogger(logger logging.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTransport 替换按 APPLET_NOTIFY_DRIVER 创建的传输层
func WithTransport(t notify.Transport) Option {
	return func(r *Runtime) { r.transport = t }
}

// WithJournal 替换按 APPLET_JOURNAL_DSN 创建的事务日志
func WithJournal(store journal.Store) Option {
	return func(r *Runtime) { r.journal = store }
}

// Runtime 装配好的运行时
type Runtime struct {
	cfg       config.Config
	logger    logging.Logger
	transport notify.Transport
	bus       *notify.Bus
	journal   journal.Store

	mu       sync.Mutex
	state    State
	managers map[string]*transaction.Manager
}

// New 按配置装配运行时，返回后需调用 Start
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:      cfg,
		logger:   cfg.Logger(),
		managers: make(map[string]*transaction.Manager),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.transport == nil {
		t, err := newTransport(cfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.transport = t
	}
	bus, err := notify.NewBus(r.transport, r.logger.WithFields(logging.String("component", "notify")))
	if err != nil {
		return nil, err
	}
	r.bus = bus

	if r.journal == nil {
		store, err := newJournal(ctx, cfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.journal = store
	}

	r.logger.Info(ctx, "runtime assembled",
		logging.String("notify_driver", cfg.NotifyDriver),
		logging.Bool("persistent_journal", cfg.JournalDSN != ""))
	return r, nil
}

func newTransport(cfg config.Config, logger logging.Logger) (notify.Transport, error) {
	switch cfg.NotifyDriver {
	case config.DriverRedis:
		return redisstreams.New(redisstreams.Config{
			Addr:   cfg.RedisAddr,
			Logger: logger.WithFields(logging.String("component", "notify.redisstreams")),
		})
	case config.DriverNATS:
		return natsjetstream.New(natsjetstream.Config{
			URL:    cfg.NATSURL,
			Logger: logger.WithFields(logging.String("component", "notify.nats")),
		}), nil
	case config.DriverMemory, "":
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown notify driver %q", cfg.NotifyDriver)
}

func newJournal(ctx context.Context, cfg config.Config, logger logging.Logger) (journal.Store, error) {
	if cfg.JournalDSN == "" {
		return journal.NewMemoryStore(), nil
	}
	return journal.OpenSQLite(ctx, cfg.JournalDSN, logger.WithFields(logging.String("component", "journal")))
}

// Start 启动通知传输
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePending {
		return fmt.Errorf("runtime cannot start from state %s", r.state)
	}
	if err := r.bus.Start(ctx); err != nil {
		return fmt.Errorf("start notify bus: %w", err)
	}
	r.state = StateRunning
	return nil
}

// Manager 返回 id 对应的事务管理器，不存在时按配置创建。
// rollbacker 只在创建时生效
func (r *Runtime) Manager(id string, rollbacker transaction.Rollbacker) (*transaction.Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[id]; ok {
		return m, nil
	}
	txCfg := r.cfg.Transaction()
	m, err := transaction.NewManager(transaction.Options{
		ID:         id,
		Config:     &txCfg,
		Rollbacker: rollbacker,
		Notifier:   r.bus,
		Journal:    r.journal,
		History:    r.cfg.History(),
		Logger:     r.logger.WithFields(logging.String("component", "transaction")),
	})
	if err != nil {
		return nil, err
	}
	r.managers[m.ID()] = m
	return m, nil
}

func (r *Runtime) Bus() *notify.Bus       { return r.bus }
func (r *Runtime) Journal() journal.Store { return r.journal }
func (r *Runtime) Logger() logging.Logger { return r.logger }
func (r *Runtime) Config() config.Config  { return r.cfg }

func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Close 关闭总线与事务日志，可重复调用
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return nil
	}
	wasRunning := r.state == StateRunning
	r.state = StateStopped
	r.mu.Unlock()

	var errs []error
	if wasRunning {
		if err := r.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close notify bus: %w", err))
		}
	} else {
		// 未启动的传输层也可能持有自建连接
		_ = r.transport.Close()
	}
	if c, ok := r.journal.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	r.logger.Info(ctx, "runtime stopped", logging.Int("managers", len(r.managers)))
	return errors.Join(errs...)
}
