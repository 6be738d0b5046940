package transaction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharederrors "appletkit/errors"
)

var errMutation = errors.New("server rejected")

// batchWithFailure 添加 ok1、ok2、fail3，回滚顺序写入 rolled
func batchWithFailure(t *testing.T, m *Manager, rolled *[]string, mu *sync.Mutex) {
	t.Helper()
	ctx := context.Background()
	record := func(name string) RollbackFunc {
		return func(ctx context.Context, op *Operation) error {
			mu.Lock()
			*rolled = append(*rolled, name)
			mu.Unlock()
			return nil
		}
	}
	for _, name := range []string{"ok1", "ok2"} {
		_, err := m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: name, Label: name,
			Mutation: okMutation(name), Rollback: record(name)})
		require.NoError(t, err)
	}
	_, err := m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "fail3", Label: "fail3",
		Mutation: func(ctx context.Context, op *Operation) (any, error) { return nil, errMutation },
		Rollback: record("fail3")})
	require.NoError(t, err)
}

func TestCommit_NoActiveTransaction(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Commit(context.Background(), false)
	assert.ErrorIs(t, err, ErrNoActiveTransaction)
	assert.True(t, sharederrors.IsErrorCode(err, sharederrors.ErrCodeNoActiveTransaction))
}

func TestCommit_AllSucceed(t *testing.T) {
	history := NewHistory(10, time.Minute)
	m := newTestManager(t, func(o *Options) { o.History = history })
	rec := &recorder{}
	m.On(EventAll, rec.handle)
	ctx := context.Background()

	_, _ = m.AddOperation(ctx, Operation{Type: OpCreate, EntityID: "a", Mutation: okMutation("A")})
	_, _ = m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "b", Mutation: okMutation("B")})
	txID := m.Transaction().ID

	results, err := m.Commit(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "A", results[0].Value)
	assert.Equal(t, "B", results[1].Value)
	assert.True(t, results[0].Success && results[1].Success)

	assert.Nil(t, m.Transaction())
	tx, ok := m.Lookup(txID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, tx.Status)
	assert.False(t, tx.CompletedAt.IsZero())
	assert.False(t, tx.ExecutedAt.IsZero())

	assert.Len(t, rec.only(EventOperationComplete), 2)
	assert.Len(t, rec.only(EventTransactionComplete), 1)
	assert.Len(t, rec.only(EventActivity), 2)
}

// 创建又删除的实体不调用 mutation，直接得到成功结果
func TestCommit_CancelledOutCreateSkipsMutation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var calls atomic.Int32
	mutation := func(ctx context.Context, op *Operation) (any, error) {
		calls.Add(1)
		return "called", nil
	}
	_, _ = m.AddOperation(ctx, Operation{Type: OpCreate, EntityID: "t1", Mutation: mutation})
	_, _ = m.AddOperation(ctx, Operation{Type: OpDelete, EntityID: "t1", Mutation: mutation})

	results, err := m.Commit(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.True(t, results[0].Skipped)
	assert.Nil(t, results[0].Value)
	assert.Equal(t, int32(0), calls.Load())
	assert.Nil(t, m.Transaction())
}

// apiLog 记录各个端点的调用顺序
type apiLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *apiLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *apiLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *apiLog) mutation(name string) MutationFunc {
	return func(ctx context.Context, op *Operation) (any, error) {
		l.add(name)
		return op.Data, nil
	}
}

func (l *apiLog) rollback(name string) RollbackFunc {
	return func(ctx context.Context, op *Operation) error {
		l.add(name)
		return nil
	}
}

// 抵消后重新 update 的 create 调用 create 端点，失败时用 create 的回滚撤销
func TestCommit_ReopenedCreateRunsAsCreate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	api := &apiLog{}

	_, _ = m.AddOperation(ctx, Operation{Type: OpCreate, EntityID: "t1", Data: "v1",
		Mutation: api.mutation("createAPI"), Rollback: api.rollback("deleteCreated")})
	_, _ = m.AddOperation(ctx, Operation{Type: OpDelete, EntityID: "t1",
		Mutation: api.mutation("deleteAPI"), Rollback: api.rollback("restoreDeleted")})
	op, err := m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "t1", Data: "v2",
		Mutation: api.mutation("updateAPI"), Rollback: api.rollback("restoreUpdated")})
	require.NoError(t, err)
	assert.Equal(t, OpCreate, op.Type)
	assert.NotNil(t, op.Rollback)
	addFailing(t, m)

	results, err := m.Commit(ctx, false)
	assert.ErrorIs(t, err, ErrCommitFailed)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Equal(t, "v2", results[0].Value, "create 端点收到更新后的数据")

	assert.Equal(t, []string{"createAPI", "deleteCreated"}, api.list())
	assert.Equal(t, StatusRolledBack, m.Transaction().Status)
}

// create 后 update：提交时调用 create 端点并携带新数据
func TestCommit_CreateThenUpdateRunsCreate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	api := &apiLog{}

	_, _ = m.AddOperation(ctx, Operation{Type: OpCreate, EntityID: "x", Data: "v1",
		Mutation: api.mutation("createAPI"), Rollback: api.rollback("deleteCreated")})
	_, _ = m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "x", Data: "v2",
		Mutation: api.mutation("updateAPI"), Rollback: api.rollback("restoreUpdated")})
	addFailing(t, m)

	results, err := m.Commit(ctx, false)
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.Equal(t, "v2", results[0].Value)
	assert.Equal(t, []string{"createAPI", "deleteCreated"}, api.list())
}

// 严格模式：逆序回滚成功的操作并返回错误
func TestCommit_RollbackLIFO(t *testing.T) {
	m := newTestManager(t)
	rec := &recorder{}
	m.On(EventAll, rec.handle)

	var mu sync.Mutex
	var rolled []string
	batchWithFailure(t, m, &rolled, &mu)

	results, err := m.Commit(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.Contains(t, err.Error(), "1 of 3 operations failed")

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.False(t, results[2].Success)
	assert.ErrorIs(t, results[2].Err, errMutation)

	assert.Equal(t, []string{"ok2", "ok1"}, rolled)

	tx := m.Transaction()
	require.NotNil(t, tx, "失败的事务保留以便查看")
	assert.Equal(t, StatusRolledBack, tx.Status)
	assert.Len(t, tx.Results, 3)

	assert.Len(t, rec.only(EventTransactionFailed), 1)
	assert.Len(t, rec.only(EventRollbackComplete), 1)
	assert.Empty(t, rec.only(EventTransactionComplete))

	// 新操作开启新事务
	_, _ = m.AddOperation(context.Background(), Operation{Type: OpUpdate, EntityID: "z", Mutation: okMutation(nil)})
	assert.NotEqual(t, tx.ID, m.Transaction().ID)
}

// 部分成功模式：不回滚，不返回错误，失败的操作留在事务中
func TestCommit_PartialSuccess(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.Config.AllowPartialSuccess = true })
	rec := &recorder{}
	m.On(EventTransactionComplete, rec.handle)

	var mu sync.Mutex
	var rolled []string
	batchWithFailure(t, m, &rolled, &mu)

	results, err := m.Commit(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 2, countSuccess(results))
	assert.Empty(t, rolled)

	tx := m.Transaction()
	require.NotNil(t, tx)
	assert.Equal(t, StatusPending, tx.Status)
	require.Len(t, tx.Operations, 1)
	assert.Equal(t, "fail3", tx.Operations[0].EntityID)

	events := rec.only(EventTransactionComplete)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Results, 3)
}

func countSuccess(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}

type fakeRollbacker struct {
	mu       sync.Mutex
	calls    []string
	failures int
}

func (f *fakeRollbacker) record(kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind)
	if f.failures > 0 {
		f.failures--
		return errors.New("rollback unavailable")
	}
	return nil
}

func (f *fakeRollbacker) RollbackCreate(ctx context.Context, op *Operation) error {
	return f.record("create:" + op.EntityID)
}

func (f *fakeRollbacker) RollbackUpdate(ctx context.Context, op *Operation) error {
	return f.record("update:" + op.EntityID)
}

func (f *fakeRollbacker) RollbackDelete(ctx context.Context, op *Operation) error {
	return f.record("delete:" + op.EntityID)
}

func addFailing(t *testing.T, m *Manager) {
	t.Helper()
	_, err := m.AddOperation(context.Background(), Operation{Type: OpUpdate, EntityID: "bad",
		Mutation: func(ctx context.Context, op *Operation) (any, error) { return nil, errMutation }})
	require.NoError(t, err)
}

func TestCommit_RollbackerFallbackWithRetry(t *testing.T) {
	rb := &fakeRollbacker{failures: 1}
	m := newTestManager(t, func(o *Options) { o.Rollbacker = rb })
	ctx := context.Background()

	_, _ = m.AddOperation(ctx, Operation{Type: OpCreate, EntityID: "c", Mutation: okMutation(nil)})
	_, _ = m.AddOperation(ctx, Operation{Type: OpDelete, EntityID: "d", OriginalData: "snapshot", Mutation: okMutation(nil)})
	addFailing(t, m)

	_, err := m.Commit(ctx, false)
	assert.ErrorIs(t, err, ErrCommitFailed)

	// delete 先回滚，首次失败后重试成功
	assert.Equal(t, []string{"delete:d", "delete:d", "create:c"}, rb.calls)
	assert.Equal(t, StatusRolledBack, m.Transaction().Status)
}

func TestCommit_RollbackFailureMarksFailed(t *testing.T) {
	rb := &fakeRollbacker{failures: 10}
	m := newTestManager(t, func(o *Options) { o.Rollbacker = rb })
	ctx := context.Background()

	_, _ = m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "u", Mutation: okMutation(nil)})
	addFailing(t, m)

	_, err := m.Commit(ctx, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitFailed, "回滚失败不掩盖提交错误")
	assert.Contains(t, err.Error(), "rollback incomplete")
	assert.Equal(t, StatusFailed, m.Transaction().Status)
}

// 缺少回滚策略的操作无法撤销，回滚不完整
func TestCommit_MissingRollbackStrategyIncomplete(t *testing.T) {
	var updates atomic.Int32
	m := newTestManager(t, func(o *Options) {
		o.Rollbacker = RollbackerFuncs{Update: func(ctx context.Context, op *Operation) error {
			updates.Add(1)
			return nil
		}}
	})
	ctx := context.Background()

	_, _ = m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "u", Mutation: okMutation(nil)})
	_, _ = m.AddOperation(ctx, Operation{Type: OpCreate, EntityID: "c", Mutation: okMutation(nil)})
	addFailing(t, m)

	_, err := m.Commit(ctx, false)
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.Contains(t, err.Error(), "rollback incomplete")
	assert.NotContains(t, err.Error(), "changes rolled back")
	assert.Equal(t, StatusFailed, m.Transaction().Status)
	assert.Equal(t, int32(1), updates.Load(), "其余操作仍然回滚")
}

func TestCommit_RequireConfirmation(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.Config.RequireConfirmation = true })
	rec := &recorder{}
	m.On(EventTransactionReviewing, rec.handle)
	ctx := context.Background()

	var calls atomic.Int32
	_, _ = m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "1",
		Mutation: func(ctx context.Context, op *Operation) (any, error) { calls.Add(1); return nil, nil }})

	results, err := m.Commit(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, StatusReviewing, m.Transaction().Status)
	assert.Equal(t, int32(0), calls.Load())
	assert.Len(t, rec.only(EventTransactionReviewing), 1)

	results, err = m.Commit(ctx, true)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(1), calls.Load())
	assert.Nil(t, m.Transaction())
}

// 结果按提交顺序，完成事件按完成顺序
func TestCommit_ConcurrentCompletionOrder(t *testing.T) {
	m := newTestManager(t)
	rec := &recorder{}
	m.On(EventOperationComplete, rec.handle)
	ctx := context.Background()

	// first 等到 second 的完成事件发出后才返回
	secondReported := make(chan struct{})
	m.On(EventOperationComplete, func(ctx context.Context, evt Event) error {
		if evt.Operation.EntityID == "second" {
			close(secondReported)
		}
		return nil
	})
	_, _ = m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "first",
		Mutation: func(ctx context.Context, op *Operation) (any, error) {
			<-secondReported
			return "first", nil
		}})
	_, _ = m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "second", Mutation: okMutation("second")})

	results, err := m.Commit(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "first", results[0].Value)
	assert.Equal(t, "second", results[1].Value)

	events := rec.only(EventOperationComplete)
	require.Len(t, events, 2)
	assert.Equal(t, "second", events[0].Operation.EntityID)
	assert.Equal(t, "first", events[1].Operation.EntityID)
}

func TestCommit_Timeout(t *testing.T) {
	m := newTestManager(t, func(o *Options) {
		o.Config.Timeout = 20 * time.Millisecond
		o.Config.AllowPartialSuccess = true
	})
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	_, _ = m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "slow",
		Mutation: func(ctx context.Context, op *Operation) (any, error) {
			<-release
			return nil, nil
		}})
	_, _ = m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "fast", Mutation: okMutation("ok")})

	results, err := m.Commit(ctx, false)
	require.NoError(t, err)
	assert.True(t, results[1].Success)
	assert.False(t, results[0].Success)
	assert.True(t, sharederrors.IsErrorCode(results[0].Err, sharederrors.ErrCodeTimeout))
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
}

func TestCommit_MutationPanicIsFailure(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.Config.AllowPartialSuccess = true })
	_, _ = m.AddOperation(context.Background(), Operation{Type: OpUpdate, EntityID: "p",
		Mutation: func(ctx context.Context, op *Operation) (any, error) { panic("kaboom") }})

	results, err := m.Commit(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Err.Error(), "kaboom")
}

// 提交期间取消：提交返回 ErrTransactionCancelled，不再写回事务
func TestCommit_CancelDuringCommit(t *testing.T) {
	m := newTestManager(t)
	rec := &recorder{}
	m.On(EventTransactionComplete, rec.handle)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	_, _ = m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "1",
		Mutation: func(ctx context.Context, op *Operation) (any, error) {
			close(started)
			<-release
			return nil, nil
		}})

	type outcome struct {
		results []Result
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := m.Commit(ctx, false)
		done <- outcome{r, err}
	}()

	<-started
	_, err := m.Commit(ctx, false)
	assert.ErrorIs(t, err, ErrInvalidState, "不能重复提交")

	assert.True(t, m.Cancel(ctx))
	close(release)

	out := <-done
	assert.ErrorIs(t, out.err, ErrTransactionCancelled)
	assert.Len(t, out.results, 1)
	assert.Nil(t, m.Transaction())
	assert.Empty(t, rec.only(EventTransactionComplete))
}

// 提交期间新加入的操作保留在事务中，事务回到 pending
func TestCommit_ResidualOperationsReturnToPending(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	_, _ = m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "1", Data: "v1",
		Mutation: func(ctx context.Context, op *Operation) (any, error) {
			close(started)
			<-release
			return nil, nil
		}})

	done := make(chan error, 1)
	go func() {
		_, err := m.Commit(ctx, false)
		done <- err
	}()
	<-started

	assert.Equal(t, StatusExecuting, m.Transaction().Status)
	// 同一实体的操作正在执行，新操作不与其合并
	_, err := m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "1", Data: "v2", Mutation: okMutation(nil)})
	require.NoError(t, err)
	assert.Len(t, m.Transaction().Operations, 2)
	close(release)

	require.NoError(t, <-done)
	tx := m.Transaction()
	require.NotNil(t, tx)
	assert.Equal(t, StatusPending, tx.Status)
	require.Len(t, tx.Operations, 1)
	assert.Equal(t, "v2", tx.Operations[0].Data)

	_, err = m.Commit(ctx, false)
	require.NoError(t, err)
	assert.Nil(t, m.Transaction())
}

type captureJournal struct {
	mu  sync.Mutex
	txs []*Transaction
}

func (c *captureJournal) Save(ctx context.Context, tx *Transaction) error {
	c.mu.Lock()
	c.txs = append(c.txs, tx)
	c.mu.Unlock()
	return nil
}

func TestCommit_JournalRecordsFinished(t *testing.T) {
	j := &captureJournal{}
	m := newTestManager(t, func(o *Options) { o.Journal = j })
	ctx := context.Background()

	_, _ = m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "1", Mutation: okMutation(nil)})
	_, err := m.Commit(ctx, false)
	require.NoError(t, err)

	_, _ = m.AddOperation(ctx, Operation{Type: OpUpdate, EntityID: "2", Mutation: okMutation(nil)})
	m.Cancel(ctx)

	require.Len(t, j.txs, 2)
	assert.Equal(t, StatusCompleted, j.txs[0].Status)
	assert.Equal(t, StatusCancelled, j.txs[1].Status)
}
