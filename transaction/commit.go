package transaction

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	sharederrors "appletkit/errors"
	"appletkit/logging"
)

// Commit 提交活动事务。
//
//  1. 需要确认且未 force：进入 reviewing，返回空结果；
//  2. 并发执行全部 mutation，WasCreated 的操作直接记为成功；
//  3. 严格模式下存在失败：逆序回滚成功的操作，返回 ErrCommitFailed；
//  4. 否则发出 transaction.complete；成功的操作移出事务，
//     事务为空时 completed，仍有操作（部分失败或提交期间新加入）时回到 pending。
//
// 结果与提交顺序一一对应；operation.complete 按完成顺序发出。
// 提交期间事务被 Cancel 时返回结果与 ErrTransactionCancelled，不再修改事务。
func (m *Manager) Commit(ctx context.Context, force bool) ([]Result, error) {
	m.mu.Lock()
	tx := m.tx
	if tx == nil || !tx.Status.Open() {
		m.mu.Unlock()
		return nil, ErrNoActiveTransaction
	}
	if tx.Status == StatusExecuting {
		m.mu.Unlock()
		return nil, ErrInvalidState.WithContext("status", string(tx.Status))
	}

	if tx.Config.RequireConfirmation && !force {
		tx.Status = StatusReviewing
		snap := tx.clone()
		m.mu.Unlock()

		m.dispatch(ctx, Event{Name: EventTransactionReviewing, Transaction: snap})
		m.notify(ctx, snap)
		return []Result{}, nil
	}

	tx.Status = StatusExecuting
	tx.ExecutedAt = time.Now()
	batch := append([]*Operation(nil), tx.Operations...)
	for _, op := range batch {
		m.inflight[op.ID] = struct{}{}
	}
	cfg := tx.Config
	snap := tx.clone()
	m.mu.Unlock()

	log := m.logger.WithFields(logging.String("transaction_id", tx.ID))
	log.Info(ctx, "commit started", logging.Int("operations", len(batch)))
	m.notify(ctx, snap)

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	results := m.execute(runCtx, batch)

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}

	if m.cancelledDuring(tx, batch) {
		log.Warn(ctx, "transaction cancelled during commit, results discarded",
			logging.Int("failed", failed))
		return results, ErrTransactionCancelled
	}

	if failed > 0 && !cfg.AllowPartialSuccess {
		return results, m.abort(ctx, log, tx, batch, results, failed)
	}
	return results, m.complete(ctx, log, tx, batch, results, cfg)
}

// cancelledDuring 事务已不在活动槽位时清理执行标记
func (m *Manager) cancelledDuring(tx *Transaction, batch []*Operation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx == tx && tx.Status == StatusExecuting {
		return false
	}
	m.clearInflightLocked(batch)
	return true
}

func (m *Manager) clearInflightLocked(batch []*Operation) {
	for _, op := range batch {
		delete(m.inflight, op.ID)
	}
}

// abort 严格模式失败：回滚后置为 rolledback；回滚失败或有操作缺少回滚策略时置为 failed
func (m *Manager) abort(ctx context.Context, log logging.Logger, tx *Transaction, batch []*Operation, results []Result, failed int) error {
	rbErr := m.rollback(ctx, results)

	status := StatusRolledBack
	msg := fmt.Sprintf("%d of %d operations failed, changes rolled back", failed, len(results))
	if rbErr != nil {
		status = StatusFailed
		msg = fmt.Sprintf("%d of %d operations failed, rollback incomplete", failed, len(results))
	}
	commitErr := sharederrors.NewError(sharederrors.ErrCodeCommitFailed, msg).
		WithContext("failed", failed)
	if rbErr != nil {
		commitErr = commitErr.WithContext("rollback_error", rbErr.Error())
	}

	m.mu.Lock()
	m.clearInflightLocked(batch)
	if m.tx != tx {
		m.mu.Unlock()
		return ErrTransactionCancelled
	}
	tx.Status = status
	tx.Results = results
	tx.CompletedAt = time.Now()
	snap := tx.clone()
	m.mu.Unlock()

	log.Error(ctx, "commit failed",
		logging.Int("failed", failed),
		logging.String("status", string(status)))

	m.dispatch(ctx,
		Event{Name: EventTransactionFailed, Transaction: snap, Results: results, Err: commitErr},
		Event{Name: EventRollbackComplete, Transaction: snap, Err: rbErr},
	)
	m.finish(ctx, snap)
	return commitErr
}

// complete 全部成功或允许部分成功
func (m *Manager) complete(ctx context.Context, log logging.Logger, tx *Transaction, batch []*Operation, results []Result, cfg Config) error {
	done := make(map[string]struct{}, len(results))
	for _, r := range results {
		if r.Success {
			done[r.Operation.ID] = struct{}{}
		}
	}

	m.mu.Lock()
	m.clearInflightLocked(batch)
	if m.tx != tx {
		m.mu.Unlock()
		return ErrTransactionCancelled
	}
	remaining := tx.Operations[:0:0]
	for _, op := range tx.Operations {
		if _, ok := done[op.ID]; !ok {
			remaining = append(remaining, op)
		}
	}
	tx.Operations = remaining
	tx.Results = results

	finished := len(remaining) == 0
	if finished {
		tx.Status = StatusCompleted
		tx.CompletedAt = time.Now()
		m.tx = nil
	} else {
		tx.Status = StatusPending
	}
	snap := tx.clone()
	m.mu.Unlock()

	log.Info(ctx, "commit finished",
		logging.String("status", string(snap.Status)),
		logging.Int("results", len(results)),
		logging.Int("remaining", len(remaining)))

	events := []Event{{Name: EventTransactionComplete, Transaction: snap, Results: results}}
	if cfg.EmitActivities {
		for i := range results {
			r := results[i]
			if r.Success && !r.Skipped {
				events = append(events, Event{Name: EventActivity, Transaction: snap, Operation: r.Operation, Result: &r})
			}
		}
	}
	m.dispatch(ctx, events...)

	if finished {
		m.finish(ctx, snap)
	} else {
		m.notify(ctx, snap)
	}
	return nil
}

// execute 并发执行 mutation。结果按 batch 下标存放，完成事件在当前 goroutine 按完成顺序发出
func (m *Manager) execute(ctx context.Context, batch []*Operation) []Result {
	results := make([]Result, len(batch))
	done := make(chan int, len(batch))

	var g errgroup.Group
	for i, op := range batch {
		if op.WasCreated {
			results[i] = Result{Success: true, Operation: op.clone(), Skipped: true}
			done <- i
			continue
		}
		g.Go(func() error {
			results[i] = m.run(ctx, op)
			done <- i
			return nil
		})
	}

	for range batch {
		i := <-done
		r := results[i]
		m.dispatch(ctx, Event{Name: EventOperationComplete, Operation: r.Operation, Result: &r})
	}
	_ = g.Wait()
	return results
}

// run 执行单个 mutation。panic 与 ctx 结束都记为失败；
// ctx 结束后 mutation 可能仍在后台运行，其结果被丢弃。
func (m *Manager) run(ctx context.Context, op *Operation) Result {
	type outcome struct {
		value any
		err   error
	}

	start := time.Now()
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("mutation panic: %v", r)}
			}
		}()
		v, err := op.Mutation(ctx, op)
		ch <- outcome{value: v, err: err}
	}()

	var o outcome
	select {
	case o = <-ch:
	case <-ctx.Done():
		o.err = sharederrors.Normalize(ctx.Err())
	}

	r := Result{
		Success:   o.err == nil,
		Operation: op.clone(),
		Value:     o.value,
		Err:       o.err,
		Duration:  time.Since(start),
	}
	if o.err != nil {
		m.logger.Warn(ctx, "operation failed",
			logging.String("operation_id", op.ID),
			logging.String("entity_id", op.EntityID),
			logging.Error(o.err))
	}
	return r
}
