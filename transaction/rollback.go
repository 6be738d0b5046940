package transaction

import (
	"context"
	"errors"
	"fmt"

	"appletkit/logging"
	"appletkit/patterns/retry"
)

// Rollbacker 按操作类型撤销已成功的操作
//   - create：删除已创建的实体
//   - update：恢复 OriginalData
//   - delete：用 OriginalData 重新创建
type Rollbacker interface {
	RollbackCreate(ctx context.Context, op *Operation) error
	RollbackUpdate(ctx context.Context, op *Operation) error
	RollbackDelete(ctx context.Context, op *Operation) error
}

// RollbackerFuncs 用函数组装 Rollbacker，未提供的类型返回 ErrNoRollbackStrategy
type RollbackerFuncs struct {
	Create RollbackFunc
	Update RollbackFunc
	Delete RollbackFunc
}

func (r RollbackerFuncs) RollbackCreate(ctx context.Context, op *Operation) error {
	return callRollback(ctx, r.Create, op)
}

func (r RollbackerFuncs) RollbackUpdate(ctx context.Context, op *Operation) error {
	return callRollback(ctx, r.Update, op)
}

func (r RollbackerFuncs) RollbackDelete(ctx context.Context, op *Operation) error {
	return callRollback(ctx, r.Delete, op)
}

func callRollback(ctx context.Context, fn RollbackFunc, op *Operation) error {
	if fn == nil {
		return ErrNoRollbackStrategy
	}
	return fn(ctx, op)
}

// strategy 优先使用操作自带的 Rollback
func (m *Manager) strategy(op *Operation) RollbackFunc {
	if op.Rollback != nil {
		return op.Rollback
	}
	if m.rollbacker == nil {
		return nil
	}
	switch op.Type {
	case OpCreate:
		return m.rollbacker.RollbackCreate
	case OpUpdate:
		return m.rollbacker.RollbackUpdate
	case OpDelete:
		return m.rollbacker.RollbackDelete
	}
	return nil
}

// rollback 按提交顺序的逆序撤销成功的操作。
// 单步失败会重试；缺少策略的操作无法撤销，记录日志后继续，并计入返回的错误。
// 使用不随 ctx 取消的上下文，提交超时后回滚仍会执行。
func (m *Manager) rollback(ctx context.Context, results []Result) error {
	ctx = context.WithoutCancel(ctx)

	cfg := m.retry
	cfg.Retryable = func(err error) bool { return !errors.Is(err, ErrNoRollbackStrategy) }

	var errs []error
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if !r.Success || r.Skipped {
			continue
		}
		op := r.Operation
		fields := []logging.Field{
			logging.String("operation_id", op.ID),
			logging.String("type", string(op.Type)),
			logging.String("entity_id", op.EntityID),
		}

		fn := m.strategy(op)
		if fn == nil {
			m.logger.Warn(ctx, "no rollback strategy, skipped", fields...)
			errs = append(errs, fmt.Errorf("rollback %s %s: %w", op.Type, op.EntityID, ErrNoRollbackStrategy))
			continue
		}

		err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
			return fn(ctx, op)
		}, cfg)
		switch {
		case err == nil:
			m.logger.Debug(ctx, "operation rolled back", fields...)
		case errors.Is(err, ErrNoRollbackStrategy):
			m.logger.Warn(ctx, "no rollback strategy, skipped", fields...)
			errs = append(errs, fmt.Errorf("rollback %s %s: %w", op.Type, op.EntityID, err))
		default:
			m.logger.Error(ctx, "rollback failed", append(fields, logging.Error(err))...)
			errs = append(errs, fmt.Errorf("rollback %s %s: %w", op.Type, op.EntityID, err))
		}
	}
	return errors.Join(errs...)
}
