package transaction

import (
	"errors"

	sharederrors "appletkit/errors"
)

// 事务相关错误
var (
	// ErrNoActiveTransaction Commit 时没有活动事务
	ErrNoActiveTransaction = sharederrors.NewError(sharederrors.ErrCodeNoActiveTransaction, "no active transaction")

	// ErrInvalidState 当前状态不允许该操作
	ErrInvalidState = sharederrors.NewError(sharederrors.ErrCodeInvalidState, "invalid transaction state")

	// ErrTooManyOperations 超过 MaxPendingOperations
	ErrTooManyOperations = sharederrors.NewError(sharederrors.ErrCodeTooManyOperations, "too many pending operations")

	// ErrCommitFailed 严格模式下有操作失败（已尝试回滚）
	ErrCommitFailed = sharederrors.NewError(sharederrors.ErrCodeCommitFailed, "commit failed")

	// ErrTransactionCancelled 提交过程中事务被取消，结果不再生效
	ErrTransactionCancelled = sharederrors.NewError(sharederrors.ErrCodeCancelled, "transaction cancelled during commit")

	// ErrNoRollbackStrategy 操作既没有 Rollback 也没有对应的 Rollbacker 方法
	ErrNoRollbackStrategy = errors.New("no rollback strategy")
)
