// Package transaction 管理待提交的变更操作：同实体冲突合并、批量并发提交、失败回滚。
//
// 一个 Manager 同一时间最多持有一个活动事务。操作通过 AddOperation 进入事务，
// 按 EntityID 合并；Commit 并发执行全部 mutation，失败时按配置整体回滚或保留部分成功。
package transaction

import (
	"context"
	"time"
)

// OperationType 操作类型
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

func (t OperationType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Trigger 操作来源
type Trigger string

const (
	TriggerUserEdit   Trigger = "user-edit"
	TriggerBulkAction Trigger = "bulk-action"
	TriggerRowAction  Trigger = "row-action"
)

// Status 事务状态
//
//	pending -> executing -> completed | failed | rolledback
//	pending -> reviewing（需要确认且未 force）
//	pending | reviewing | executing -> cancelled
type Status string

const (
	StatusPending    Status = "pending"
	StatusReviewing  Status = "reviewing"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolledback"
	StatusCancelled  Status = "cancelled"
)

// Open 事务仍可接收操作
func (s Status) Open() bool {
	return s == StatusPending || s == StatusReviewing || s == StatusExecuting
}

// Finished 本次尝试已结束
func (s Status) Finished() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// MutationFunc 执行一个操作。op 为合并后的当前操作，执行期间只读
type MutationFunc func(ctx context.Context, op *Operation) (any, error)

// RollbackFunc 撤销一个已成功的操作
type RollbackFunc func(ctx context.Context, op *Operation) error

// Operation 一次待执行的变更
type Operation struct {
	ID      string
	Type    OperationType
	Trigger Trigger

	// Entity 实体种类，例如 "user"、"order"
	Entity string

	// EntityID 冲突合并的键
	EntityID string
	Label    string

	// Data 变更后的实体数据
	Data any

	Mutation MutationFunc
	Rollback RollbackFunc

	// OriginalData 首次触及该实体时的快照，合并时保持不变
	OriginalData any

	Timestamp time.Time

	// WasCreated 本事务内创建又删除，提交时跳过
	WasCreated bool

	// created 被抵消的 create 的行为，重新 update 时恢复
	created *createBehavior
}

type createBehavior struct {
	mutation MutationFunc
	rollback RollbackFunc
}

func (o *Operation) clone() *Operation {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

// Result 单个操作的执行结果
type Result struct {
	Success   bool
	Operation *Operation
	Value     any
	Err       error
	Duration  time.Duration

	// Skipped 操作被合并抵消，没有调用 mutation
	Skipped bool
}

// Transaction 一批一起提交的操作
type Transaction struct {
	ID          string
	Operations  []*Operation
	Status      Status
	Results     []Result
	CreatedAt   time.Time
	ExecutedAt  time.Time
	CompletedAt time.Time
	Config      Config

	// TotalOperations 累计进入过事务的操作数（包含被合并替换的）
	TotalOperations int
}

// clone 深拷贝操作列表与结果，供事件与调用方读取
func (t *Transaction) clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Operations = make([]*Operation, len(t.Operations))
	for i, op := range t.Operations {
		cp.Operations[i] = op.clone()
	}
	if t.Results != nil {
		cp.Results = append([]Result(nil), t.Results...)
	}
	return &cp
}

func (t *Transaction) indexOf(id string) int {
	for i, op := range t.Operations {
		if op.ID == id {
			return i
		}
	}
	return -1
}

// Summary 操作统计
type Summary struct {
	Total     int
	ByType    map[OperationType]int
	ByTrigger map[Trigger]int

	// Entities 涉及的实体种类，按字典序
	Entities []string
}
