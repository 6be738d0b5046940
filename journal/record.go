// Package journal 持久化已结束的事务，供审计与故障排查。
//
// Store 满足 transaction.Journal，可直接注入 transaction.Options。
package journal

import (
	"context"
	"encoding/json"
	"time"

	sharederrors "appletkit/errors"
	"appletkit/transaction"
)

// ErrNotFound 事务记录不存在
var ErrNotFound = sharederrors.NewError(sharederrors.ErrCodeNotFound, "transaction record not found")

// Store 事务记录存储
type Store interface {
	Save(ctx context.Context, tx *transaction.Transaction) error
	Load(ctx context.Context, id string) (*Record, error)

	// List 按完成时间倒序；status 为空返回全部
	List(ctx context.Context, status transaction.Status) ([]*Record, error)
}

// Record 事务的可序列化快照
type Record struct {
	ID              string             `json:"id"`
	Status          transaction.Status `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
	ExecutedAt      time.Time          `json:"executed_at,omitempty"`
	CompletedAt     time.Time          `json:"completed_at,omitempty"`
	TotalOperations int                `json:"total_operations"`

	// Pending 记录时仍在队列中的操作
	Pending []OperationRecord `json:"pending,omitempty"`
	Results []ResultRecord    `json:"results,omitempty"`
}

type OperationRecord struct {
	ID         string                    `json:"id"`
	Type       transaction.OperationType `json:"type"`
	Trigger    transaction.Trigger       `json:"trigger,omitempty"`
	Entity     string                    `json:"entity,omitempty"`
	EntityID   string                    `json:"entity_id"`
	Label      string                    `json:"label,omitempty"`
	Data       json.RawMessage           `json:"data,omitempty"`
	WasCreated bool                      `json:"was_created,omitempty"`
	Timestamp  time.Time                 `json:"timestamp"`
}

type ResultRecord struct {
	Operation  OperationRecord `json:"operation"`
	Success    bool            `json:"success"`
	Skipped    bool            `json:"skipped,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// Failed 失败的结果数
func (r *Record) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Success {
			n++
		}
	}
	return n
}

// NewRecord 从事务快照构造记录；无法 JSON 编码的 Data 记为空
func NewRecord(tx *transaction.Transaction) *Record {
	rec := &Record{
		ID:              tx.ID,
		Status:          tx.Status,
		CreatedAt:       tx.CreatedAt,
		ExecutedAt:      tx.ExecutedAt,
		CompletedAt:     tx.CompletedAt,
		TotalOperations: tx.TotalOperations,
	}
	for _, op := range tx.Operations {
		rec.Pending = append(rec.Pending, operationRecord(op))
	}
	for _, res := range tx.Results {
		rr := ResultRecord{
			Success:    res.Success,
			Skipped:    res.Skipped,
			DurationMS: res.Duration.Milliseconds(),
		}
		if res.Operation != nil {
			rr.Operation = operationRecord(res.Operation)
		}
		if res.Err != nil {
			rr.Error = res.Err.Error()
			rr.ErrorCode = string(sharederrors.GetErrorCode(res.Err))
		}
		rec.Results = append(rec.Results, rr)
	}
	return rec
}

func operationRecord(op *transaction.Operation) OperationRecord {
	or := OperationRecord{
		ID:         op.ID,
		Type:       op.Type,
		Trigger:    op.Trigger,
		Entity:     op.Entity,
		EntityID:   op.EntityID,
		Label:      op.Label,
		WasCreated: op.WasCreated,
		Timestamp:  op.Timestamp,
	}
	if op.Data != nil {
		if data, err := json.Marshal(op.Data); err == nil {
			or.Data = data
		}
	}
	return or
}
