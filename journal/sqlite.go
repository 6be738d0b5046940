package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	_ "modernc.org/sqlite"

	sharederrors "appletkit/errors"
	"appletkit/logging"
	"appletkit/transaction"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS applet_transactions (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	completed_at     INTEGER NOT NULL,
	total_operations INTEGER NOT NULL,
	record           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_applet_transactions_status ON applet_transactions(status, completed_at);
`

// SQLStore 基于 database/sql 的存储，默认驱动 modernc.org/sqlite
type SQLStore struct {
	db     *sql.DB
	logger logging.Logger
}

var _ Store = (*SQLStore)(nil)

// OpenSQLite 打开 SQLite 并建表。dsn 可为文件路径或 ":memory:"
func OpenSQLite(ctx context.Context, dsn string, logger logging.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, sharederrors.WrapWithLog(ctx, logger, err, sharederrors.ErrCodeDatabase, "open journal database")
	}
	// :memory: 每个连接是独立的库
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, sharederrors.WrapWithLog(ctx, logger, err, sharederrors.ErrCodeDatabase, "ping journal database")
	}

	store, err := NewSQLStore(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore 使用已打开的连接并建表
func NewSQLStore(ctx context.Context, db *sql.DB, logger logging.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = logging.ComponentLogger("journal")
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return nil, sharederrors.WrapWithLog(ctx, logger, err, sharederrors.ErrCodeDatabase, "create journal schema")
	}
	return &SQLStore{db: db, logger: logger}, nil
}

func (s *SQLStore) Save(ctx context.Context, tx *transaction.Transaction) error {
	if tx == nil {
		return sharederrors.NewValidationError("transaction is nil")
	}
	rec := NewRecord(tx)
	data, err := json.Marshal(rec)
	if err != nil {
		return sharederrors.WrapError(err, sharederrors.ErrCodeInternal, "encode journal record")
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO applet_transactions (id, status, created_at, completed_at, total_operations, record)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	completed_at = excluded.completed_at,
	total_operations = excluded.total_operations,
	record = excluded.record`,
		rec.ID, string(rec.Status), unixNano(rec.CreatedAt), unixNano(rec.CompletedAt), rec.TotalOperations, string(data))
	if err != nil {
		return s.dbError(ctx, err, "save journal record", rec.ID)
	}
	s.logger.Debug(ctx, "journal record saved",
		logging.String("transaction_id", rec.ID),
		logging.String("status", string(rec.Status)))
	return nil
}

func (s *SQLStore) Load(ctx context.Context, id string) (*Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM applet_transactions WHERE id = ?`, id).Scan(&raw)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, s.dbError(ctx, err, "load journal record", id)
	}
	return decodeRecord(raw)
}

func (s *SQLStore) List(ctx context.Context, status transaction.Status) ([]*Record, error) {
	query := `SELECT record FROM applet_transactions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY completed_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.dbError(ctx, err, "list journal records", "")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, s.dbError(ctx, err, "scan journal record", "")
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dbError(ctx, err, "iterate journal records", "")
	}
	return out, nil
}

// dbError 包装数据库错误并记录日志，id 非空时附带事务 ID
func (s *SQLStore) dbError(ctx context.Context, err error, msg, id string) error {
	if id == "" {
		return sharederrors.WrapWithLog(ctx, s.logger, err, sharederrors.ErrCodeDatabase, msg)
	}
	return sharederrors.WrapWithLog(ctx, s.logger, err, sharederrors.ErrCodeDatabase, msg,
		logging.String("transaction_id", id)).WithContext("transaction_id", id)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func decodeRecord(raw string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, sharederrors.WrapError(err, sharederrors.ErrCodeInternal, "decode journal record")
	}
	return &rec, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
