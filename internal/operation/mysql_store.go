package operation

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "Relay-Faucet/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLConfig 描述 MySQL 流水存储的连接参数。
type MySQLConfig struct {
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// MySQLStore 使用 MySQL 持久化操作流水。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 连接 MySQL 并执行嵌入的迁移脚本。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store, err := NewMySQLStoreWithDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLStoreWithDB 基于已有连接创建存储并执行迁移。
func NewMySQLStoreWithDB(ctx context.Context, db *sql.DB) (*MySQLStore, error) {
	if err := runMigrations(ctx, db); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败",
			xerrors.WithRetryable(false))
	}
	return &MySQLStore{db: db}, nil
}

// Create 插入新的流水记录。
func (s *MySQLStore) Create(ctx context.Context, record *Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	const stmt = `INSERT INTO operation_records
        (id, kind, wallet, user_address, tx_hash, amount, reward, status, error_code, last_error, block_number, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		string(record.Kind),
		record.Wallet,
		record.User,
		record.TxHash,
		defaultAmount(record.Amount),
		defaultAmount(record.Reward),
		string(record.Status),
		record.ErrorCode,
		record.LastError,
		record.BlockNumber,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRecordConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入操作流水失败")
	}
	return nil
}

const selectColumns = `SELECT id, kind, wallet, user_address, tx_hash, amount, reward, status, error_code,
        last_error, block_number, created_at, updated_at FROM operation_records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record    Record
		kind      string
		status    string
		lastError sql.NullString
	)
	if err := row.Scan(
		&record.ID,
		&kind,
		&record.Wallet,
		&record.User,
		&record.TxHash,
		&record.Amount,
		&record.Reward,
		&status,
		&record.ErrorCode,
		&lastError,
		&record.BlockNumber,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.Kind = Kind(kind)
	record.Status = Status(status)
	record.LastError = lastError.String
	return &record, nil
}

// Get 查询指定流水。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	record, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作流水失败")
	}
	return record, nil
}

// Complete 写入结算结果。
func (s *MySQLStore) Complete(ctx context.Context, id string, outcome Outcome) error {
	const stmt = `UPDATE operation_records SET status = ?, block_number = ?, error_code = ?, last_error = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(outcome.Status),
		outcome.BlockNumber,
		outcome.ErrorCode,
		outcome.LastError,
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新操作流水失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// List 按更新时间倒序返回流水。
func (s *MySQLStore) List(ctx context.Context, opts ...ListOption) ([]*Record, error) {
	options := buildListOptions(opts)

	query := selectColumns
	clause, args := buildFilterClause(options)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " ORDER BY updated_at DESC, created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, options.Limit, options.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作流水列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, options.Limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作流水失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历操作流水失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if opts.User != "" {
		conditions = append(conditions, "user_address = ?")
		args = append(args, opts.User)
	}
	if len(opts.Kinds) > 0 {
		placeholders := make([]string, len(opts.Kinds))
		for i, k := range opts.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		conditions = append(conditions, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	return strings.Join(conditions, " AND "), args
}

func defaultAmount(v string) string {
	if strings.TrimSpace(v) == "" {
		return "0"
	}
	return v
}
