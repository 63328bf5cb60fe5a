package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "FlowSend-Chain/internal/errors"
	"FlowSend-Chain/internal/intent"
	"FlowSend-Chain/internal/pending"
)

// 支持的驱动。
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Config 描述数据库连接参数。
type Config struct {
	Driver          string        `json:"driver"`
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"-"`
	ConnMaxIdleTime time.Duration `json:"-"`
}

// SQLRepository 使用 database/sql 保存执行记录，MySQL 与 SQLite 共用同一套语句。
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository 打开数据库并执行迁移。
func NewSQLRepository(ctx context.Context, cfg Config) (*SQLRepository, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverMySQL
	}
	m, err := newMigrator(nil, driver)
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(ctx, driver, cfg)
	if err != nil {
		return nil, err
	}
	m.db = db
	if err := m.run(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLRepository{db: db}, nil
}

func openDatabase(ctx context.Context, driver string, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%s DSN 不能为空", driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", driver, err)
	}

	switch {
	case driver == DriverSQLite:
		// SQLite 只允许单写连接，内存库在多连接下也不共享数据。
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else if driver != DriverSQLite {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 %s: %w", driver, err)
	}
	return db, nil
}

// Close 释放连接池。
func (s *SQLRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectColumns = `request_id, session_id, kind, amount, destination, tx_id, payout_id, outcome, error_code, error_message, created_at`

// Append 实现 Repository 接口。
func (s *SQLRepository) Append(ctx context.Context, record Record) error {
	if err := validate(record); err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	const query = `INSERT INTO execution_ledger (` + selectColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		record.RequestID, record.SessionID, string(record.Kind), record.Amount, record.Destination,
		record.TxID, record.PayoutID, string(record.Outcome), record.ErrorCode, record.ErrorMessage,
		record.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if _, getErr := s.Get(ctx, record.RequestID); getErr == nil {
			return xerrors.New(xerrors.CodeConflict, "执行记录已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行记录失败")
	}
	return nil
}

// Get 实现 Repository 接口。
func (s *SQLRepository) Get(ctx context.Context, requestID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM execution_ledger WHERE request_id = ?`, requestID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, "执行记录不存在")
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	return record, nil
}

// List 实现 Repository 接口，按创建时间倒序返回。
func (s *SQLRepository) List(ctx context.Context, opts ...ListOption) ([]Record, error) {
	options := BuildListOptions(opts...)
	var (
		clauses []string
		args    []any
	)
	if options.Outcome != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, string(options.Outcome))
	}
	if options.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, options.SessionID)
	}
	query := `SELECT ` + selectColumns + ` FROM execution_ledger`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, request_id DESC LIMIT ?"
	args = append(args, options.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		out = append(out, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		record    Record
		kind      string
		outcome   string
		message   sql.NullString
		createdAt int64
	)
	if err := row.Scan(&record.RequestID, &record.SessionID, &kind, &record.Amount, &record.Destination,
		&record.TxID, &record.PayoutID, &outcome, &record.ErrorCode, &message, &createdAt); err != nil {
		return nil, err
	}
	record.Kind = intent.Kind(kind)
	record.Outcome = pending.Outcome(outcome)
	record.ErrorMessage = message.String
	record.CreatedAt = time.UnixMilli(createdAt)
	return &record, nil
}
