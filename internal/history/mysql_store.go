package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "AgentFi-Mesh/internal/errors"
)

// MySQLStore 使用 MySQL 记录历史决策。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore 并初始化表结构。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS decision_history (
        id VARCHAR(64) PRIMARY KEY,
        kind VARCHAR(32) NOT NULL,
        address VARCHAR(255) DEFAULT '',
        risk_level VARCHAR(16) DEFAULT '',
        reason VARCHAR(255) DEFAULT '',
        evidence TEXT,
        summary TEXT,
        created_at BIGINT NOT NULL,
        INDEX idx_history_kind (kind),
        INDEX idx_history_created (created_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 decision_history 表失败")
	}
	return nil
}

// Append 实现 Store 接口。
func (s *MySQLStore) Append(ctx context.Context, record *Record) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}
	createdAt := record.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	evidence := "[]"
	if len(record.Evidence) > 0 {
		raw, err := json.Marshal(record.Evidence)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化证据链失败")
		}
		evidence = string(raw)
	}
	const insert = `INSERT INTO decision_history
        (id, kind, address, risk_level, reason, evidence, summary, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, insert,
		record.ID, string(record.Kind), record.Address, record.RiskLevel,
		record.Reason, evidence, record.Summary, createdAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入历史记录失败")
	}
	return nil
}

// ListLatest 按时间倒序返回最近的记录。
func (s *MySQLStore) ListLatest(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, kind, address, risk_level, reason, evidence, summary, created_at
        FROM decision_history ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询历史记录失败")
	}
	defer rows.Close()

	results := make([]*Record, 0, limit)
	for rows.Next() {
		var record Record
		var kind, evidence string
		if err := rows.Scan(&record.ID, &kind, &record.Address, &record.RiskLevel,
			&record.Reason, &evidence, &record.Summary, &record.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取历史记录失败")
		}
		record.Kind = Kind(kind)
		if evidence != "" && evidence != "[]" {
			if err := json.Unmarshal([]byte(evidence), &record.Evidence); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析证据链失败")
			}
		}
		results = append(results, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历历史记录失败")
	}
	return results, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
