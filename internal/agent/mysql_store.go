package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "CogniVerve/internal/errors"
)

// MySQLStore 使用 MySQL 保存智能体定义。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore，并在首次使用时初始化表结构。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS agents (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        instructions TEXT NOT NULL,
        model VARCHAR(128) NOT NULL,
        temperature DOUBLE NOT NULL,
        max_tokens INT NOT NULL,
        allowed_tools TEXT,
        owner_id VARCHAR(64) NOT NULL,
        public TINYINT(1) NOT NULL DEFAULT 0,
        active TINYINT(1) NOT NULL DEFAULT 1,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_agents_owner (owner_id)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 agents 表失败")
	}
	return nil
}

// Create 插入新的智能体定义。
func (s *MySQLStore) Create(ctx context.Context, ag *Agent) error {
	if err := ag.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(ag.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}

	now := time.Now().Unix()
	if ag.CreatedAt == 0 {
		ag.CreatedAt = now
	}
	ag.UpdatedAt = now

	tools, err := json.Marshal(ag.AllowedTools)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码允许工具列表失败")
	}

	const stmt = `INSERT INTO agents
        (id, name, instructions, model, temperature, max_tokens, allowed_tools, owner_id, public, active, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		ag.ID, ag.Name, ag.Instructions, ag.Model, ag.Temperature, ag.MaxTokens,
		string(tools), ag.OwnerID, ag.Public, ag.Active, ag.CreatedAt, ag.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "智能体 ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入智能体失败")
	}
	return nil
}

// Get 返回智能体定义；仅所有者本人或公开智能体可见。
func (s *MySQLStore) Get(ctx context.Context, id, ownerID string) (*Agent, error) {
	const query = `SELECT id, name, instructions, model, temperature, max_tokens, allowed_tools,
        owner_id, public, active, created_at, updated_at
        FROM agents WHERE id = ? AND (owner_id = ? OR public = 1)`
	row := s.db.QueryRowContext(ctx, query, id, ownerID)
	ag, err := scanAgent(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}
	return ag, nil
}

// List 返回对指定所有者可见的全部智能体。
func (s *MySQLStore) List(ctx context.Context, ownerID string) ([]*Agent, error) {
	const query = `SELECT id, name, instructions, model, temperature, max_tokens, allowed_tools,
        owner_id, public, active, created_at, updated_at
        FROM agents WHERE owner_id = ? OR public = 1 ORDER BY created_at DESC, id`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体列表失败")
	}
	defer rows.Close()

	var results []*Agent
	for rows.Next() {
		ag, err := scanAgent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体记录失败")
		}
		results = append(results, ag)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体记录失败")
	}
	return results, nil
}

// Deactivate 将智能体标记为不可用。
func (s *MySQLStore) Deactivate(ctx context.Context, id, ownerID string) error {
	const stmt = `UPDATE agents SET active = 0, updated_at = ? WHERE id = ? AND owner_id = ?`
	result, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), id, ownerID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "停用智能体失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		ag       Agent
		rawTools sql.NullString
	)
	if err := row.Scan(
		&ag.ID, &ag.Name, &ag.Instructions, &ag.Model, &ag.Temperature, &ag.MaxTokens,
		&rawTools, &ag.OwnerID, &ag.Public, &ag.Active, &ag.CreatedAt, &ag.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if rawTools.Valid && strings.TrimSpace(rawTools.String) != "" {
		if err := json.Unmarshal([]byte(rawTools.String), &ag.AllowedTools); err != nil {
			return nil, err
		}
	}
	return &ag, nil
}

var _ Store = (*MySQLStore)(nil)
