package usage

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	xerrors "CogniVerve/internal/errors"
)

// MySQLStore 使用 MySQL 保存用量计数。
// Reserve 通过带条件的 UPDATE 保证原子性，不依赖事务隔离级别。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQLStore，并在首次使用时初始化表结构。
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
	const schema = `CREATE TABLE IF NOT EXISTS usage_counters (
        owner_id VARCHAR(64) NOT NULL,
        period VARCHAR(16) NOT NULL,
        resource VARCHAR(32) NOT NULL,
        amount BIGINT NOT NULL DEFAULT 0,
        PRIMARY KEY (owner_id, period, resource)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 usage_counters 表失败")
	}
	return nil
}

// Reserve 实现 Store 接口。先尝试带上限条件的 UPDATE；行不存在时 INSERT，
// 与并发 INSERT 冲突则重试 UPDATE 一次。
func (s *MySQLStore) Reserve(ctx context.Context, ownerID, period string, resource Resource, amount, limit int64) (int64, error) {
	if amount < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "预留数量不能为负")
	}

	const update = `UPDATE usage_counters SET amount = amount + ?
        WHERE owner_id = ? AND period = ? AND resource = ? AND (? < 0 OR amount + ? <= ?)`

	for attempt := 0; attempt < 2; attempt++ {
		result, err := s.db.ExecContext(ctx, update,
			amount, ownerID, period, string(resource), limit, amount, limit)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新用量计数失败")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
		}
		if affected > 0 {
			return s.currentAmount(ctx, ownerID, period, resource)
		}

		// 行存在但未更新说明超限；行不存在则先插入。
		exists, err := s.rowExists(ctx, ownerID, period, resource)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用量计数失败")
		}
		if exists {
			current, err := s.currentAmount(ctx, ownerID, period, resource)
			if err != nil {
				return 0, err
			}
			return current, xerrors.New(CodeQuotaExceeded,
				fmt.Sprintf("资源 %s 超出配额: 已用 %d, 申请 %d, 上限 %d", resource, current, amount, limit))
		}

		if limit != Unlimited && amount > limit {
			return 0, xerrors.New(CodeQuotaExceeded,
				fmt.Sprintf("资源 %s 超出配额: 申请 %d, 上限 %d", resource, amount, limit))
		}

		const insert = `INSERT INTO usage_counters (owner_id, period, resource, amount) VALUES (?, ?, ?, ?)`
		_, err = s.db.ExecContext(ctx, insert, ownerID, period, string(resource), amount)
		if err == nil {
			return amount, nil
		}
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			continue
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入用量计数失败")
	}
	return 0, xerrors.New(xerrors.CodeStorageFailure, "用量计数更新竞争失败")
}

func (s *MySQLStore) rowExists(ctx context.Context, ownerID, period string, resource Resource) (bool, error) {
	const query = `SELECT 1 FROM usage_counters WHERE owner_id = ? AND period = ? AND resource = ?`
	var one int
	err := s.db.QueryRowContext(ctx, query, ownerID, period, string(resource)).Scan(&one)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MySQLStore) currentAmount(ctx context.Context, ownerID, period string, resource Resource) (int64, error) {
	const query = `SELECT amount FROM usage_counters WHERE owner_id = ? AND period = ? AND resource = ?`
	var current int64
	err := s.db.QueryRowContext(ctx, query, ownerID, period, string(resource)).Scan(&current)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用量计数失败")
	}
	return current, nil
}

// Record 实现 Store 接口。
func (s *MySQLStore) Record(ctx context.Context, ownerID, period string, resource Resource, amount int64) error {
	if amount < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "计量数量不能为负")
	}
	const stmt = `INSERT INTO usage_counters (owner_id, period, resource, amount)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE amount = amount + VALUES(amount)`
	if _, err := s.db.ExecContext(ctx, stmt, ownerID, period, string(resource), amount); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "累加用量失败")
	}
	return nil
}

// Used 实现 Store 接口。
func (s *MySQLStore) Used(ctx context.Context, ownerID, period string) (map[Resource]int64, error) {
	const query = `SELECT resource, amount FROM usage_counters WHERE owner_id = ? AND period = ?`
	rows, err := s.db.QueryContext(ctx, query, ownerID, period)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用量失败")
	}
	defer rows.Close()

	result := make(map[Resource]int64)
	for rows.Next() {
		var (
			resource string
			amount   int64
		)
		if err := rows.Scan(&resource, &amount); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析用量记录失败")
		}
		result[Resource(resource)] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历用量记录失败")
	}
	return result, nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
