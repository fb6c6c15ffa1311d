package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "CogniVerve/internal/errors"
)

// MySQLStore 使用 MySQL 记录任务状态与会话消息。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
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
	const taskSchema = `CREATE TABLE IF NOT EXISTS tasks (
        id VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        owner_id VARCHAR(64) NOT NULL,
        title VARCHAR(256) NOT NULL DEFAULT '',
        description TEXT NOT NULL,
        metadata TEXT,
        status VARCHAR(32) NOT NULL,
        progress DOUBLE NOT NULL DEFAULT 0,
        iterations INT NOT NULL DEFAULT 0,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result_output TEXT,
        result_metadata TEXT,
        created_at BIGINT NOT NULL,
        started_at BIGINT NOT NULL DEFAULT 0,
        finished_at BIGINT NOT NULL DEFAULT 0,
        updated_at BIGINT NOT NULL,
        INDEX idx_tasks_owner (owner_id),
        INDEX idx_tasks_status (status),
        INDEX idx_tasks_updated (updated_at)
)`
	if _, err := s.db.Exec(taskSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 tasks 表失败")
	}

	const messageSchema = `CREATE TABLE IF NOT EXISTS task_messages (
        task_id VARCHAR(64) NOT NULL,
        seq INT NOT NULL,
        role VARCHAR(16) NOT NULL,
        content MEDIUMTEXT NOT NULL,
        tool_name VARCHAR(128) DEFAULT '',
        metadata TEXT,
        created_at BIGINT NOT NULL,
        PRIMARY KEY (task_id, seq)
)`
	if _, err := s.db.Exec(messageSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 task_messages 表失败")
	}
	return nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if err := task.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}

	metadataValue, err := marshalMetadata(task.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}

	const stmt = `INSERT INTO tasks
        (id, agent_id, owner_id, title, description, metadata, status, progress, iterations, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID, task.AgentID, task.OwnerID, task.Title, task.Description, metadataValue,
		task.Status, task.Progress, task.Iterations, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "任务 ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

const taskColumns = `id, agent_id, owner_id, title, description, metadata, status, progress, iterations,
        last_error, error_code, result_output, result_metadata, created_at, started_at, finished_at, updated_at`

// Get 查询指定任务；ownerID 非空时校验归属。
func (s *MySQLStore) Get(ctx context.Context, id, ownerID string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	args := []any{id}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将 pending 任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE tasks SET status = ?, started_at = ?, updated_at = ?
        WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, StatusRunning, now, now, id, StatusPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		task, getErr := s.Get(ctx, id, "")
		if getErr != nil {
			return nil, getErr
		}
		if task.Status == StatusCancelled {
			return nil, ErrTaskCancelled
		}
		return nil, ErrTaskTerminal
	}
	return s.Get(ctx, id, "")
}

// AppendStep 在单个事务内追加会话消息并更新进度。
func (s *MySQLStore) AppendStep(ctx context.Context, id string, messages []Message, progress float64, iterations int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	const update = `UPDATE tasks SET progress = ?, iterations = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, update, progress, iterations, now, id, StatusRunning)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务进度失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		task, getErr := s.Get(ctx, id, "")
		if getErr != nil {
			return getErr
		}
		if task.Status.Terminal() {
			return ErrTaskTerminal
		}
		return xerrors.New(xerrors.CodeStorageFailure, "任务不处于运行状态")
	}

	var nextSeq int
	const seqQuery = `SELECT COALESCE(MAX(seq) + 1, 0) FROM task_messages WHERE task_id = ?`
	if err := tx.QueryRowContext(ctx, seqQuery, id).Scan(&nextSeq); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息序号失败")
	}

	const insert = `INSERT INTO task_messages (task_id, seq, role, content, tool_name, metadata, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	for _, msg := range messages {
		metadataValue, err := marshalMetadata(msg.Metadata)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码消息 metadata 失败")
		}
		createdAt := msg.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		if _, err := tx.ExecContext(ctx, insert,
			id, nextSeq, string(msg.Role), msg.Content, msg.ToolName, metadataValue, createdAt,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入会话消息失败")
		}
		nextSeq++
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// Messages 按 Seq 升序返回任务的全部会话消息。
func (s *MySQLStore) Messages(ctx context.Context, id string) ([]Message, error) {
	if _, err := s.Get(ctx, id, ""); err != nil {
		return nil, err
	}

	const query = `SELECT task_id, seq, role, content, tool_name, metadata, created_at
        FROM task_messages WHERE task_id = ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话消息失败")
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			msg      Message
			role     string
			metadata sql.NullString
		)
		if err := rows.Scan(&msg.TaskID, &msg.Seq, &role, &msg.Content, &msg.ToolName, &metadata, &msg.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话消息失败")
		}
		msg.Role = MessageRole(role)
		decoded, err := unmarshalMetadata(metadata)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息 metadata 失败")
		}
		msg.Metadata = decoded
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话消息失败")
	}
	return messages, nil
}

// MarkCompleted 将任务标记为成功完成。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id string, result Result) error {
	resultMetadata, err := marshalMetadata(result.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码结果 metadata 失败")
	}

	const stmt = `UPDATE tasks SET status = ?, progress = 1, iterations = ?, result_output = ?, result_metadata = ?,
        last_error = '', error_code = '', finished_at = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusCompleted, result.Iterations, result.Output, resultMetadata, now, now,
		id, StatusCompleted, StatusFailed, StatusCancelled,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务完成失败")
	}
	return s.checkTransition(ctx, res, id)
}

// MarkFailed 将任务标记为失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, lastError string, errorCode string) error {
	const stmt = `UPDATE tasks SET status = ?, last_error = ?, error_code = ?, finished_at = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed, lastError, errorCode, now, now,
		id, StatusCompleted, StatusFailed, StatusCancelled,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	return s.checkTransition(ctx, res, id)
}

// MarkCancelled 将任务标记为已取消；任务已是终态时幂等返回 nil。
func (s *MySQLStore) MarkCancelled(ctx context.Context, id string) error {
	const stmt = `UPDATE tasks SET status = ?, finished_at = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusCancelled, now, now,
		id, StatusCompleted, StatusFailed, StatusCancelled,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务取消失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id, ""); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *MySQLStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id, ""); getErr != nil {
			return getErr
		}
		return ErrTaskTerminal
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, ownerID string, opts ...ListOption) ([]*Task, error) {
	options := buildListOptions(opts)

	query := `SELECT ` + taskColumns + ` FROM tasks`
	clause, filterArgs := buildFilterClause(ownerID, options)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if options.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, options.Limit, options.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, options.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回指定所有者的任务聚合信息。ownerID 为空时统计全部任务。
func (s *MySQLStore) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS running,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS cancelled,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM tasks`
	args := []any{
		string(StatusPending), string(StatusRunning), string(StatusCompleted),
		string(StatusFailed), string(StatusCancelled),
	}
	if ownerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats Stats
	if err := row.Scan(
		&stats.Total, &stats.Pending, &stats.Running, &stats.Completed,
		&stats.Failed, &stats.Cancelled, &stats.OldestUpdatedAt, &stats.NewestUpdatedAt,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return &stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task           Task
		metadata       sql.NullString
		lastError      sql.NullString
		resultOutput   sql.NullString
		resultMetadata sql.NullString
	)
	if err := row.Scan(
		&task.ID, &task.AgentID, &task.OwnerID, &task.Title, &task.Description, &metadata,
		&task.Status, &task.Progress, &task.Iterations,
		&lastError, &task.ErrorCode, &resultOutput, &resultMetadata,
		&task.CreatedAt, &task.StartedAt, &task.FinishedAt, &task.UpdatedAt,
	); err != nil {
		return nil, err
	}

	decoded, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	task.Metadata = decoded
	if lastError.Valid {
		task.LastError = lastError.String
	}

	if task.Status == StatusCompleted {
		result := Result{
			Output:     resultOutput.String,
			Iterations: task.Iterations,
		}
		resultMeta, err := unmarshalMetadata(resultMetadata)
		if err != nil {
			return nil, err
		}
		result.Metadata = resultMeta
		task.Result = &result
	}
	return &task, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func buildFilterClause(ownerID string, opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if ownerID != "" {
		conditions = append(conditions, "owner_id = ?")
		args = append(args, ownerID)
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR title LIKE ? OR description LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
