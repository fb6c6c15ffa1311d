package task

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "CogniVerve/internal/errors"
)

// MemoryStore 以内存方式保存任务与会话消息，主要用于测试与单机部署。
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	messages map[string][]Message
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*Task),
		messages: make(map[string][]Message),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "任务 ID 已存在")
	}
	now := nowUnix()
	clone := task.Clone()
	if clone.Status == "" {
		clone.Status = StatusPending
	}
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.tasks[task.ID] = clone
	return nil
}

// Get 返回任务的值拷贝；仅所有者本人可见。ownerID 为空时跳过归属检查，
// 供内部组件使用。
func (m *MemoryStore) Get(_ context.Context, id, ownerID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || (ownerID != "" && t.OwnerID != ownerID) {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// Claim 实现 Store 接口。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch t.Status {
	case StatusPending:
	case StatusCancelled:
		return nil, ErrTaskCancelled
	default:
		return nil, ErrTaskTerminal
	}
	now := nowUnix()
	t.Status = StatusRunning
	t.StartedAt = now
	t.UpdatedAt = now
	return t.Clone(), nil
}

// AppendStep 实现 Store 接口。
func (m *MemoryStore) AppendStep(_ context.Context, id string, messages []Message, progress float64, iterations int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return ErrTaskTerminal
	}
	now := nowUnix()
	seq := len(m.messages[id])
	for _, msg := range messages {
		msg.TaskID = id
		msg.Seq = seq
		if msg.CreatedAt == 0 {
			msg.CreatedAt = now
		}
		m.messages[id] = append(m.messages[id], msg)
		seq++
	}
	t.Progress = progress
	t.Iterations = iterations
	t.UpdatedAt = now
	return nil
}

// Messages 实现 Store 接口。
func (m *MemoryStore) Messages(_ context.Context, id string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return nil, ErrTaskNotFound
	}
	stored := m.messages[id]
	result := make([]Message, len(stored))
	copy(result, stored)
	return result, nil
}

// MarkCompleted 实现 Store 接口。
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return ErrTaskTerminal
	}
	now := nowUnix()
	t.Status = StatusCompleted
	t.Progress = 1.0
	t.Iterations = result.Iterations
	t.Result = &result
	t.LastError = ""
	t.ErrorCode = ""
	t.FinishedAt = now
	t.UpdatedAt = now
	return nil
}

// MarkFailed 实现 Store 接口。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, lastError string, errorCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return ErrTaskTerminal
	}
	now := nowUnix()
	t.Status = StatusFailed
	t.LastError = lastError
	t.ErrorCode = errorCode
	t.FinishedAt = now
	t.UpdatedAt = now
	return nil
}

// MarkCancelled 实现 Store 接口。
func (m *MemoryStore) MarkCancelled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return nil
	}
	now := nowUnix()
	t.Status = StatusCancelled
	t.FinishedAt = now
	t.UpdatedAt = now
	return nil
}

// List 实现 Store 接口。
func (m *MemoryStore) List(_ context.Context, ownerID string, opts ...ListOption) ([]*Task, error) {
	options := buildListOptions(opts)
	m.mu.Lock()
	matched := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if ownerID != "" && t.OwnerID != ownerID {
			continue
		}
		if matchesOptions(t, options) {
			matched = append(matched, t.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if options.Order == SortByUpdatedAsc {
			if matched[i].UpdatedAt == matched[j].UpdatedAt {
				return matched[i].ID < matched[j].ID
			}
			return matched[i].UpdatedAt < matched[j].UpdatedAt
		}
		if matched[i].UpdatedAt == matched[j].UpdatedAt {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt > matched[j].UpdatedAt
	})

	if options.Offset >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[options.Offset:]
	if len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}
	return matched, nil
}

func matchesOptions(t *Task, options ListOptions) bool {
	if options.AgentID != "" && t.AgentID != options.AgentID {
		return false
	}
	if len(options.Statuses) > 0 {
		found := false
		for _, status := range options.Statuses {
			if t.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if options.UpdatedGTE > 0 && t.UpdatedAt < options.UpdatedGTE {
		return false
	}
	if options.UpdatedLTE > 0 && t.UpdatedAt > options.UpdatedLTE {
		return false
	}
	if options.Query != "" {
		needle := strings.ToLower(options.Query)
		if !strings.Contains(strings.ToLower(t.Title), needle) &&
			!strings.Contains(strings.ToLower(t.Description), needle) {
			return false
		}
	}
	return true
}

// Stats 实现 Store 接口。
func (m *MemoryStore) Stats(_ context.Context, ownerID string) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Stats{}
	for _, t := range m.tasks {
		if ownerID != "" && t.OwnerID != ownerID {
			continue
		}
		stats.count(t.Status)
		if stats.OldestUpdatedAt == 0 || t.UpdatedAt < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = t.UpdatedAt
		}
		if t.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = t.UpdatedAt
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
