package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "CogniVerve/internal/errors"
)

// MemoryStore 以内存方式保存智能体定义，主要用于测试与单机部署。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*Agent)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, ag *Agent) error {
	if err := ag.Validate(); err != nil {
		return err
	}
	if ag.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[ag.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "智能体 ID 已存在")
	}
	now := time.Now().Unix()
	clone := ag.Clone()
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.agents[ag.ID] = clone
	return nil
}

// Get 返回智能体定义的值拷贝。
func (m *MemoryStore) Get(_ context.Context, id, ownerID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ag, ok := m.agents[id]
	if !ok || !ag.VisibleTo(ownerID) {
		return nil, ErrAgentNotFound
	}
	return ag.Clone(), nil
}

// List 返回对指定所有者可见的全部智能体。
func (m *MemoryStore) List(_ context.Context, ownerID string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Agent, 0, len(m.agents))
	for _, ag := range m.agents {
		if !ag.VisibleTo(ownerID) {
			continue
		}
		results = append(results, ag.Clone())
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	return results, nil
}

// Deactivate 将智能体标记为不可用，运行中的任务不受影响。
func (m *MemoryStore) Deactivate(_ context.Context, id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ag, ok := m.agents[id]
	if !ok || ag.OwnerID != ownerID {
		return ErrAgentNotFound
	}
	ag.Active = false
	ag.UpdatedAt = time.Now().Unix()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
