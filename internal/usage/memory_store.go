package usage

import (
	"context"
	"fmt"
	"sync"

	xerrors "CogniVerve/internal/errors"
)

// MemoryStore 以内存方式保存用量计数，用于测试与单机部署。
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]map[Resource]int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]map[Resource]int64)}
}

func bucketKey(ownerID, period string) string {
	return ownerID + "/" + period
}

// Reserve 实现 Store 接口。
func (m *MemoryStore) Reserve(_ context.Context, ownerID, period string, resource Resource, amount, limit int64) (int64, error) {
	if amount < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "预留数量不能为负")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.counters[bucketKey(ownerID, period)]
	current := bucket[resource]
	if limit != Unlimited && current+amount > limit {
		return current, xerrors.New(CodeQuotaExceeded,
			fmt.Sprintf("资源 %s 超出配额: 已用 %d, 申请 %d, 上限 %d", resource, current, amount, limit))
	}
	if bucket == nil {
		bucket = make(map[Resource]int64)
		m.counters[bucketKey(ownerID, period)] = bucket
	}
	bucket[resource] = current + amount
	return bucket[resource], nil
}

// Record 实现 Store 接口。
func (m *MemoryStore) Record(_ context.Context, ownerID, period string, resource Resource, amount int64) error {
	if amount < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "计量数量不能为负")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.counters[bucketKey(ownerID, period)]
	if bucket == nil {
		bucket = make(map[Resource]int64)
		m.counters[bucketKey(ownerID, period)] = bucket
	}
	bucket[resource] += amount
	return nil
}

// Used 实现 Store 接口。
func (m *MemoryStore) Used(_ context.Context, ownerID, period string) (map[Resource]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[Resource]int64)
	for resource, count := range m.counters[bucketKey(ownerID, period)] {
		result[resource] = count
	}
	return result, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
