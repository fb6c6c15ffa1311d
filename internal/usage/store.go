package usage

import "context"

// Store 保存按所有者与计量周期分桶的资源计数。
// Reserve 必须原子地完成"检查加累加"，并发调用不能超卖配额。
type Store interface {
	// Reserve 在不超过 limit 的前提下累加 amount，返回累加后的计数。
	// 超限时返回 QUOTA_EXCEEDED 且计数保持不变；limit 为 Unlimited 时
	// 不检查上限。
	Reserve(ctx context.Context, ownerID, period string, resource Resource, amount, limit int64) (int64, error)

	// Record 无条件累加 amount，用于执行结束后的事后计量。
	Record(ctx context.Context, ownerID, period string, resource Resource, amount int64) error

	// Used 返回指定周期内各资源的已用量。
	Used(ctx context.Context, ownerID, period string) (map[Resource]int64, error)

	// Close 释放底层资源。
	Close() error
}
