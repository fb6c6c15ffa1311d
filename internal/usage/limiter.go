package usage

import (
	"context"
	"time"

	"CogniVerve/pkg/logger"
)

// TierResolver 返回所有者所属的订阅档位。
type TierResolver interface {
	PlanOf(ctx context.Context, ownerID string) (Plan, error)
}

// StaticTierResolver 将全部所有者解析到固定档位，适合测试与单租户部署。
type StaticTierResolver struct {
	Plan Plan
}

// PlanOf 实现 TierResolver 接口。
func (r StaticTierResolver) PlanOf(_ context.Context, _ string) (Plan, error) {
	if !r.Plan.Valid() {
		return PlanFree, nil
	}
	return r.Plan, nil
}

// Limiter 在任务入队与执行过程中执行配额检查与计量。
type Limiter struct {
	store    Store
	resolver TierResolver
	now      func() time.Time
}

// LimiterOption 定义可选配置。
type LimiterOption func(*Limiter)

// WithClock 替换时间源，用于测试周期切换。
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLimiter 创建 Limiter。
func NewLimiter(store Store, resolver TierResolver, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		store:    store,
		resolver: resolver,
		now:      time.Now,
	}
	if l.resolver == nil {
		l.resolver = StaticTierResolver{Plan: PlanFree}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// CheckAndReserve 原子地检查并预留资源额度。超限时返回 QUOTA_EXCEEDED，
// 计数保持不变。
func (l *Limiter) CheckAndReserve(ctx context.Context, ownerID string, resource Resource, amount int64) error {
	plan, err := l.resolver.PlanOf(ctx, ownerID)
	if err != nil {
		return err
	}
	period := PeriodKey(l.now())
	_, err = l.store.Reserve(ctx, ownerID, period, resource, amount, plan.Limit(resource))
	return err
}

// Record 事后累加资源消耗，不做上限检查。计量失败只记日志，
// 不影响任务结果。
func (l *Limiter) Record(ctx context.Context, ownerID string, resource Resource, amount int64) {
	if amount <= 0 {
		return
	}
	period := PeriodKey(l.now())
	if err := l.store.Record(ctx, ownerID, period, resource, amount); err != nil {
		logger.L().Warn("record usage failed",
			"owner_id", ownerID,
			"resource", string(resource),
			"amount", amount,
			"error", err,
		)
	}
}

// Snapshot 返回所有者当前周期的用量汇总。
func (l *Limiter) Snapshot(ctx context.Context, ownerID string) (*Snapshot, error) {
	plan, err := l.resolver.PlanOf(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	period := PeriodKey(l.now())
	used, err := l.store.Used(ctx, ownerID, period)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		OwnerID: ownerID,
		Period:  period,
		Plan:    plan,
		Used:    used,
		Limits:  LimitsOf(plan),
	}, nil
}
