package agent

import "context"

// Store 抽象了智能体定义的持久化接口。
type Store interface {
	Create(ctx context.Context, ag *Agent) error
	// Get 返回智能体定义；若不存在或对 ownerID 不可见则返回 ErrAgentNotFound。
	Get(ctx context.Context, id, ownerID string) (*Agent, error)
	List(ctx context.Context, ownerID string) ([]*Agent, error)
	Deactivate(ctx context.Context, id, ownerID string) error
	Close() error
}
