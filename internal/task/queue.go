package task

import (
	"context"
)

// Handler 消费一条队列消息，参数是待执行任务的 ID。消息可能被重复
// 投递，实现必须幂等。
type Handler func(ctx context.Context, taskID string) error

// Producer 将任务 ID 投递到分发队列。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以 workerCount 个工作协程消费队列，阻塞直到 ctx 取消。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 是调度器依赖的完整队列能力。队列只承载任务 ID，任务本体
// 始终以 Store 中的记录为准。
type Queue interface {
	Producer
	Consumer
}
