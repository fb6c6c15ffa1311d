package task

import "context"

// Store 抽象了任务状态与会话消息的持久化接口。
// 状态转移方法必须满足：终态写入原子生效；对已终态任务的再次
// 状态变更返回 ErrTaskTerminal（MarkCancelled 除外，幂等返回 nil）。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id, ownerID string) (*Task, error)

	// Claim 将 pending 任务转为 running 并记录开始时间。
	// 已被取消的任务返回 ErrTaskCancelled，终态任务返回 ErrTaskTerminal。
	Claim(ctx context.Context, id string) (*Task, error)

	// AppendStep 原子地追加一批会话消息并更新进度与迭代计数。
	AppendStep(ctx context.Context, id string, messages []Message, progress float64, iterations int) error

	// Messages 按 Seq 升序返回任务的全部会话消息。
	Messages(ctx context.Context, id string) ([]Message, error)

	MarkCompleted(ctx context.Context, id string, result Result) error
	MarkFailed(ctx context.Context, id string, lastError string, errorCode string) error

	// MarkCancelled 将任务置为 cancelled。任务已是终态时幂等返回 nil。
	MarkCancelled(ctx context.Context, id string) error

	List(ctx context.Context, ownerID string, opts ...ListOption) ([]*Task, error)
	Stats(ctx context.Context, ownerID string) (*Stats, error)
	Close() error
}
