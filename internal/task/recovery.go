package task

import (
	"context"

	xerrors "CogniVerve/internal/errors"
	"CogniVerve/pkg/logger"
)

// CodeTaskInterrupted 标记因进程重启而中断的任务。
const CodeTaskInterrupted xerrors.Code = "TASK_INTERRUPTED"

func init() {
	xerrors.Register(CodeTaskInterrupted, xerrors.Attributes{
		Message:   "task interrupted by process restart",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// RecoverInterrupted 在启动时扫描仍处于 running 状态的任务并标记为
// 失败。执行循环不跨进程续跑，重启前在途的任务由调用方重新提交。
func RecoverInterrupted(ctx context.Context, store Store) (int, error) {
	recovered := 0
	offset := 0
	for {
		tasks, err := store.List(ctx, "",
			WithStatuses(StatusRunning),
			WithLimit(100),
			WithOffset(offset),
			WithSortOrder(SortByUpdatedAsc),
		)
		if err != nil {
			return recovered, err
		}
		if len(tasks) == 0 {
			return recovered, nil
		}
		for _, t := range tasks {
			err := store.MarkFailed(ctx, t.ID, "任务因进程重启中断", string(CodeTaskInterrupted))
			if err != nil {
				if xerrors.CodeOf(err) == CodeTaskTerminal {
					continue
				}
				return recovered, err
			}
			recovered++
			logger.L().Warn("interrupted task marked failed", "task_id", t.ID, "owner_id", t.OwnerID)
		}
		if len(tasks) < 100 {
			return recovered, nil
		}
		// 已标记的任务不再匹配过滤条件，从头继续扫描。
		offset = 0
	}
}
