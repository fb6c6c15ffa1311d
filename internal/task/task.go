package task

import (
	"strings"
	"time"

	xerrors "CogniVerve/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal 报告状态是否为终态。终态任务不再被调度或修改。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Result 保存任务完成后的最终产出。
type Result struct {
	Output     string         `json:"output"`
	Iterations int            `json:"iterations"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Task 描述一次排队执行的智能体任务。
type Task struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	OwnerID     string         `json:"owner_id"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      Status         `json:"status"`
	Progress    float64        `json:"progress"`
	Iterations  int            `json:"iterations"`
	Result      *Result        `json:"result,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	StartedAt   int64          `json:"started_at,omitempty"`
	FinishedAt  int64          `json:"finished_at,omitempty"`
	UpdatedAt   int64          `json:"updated_at"`
}

// 任务标题与描述的长度上限，超长直接拒绝。
const (
	maxTitleLength       = 256
	maxDescriptionLength = 16384
)

// Validate 校验任务的基本字段。标题可留空，存储层以描述为准。
func (t *Task) Validate() error {
	if len(t.Title) > maxTitleLength {
		return xerrors.New(CodeTaskValidation, "任务标题超出长度上限")
	}
	if strings.TrimSpace(t.Description) == "" {
		return xerrors.New(CodeTaskValidation, "任务描述不能为空")
	}
	if len(t.Description) > maxDescriptionLength {
		return xerrors.New(CodeTaskValidation, "任务描述超出长度上限")
	}
	if strings.TrimSpace(t.AgentID) == "" {
		return xerrors.New(CodeTaskValidation, "任务必须指定智能体")
	}
	if strings.TrimSpace(t.OwnerID) == "" {
		return xerrors.New(CodeTaskValidation, "任务必须指定所有者")
	}
	return nil
}

// Clone 返回任务的深拷贝，供存储层对外返回值拷贝。
func (t *Task) Clone() *Task {
	clone := *t
	clone.Metadata = cloneMetadata(t.Metadata)
	if t.Result != nil {
		result := *t.Result
		result.Metadata = cloneMetadata(t.Result.Metadata)
		clone.Result = &result
	}
	return &clone
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

var (
	// ErrTaskNotFound 表示指定的任务不存在或对请求者不可见。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskTerminal 表示任务已进入终态，无法进行所请求的状态变更。
	ErrTaskTerminal = xerrors.New(CodeTaskTerminal, "task already terminal", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskCancelled 表示任务已被取消。
	ErrTaskCancelled = xerrors.New(CodeTaskCancelled, "task cancelled", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTaskNotFound     xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskTerminal     xerrors.Code = "TASK_TERMINAL"
	CodeTaskCancelled    xerrors.Code = "TASK_CANCELLED"
	CodeTaskValidation   xerrors.Code = "VALIDATION_FAILED"
	CodeTaskPublish      xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskLoopExceeded xerrors.Code = "TASK_LOOP_EXCEEDED"
	CodeTaskTimeout      xerrors.Code = "TASK_TIMEOUT"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskTerminal, xerrors.Attributes{
		Message:   "task already terminal",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskCancelled, xerrors.Attributes{
		Message:   "task cancelled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskLoopExceeded, xerrors.Attributes{
		Message:   "task exceeded iteration budget",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTaskTimeout, xerrors.Attributes{
		Message:   "task exceeded wall clock budget",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

func nowUnix() int64 {
	return time.Now().Unix()
}
