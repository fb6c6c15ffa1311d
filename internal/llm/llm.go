package llm

import (
	"context"

	xerrors "CogniVerve/internal/errors"
)

// ResultKind 表示大模型一次推理输出的类别。
type ResultKind string

const (
	// KindRespond 表示模型给出了最终回答。
	KindRespond ResultKind = "respond"
	// KindToolCall 表示模型请求调用一个工具。
	KindToolCall ResultKind = "tool_call"
)

// Role 表示提示词中一条消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PromptMessage 是提示词中的一条有序消息。
type PromptMessage struct {
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
}

// ToolSchema 描述暴露给模型的一个工具及其参数结构。
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Prompt 是发送给模型客户端的完整上下文。
type Prompt struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	Instructions string
	Messages     []PromptMessage
	Tools        []ToolSchema
}

// ToolCall 是模型请求执行的一次工具调用。
type ToolCall struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// Result 是模型一次推理的结构化输出：最终回答或一次工具调用。
type Result struct {
	Kind     ResultKind `json:"kind"`
	Content  string     `json:"content,omitempty"`
	ToolCall *ToolCall  `json:"tool_call,omitempty"`
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, prompt Prompt) (*Result, error)
}

const (
	// CodeModelFailure 表示模型调用持续失败，不应再重试。
	CodeModelFailure xerrors.Code = "MODEL_CLIENT_FAILURE"
	// CodeModelRetryable 表示模型调用出现瞬时故障，可在退避后重试。
	CodeModelRetryable xerrors.Code = "MODEL_CLIENT_RETRYABLE"
)

func init() {
	xerrors.Register(CodeModelFailure, xerrors.Attributes{
		Message:   "model client failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeModelRetryable, xerrors.Attributes{
		Message:   "transient model client failure",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
}
