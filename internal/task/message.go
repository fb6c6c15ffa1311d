package task

// MessageRole 标识会话消息的来源。
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Message 是任务会话中的一条记录。Seq 在单个任务内单调递增，
// 消息按 Seq 排序即为会话的真实顺序。
type Message struct {
	TaskID    string         `json:"task_id"`
	Seq       int            `json:"seq"`
	Role      MessageRole    `json:"role"`
	Content   string         `json:"content"`
	ToolName  string         `json:"tool_name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt int64          `json:"created_at"`
}
