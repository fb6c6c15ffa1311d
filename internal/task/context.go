package task

import (
	"unicode/utf8"

	"CogniVerve/internal/agent"
	"CogniVerve/internal/llm"
	"CogniVerve/internal/tool"
)

// 上下文构造的默认预算。
const (
	defaultMaxPromptChars = 24000
	defaultRecentMessages = 40
)

// ContextBuilder 将智能体指令、会话历史与可用工具组装成模型提示。
// 指令永远保留；历史从最新一条向前回填，直到条数或字符预算耗尽。
type ContextBuilder struct {
	maxPromptChars int
	recentMessages int
}

// ContextOption 定义可选配置。
type ContextOption func(*ContextBuilder)

// WithMaxPromptChars 设置提示的字符预算。
func WithMaxPromptChars(limit int) ContextOption {
	return func(b *ContextBuilder) {
		if limit > 0 {
			b.maxPromptChars = limit
		}
	}
}

// WithRecentMessages 设置最多保留的历史消息条数。
func WithRecentMessages(count int) ContextOption {
	return func(b *ContextBuilder) {
		if count > 0 {
			b.recentMessages = count
		}
	}
}

// NewContextBuilder 创建 ContextBuilder。
func NewContextBuilder(opts ...ContextOption) *ContextBuilder {
	b := &ContextBuilder{
		maxPromptChars: defaultMaxPromptChars,
		recentMessages: defaultRecentMessages,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build 组装一次模型调用的完整提示。工具列表只包含智能体允许集合中
// 仍然在线的定义。
func (b *ContextBuilder) Build(ag *agent.Agent, history []Message, definitions []tool.Definition) llm.Prompt {
	prompt := llm.Prompt{
		Model:        ag.Model,
		Temperature:  ag.Temperature,
		MaxTokens:    ag.MaxTokens,
		Instructions: ag.Instructions,
	}

	budget := b.maxPromptChars - len(ag.Instructions)
	if budget < 0 {
		budget = 0
	}

	// 从最新消息向前回填，再反转为时间顺序。
	selected := make([]Message, 0, b.recentMessages)
	for i := len(history) - 1; i >= 0 && len(selected) < b.recentMessages; i-- {
		msg := history[i]
		cost := len(msg.Content)
		if cost > budget && len(selected) > 0 {
			break
		}
		if cost > budget {
			// 单条消息就超出预算时截断保留尾部。
			msg.Content = tailWithinBudget(msg.Content, budget)
			cost = len(msg.Content)
		}
		selected = append(selected, msg)
		budget -= cost
		if budget <= 0 {
			break
		}
	}

	prompt.Messages = make([]llm.PromptMessage, 0, len(selected))
	for i := len(selected) - 1; i >= 0; i-- {
		msg := selected[i]
		prompt.Messages = append(prompt.Messages, llm.PromptMessage{
			Role:     promptRole(msg.Role),
			Content:  msg.Content,
			ToolName: msg.ToolName,
		})
	}

	prompt.Tools = make([]llm.ToolSchema, 0, len(definitions))
	for _, def := range definitions {
		prompt.Tools = append(prompt.Tools, llm.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Schema.AsMap(),
		})
	}
	return prompt
}

// tailWithinBudget 保留字符串末尾至多 max 字节，起点对齐到 UTF-8
// 字符边界，避免截出半个多字节字符。
func tailWithinBudget(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	start := len(s) - max
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

func promptRole(role MessageRole) llm.Role {
	switch role {
	case RoleAssistant:
		return llm.RoleAssistant
	case RoleTool:
		return llm.RoleTool
	default:
		return llm.RoleUser
	}
}
