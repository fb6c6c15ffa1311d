package task

import (
	"strings"
	"testing"
	"unicode/utf8"

	"CogniVerve/internal/agent"
	"CogniVerve/internal/llm"
	"CogniVerve/internal/tool"
)

func contextTestAgent() *agent.Agent {
	ag := &agent.Agent{
		ID:           "agent-1",
		Name:         "helper",
		Instructions: "Always answer politely.",
		OwnerID:      "owner-1",
		Active:       true,
		AllowedTools: []string{"calculator"},
	}
	ag.Normalize()
	return ag
}

func TestBuildKeepsInstructionsAndOrder(t *testing.T) {
	builder := NewContextBuilder()
	history := []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "second", ToolName: "calculator"},
		{Role: RoleTool, Content: "third", ToolName: "calculator"},
	}

	prompt := builder.Build(contextTestAgent(), history, nil)
	if prompt.Instructions != "Always answer politely." {
		t.Fatalf("instructions lost: %q", prompt.Instructions)
	}
	if prompt.Model != agent.DefaultModel || prompt.Temperature != agent.DefaultTemperature {
		t.Fatalf("model parameters not propagated: %s %f", prompt.Model, prompt.Temperature)
	}
	if len(prompt.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(prompt.Messages))
	}
	if prompt.Messages[0].Content != "first" || prompt.Messages[2].Content != "third" {
		t.Fatalf("message order broken: %+v", prompt.Messages)
	}
	if prompt.Messages[1].Role != llm.RoleAssistant || prompt.Messages[2].Role != llm.RoleTool {
		t.Fatalf("roles not mapped: %+v", prompt.Messages)
	}
}

func TestBuildTrimsOldHistoryFirst(t *testing.T) {
	builder := NewContextBuilder(WithRecentMessages(2))
	history := []Message{
		{Role: RoleUser, Content: "oldest"},
		{Role: RoleAssistant, Content: "middle"},
		{Role: RoleUser, Content: "newest"},
	}

	prompt := builder.Build(contextTestAgent(), history, nil)
	if len(prompt.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(prompt.Messages))
	}
	if prompt.Messages[0].Content != "middle" || prompt.Messages[1].Content != "newest" {
		t.Fatalf("expected the most recent messages in order, got %+v", prompt.Messages)
	}
}

func TestBuildHonorsCharBudget(t *testing.T) {
	builder := NewContextBuilder(WithMaxPromptChars(100))
	long := strings.Repeat("x", 90)
	history := []Message{
		{Role: RoleUser, Content: long},
		{Role: RoleUser, Content: "short"},
	}

	prompt := builder.Build(contextTestAgent(), history, nil)
	// 指令占用预算后，旧的长消息放不下，只保留最新一条。
	if len(prompt.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(prompt.Messages))
	}
	if prompt.Messages[0].Content != "short" {
		t.Fatalf("expected newest message kept, got %q", prompt.Messages[0].Content)
	}
}

func TestBuildTruncatesOnRuneBoundary(t *testing.T) {
	// 指令占 23 字节，只给尾部留 7 字节，落在多字节字符中间。
	builder := NewContextBuilder(WithMaxPromptChars(30))
	history := []Message{
		{Role: RoleUser, Content: "配额检查与计量"},
	}

	prompt := builder.Build(contextTestAgent(), history, nil)
	if len(prompt.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(prompt.Messages))
	}
	got := prompt.Messages[0].Content
	if !utf8.ValidString(got) {
		t.Fatalf("truncated content is not valid UTF-8: %q", got)
	}
	if got != "计量" {
		t.Fatalf("expected tail aligned to a character boundary, got %q", got)
	}
}

func TestBuildInjectsOnlyProvidedToolSchemas(t *testing.T) {
	builder := NewContextBuilder()
	defs := []tool.Definition{
		{
			Name:        "calculator",
			Description: "do math",
			Schema: tool.Schema{
				Type: "object",
				Properties: map[string]tool.Property{
					"op": {Type: "string"},
				},
				Required: []string{"op"},
			},
		},
	}

	prompt := builder.Build(contextTestAgent(), nil, defs)
	if len(prompt.Tools) != 1 {
		t.Fatalf("expected 1 tool schema, got %d", len(prompt.Tools))
	}
	schema := prompt.Tools[0]
	if schema.Name != "calculator" {
		t.Fatalf("unexpected tool name %q", schema.Name)
	}
	params, ok := schema.Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatalf("parameters missing properties: %+v", schema.Parameters)
	}
	if _, ok := params["op"]; !ok {
		t.Fatalf("expected op property, got %+v", params)
	}
}
