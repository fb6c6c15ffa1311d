package scripted

import (
	"context"
	"sync"

	xerrors "CogniVerve/internal/errors"
	"CogniVerve/internal/llm"
)

// Step 表示脚本化客户端的一步输出：结果或错误二选一。
type Step struct {
	Result *llm.Result
	Err    error
}

// Respond 构造一个最终回答步骤。
func Respond(content string) Step {
	return Step{Result: &llm.Result{Kind: llm.KindRespond, Content: content}}
}

// CallTool 构造一个工具调用步骤。
func CallTool(name string, params map[string]any) Step {
	return Step{Result: &llm.Result{
		Kind:     llm.KindToolCall,
		ToolCall: &llm.ToolCall{Name: name, Params: params},
	}}
}

// Fail 构造一个返回指定错误的步骤。
func Fail(err error) Step {
	return Step{Err: err}
}

// Client 按预设脚本依次返回推理结果，用于本地开发与测试。
type Client struct {
	mu    sync.Mutex
	steps []Step
	index int
	// Loop 为 true 时脚本耗尽后从头循环，否则重复最后一步。
	Loop bool
}

// NewClient 创建脚本化客户端。
func NewClient(steps ...Step) *Client {
	return &Client{steps: steps}
}

// Generate 返回脚本中的下一步。
func (c *Client) Generate(_ context.Context, _ llm.Prompt) (*llm.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.steps) == 0 {
		return nil, xerrors.New(llm.CodeModelFailure, "脚本化客户端未配置任何步骤")
	}

	idx := c.index
	if idx >= len(c.steps) {
		if c.Loop {
			idx = 0
			c.index = 0
		} else {
			idx = len(c.steps) - 1
		}
	}
	c.index++

	step := c.steps[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	result := *step.Result
	if step.Result.ToolCall != nil {
		call := *step.Result.ToolCall
		result.ToolCall = &call
	}
	return &result, nil
}

var _ llm.Client = (*Client)(nil)
