package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "CogniVerve/internal/errors"
	"CogniVerve/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力，支持函数调用协议。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Generate 调用 OpenAI 完成一轮推理：返回最终回答或一次工具调用请求。
func (c *Client) Generate(ctx context.Context, prompt llm.Prompt) (*llm.Result, error) {
	payload, err := c.buildPayload(prompt)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(llm.CodeModelFailure, err, "构建 OpenAI 请求失败")
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// 网络层故障视为瞬时，交由上层退避重试。
		return nil, xerrors.Wrap(llm.CodeModelRetryable, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		message := fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, xerrors.New(llm.CodeModelRetryable, message)
		}
		return nil, xerrors.New(llm.CodeModelFailure, message)
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(llm.CodeModelFailure, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(llm.CodeModelFailure, "OpenAI 响应中没有有效的 choices")
	}

	message := decoded.Choices[0].Message
	if len(message.ToolCalls) > 0 {
		call := message.ToolCalls[0].Function
		params := map[string]any{}
		if strings.TrimSpace(call.Arguments) != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &params); err != nil {
				return nil, xerrors.Wrap(llm.CodeModelFailure, err, "解析工具调用参数失败")
			}
		}
		return &llm.Result{
			Kind:     llm.KindToolCall,
			ToolCall: &llm.ToolCall{Name: call.Name, Params: params},
		}, nil
	}

	content := strings.TrimSpace(message.Content)
	if content == "" {
		return nil, xerrors.New(llm.CodeModelFailure, "OpenAI 响应内容为空")
	}
	return &llm.Result{Kind: llm.KindRespond, Content: content}, nil
}

func (c *Client) buildPayload(prompt llm.Prompt) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		Name    string `json:"name,omitempty"`
	}

	messages := make([]message, 0, len(prompt.Messages)+1)
	if strings.TrimSpace(prompt.Instructions) != "" {
		messages = append(messages, message{Role: "system", Content: prompt.Instructions})
	}
	for _, m := range prompt.Messages {
		messages = append(messages, message{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    m.ToolName,
		})
	}

	model := strings.TrimSpace(prompt.Model)
	if model == "" {
		model = c.model
	}

	body := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": prompt.Temperature,
	}
	if prompt.MaxTokens > 0 {
		body["max_tokens"] = prompt.MaxTokens
	}

	if len(prompt.Tools) > 0 {
		tools := make([]map[string]any, 0, len(prompt.Tools))
		for _, schema := range prompt.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        schema.Name,
					"description": schema.Description,
					"parameters":  schema.Parameters,
				},
			})
		}
		body["tools"] = tools
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(llm.CodeModelFailure, err, "序列化 OpenAI 请求失败")
	}
	return encoded, nil
}

var _ llm.Client = (*Client)(nil)
