package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "CogniVerve/internal/errors"
)

// RegisterBuiltins 注册内置工具集合。
func RegisterBuiltins(registry *Registry) error {
	builtins := []struct {
		def     Definition
		handler Handler
	}{
		{calculatorDefinition(), HandlerFunc(executeCalculator)},
		{webSearchDefinition(), HandlerFunc(executeWebSearch)},
		{textProcessorDefinition(), HandlerFunc(executeTextProcessor)},
		{fileOperationsDefinition(), HandlerFunc(executeFileOperations)},
	}
	for _, b := range builtins {
		if err := registry.Register(b.def, b.handler); err != nil {
			return err
		}
	}
	return nil
}

func calculatorDefinition() Definition {
	return Definition{
		Name:        "calculator",
		DisplayName: "Calculator",
		Description: "Perform basic arithmetic and percentage calculations",
		Category:    "computation",
		Schema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"op": {
					Type:        "string",
					Description: "Operation to perform",
					Enum:        []string{"add", "subtract", "multiply", "divide", "percent"},
				},
				"value": {
					Type:        "number",
					Description: "Primary operand",
				},
				"operand": {
					Type:        "number",
					Description: "Second operand for add/subtract/multiply/divide",
				},
				"pct": {
					Type:        "number",
					Description: "Percentage for the percent operation",
				},
			},
			Required: []string{"op", "value"},
		},
	}
}

func executeCalculator(_ context.Context, params map[string]any, _ Call) (*Outcome, error) {
	op, _ := params["op"].(string)
	value, _ := asNumber(params["value"])

	var result float64
	switch op {
	case "add", "subtract", "multiply", "divide":
		operand, ok := asNumber(params["operand"])
		if !ok {
			return nil, fmt.Errorf("操作 %s 需要 operand 参数", op)
		}
		switch op {
		case "add":
			result = value + operand
		case "subtract":
			result = value - operand
		case "multiply":
			result = value * operand
		case "divide":
			if operand == 0 {
				return nil, fmt.Errorf("除数不能为零")
			}
			result = value / operand
		}
	case "percent":
		pct, ok := asNumber(params["pct"])
		if !ok {
			return nil, fmt.Errorf("操作 percent 需要 pct 参数")
		}
		result = value * pct / 100
	default:
		return nil, fmt.Errorf("不支持的操作 %s", op)
	}

	return &Outcome{
		Output:   map[string]any{"op": op, "result": result},
		Metadata: map[string]any{"op": op},
	}, nil
}

func webSearchDefinition() Definition {
	maxResults := 20.0
	minResults := 1.0
	return Definition{
		Name:        "web_search",
		DisplayName: "Web Search",
		Description: "Search the web for information",
		Category:    "information",
		Schema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"query": {
					Type:        "string",
					Description: "Search query",
				},
				"max_results": {
					Type:        "integer",
					Description: "Maximum number of results",
					Minimum:     &minResults,
					Maximum:     &maxResults,
					Default:     5,
				},
			},
			Required: []string{"query"},
		},
	}
}

// executeWebSearch 返回模拟检索结果。接入真实搜索服务时替换此实现。
func executeWebSearch(ctx context.Context, params map[string]any, _ Call) (*Outcome, error) {
	started := time.Now()
	query, _ := params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query 不能为空")
	}
	maxResults := 5
	if raw, ok := asNumber(params["max_results"]); ok {
		maxResults = int(raw)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	results := make([]map[string]any, 0, maxResults)
	for i := 0; i < maxResults; i++ {
		results = append(results, map[string]any{
			"title":   fmt.Sprintf("Search result %d for %q", i+1, query),
			"url":     fmt.Sprintf("https://example.com/result-%d", i+1),
			"snippet": fmt.Sprintf("Sample snippet about %q.", query),
		})
	}

	return &Outcome{
		Output:   results,
		Metadata: map[string]any{"query": query, "result_count": len(results)},
		Usage: SideEffects{
			ComputeSeconds: time.Since(started).Seconds(),
		},
	}, nil
}

func textProcessorDefinition() Definition {
	return Definition{
		Name:        "text_processor",
		DisplayName: "Text Processor",
		Description: "Process and analyze text",
		Category:    "text",
		Schema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"text": {
					Type:        "string",
					Description: "Text to process",
				},
				"operation": {
					Type:        "string",
					Description: "Text operation to perform",
					Enum:        []string{"count_words", "count_chars", "uppercase", "lowercase", "reverse"},
					Default:     "count_words",
				},
			},
			Required: []string{"text"},
		},
	}
}

func executeTextProcessor(_ context.Context, params map[string]any, _ Call) (*Outcome, error) {
	text, _ := params["text"].(string)
	operation, _ := params["operation"].(string)
	if operation == "" {
		operation = "count_words"
	}

	var result any
	switch operation {
	case "count_words":
		result = len(strings.Fields(text))
	case "count_chars":
		result = len([]rune(text))
	case "uppercase":
		result = strings.ToUpper(text)
	case "lowercase":
		result = strings.ToLower(text)
	case "reverse":
		runes := []rune(text)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		result = string(runes)
	default:
		return nil, fmt.Errorf("不支持的操作 %s", operation)
	}

	return &Outcome{
		Output:   map[string]any{"operation": operation, "result": result},
		Metadata: map[string]any{"operation": operation, "text_length": len(text)},
		Usage: SideEffects{
			BytesProcessed: int64(len(text)),
		},
	}, nil
}

func fileOperationsDefinition() Definition {
	return Definition{
		Name:        "file_operations",
		DisplayName: "File Operations",
		Description: "Read, write, and list files inside the sandbox directory",
		Category:    "file_system",
		Schema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"operation": {
					Type:        "string",
					Description: "File operation to perform",
					Enum:        []string{"read", "write", "list"},
				},
				"path": {
					Type:        "string",
					Description: "File or directory path",
				},
				"content": {
					Type:        "string",
					Description: "Content to write (for write operation)",
				},
			},
			Required: []string{"operation", "path"},
		},
	}
}

// executeFileOperations 只允许访问系统临时目录，防止处理器越权读写。
func executeFileOperations(_ context.Context, params map[string]any, _ Call) (*Outcome, error) {
	operation, _ := params["operation"].(string)
	path, _ := params["path"].(string)

	sandbox := os.TempDir()
	cleaned := filepath.Clean(path)
	if !strings.HasPrefix(cleaned, sandbox) {
		return nil, fmt.Errorf("仅允许访问 %s 下的文件", sandbox)
	}

	switch operation {
	case "read":
		content, err := os.ReadFile(cleaned)
		if err != nil {
			return nil, fmt.Errorf("读取文件失败: %w", err)
		}
		return &Outcome{
			Output:   map[string]any{"path": cleaned, "content": string(content)},
			Metadata: map[string]any{"operation": operation, "path": cleaned},
			Usage:    SideEffects{BytesProcessed: int64(len(content))},
		}, nil
	case "write":
		content, ok := params["content"].(string)
		if !ok {
			return nil, xerrors.New(CodeSchemaValidation, "write 操作缺少 content 参数")
		}
		if err := os.WriteFile(cleaned, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("写入文件失败: %w", err)
		}
		return &Outcome{
			Output:   map[string]any{"path": cleaned, "bytes_written": len(content)},
			Metadata: map[string]any{"operation": operation, "path": cleaned},
			Usage:    SideEffects{BytesProcessed: int64(len(content))},
		}, nil
	case "list":
		entries, err := os.ReadDir(cleaned)
		if err != nil {
			return nil, fmt.Errorf("列出目录失败: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		return &Outcome{
			Output:   map[string]any{"path": cleaned, "files": names},
			Metadata: map[string]any{"operation": operation, "path": cleaned},
		}, nil
	default:
		return nil, fmt.Errorf("不支持的操作 %s", operation)
	}
}
