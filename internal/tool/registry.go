package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	xerrors "CogniVerve/internal/errors"
)

const defaultDispatchTimeout = 30 * time.Second

const (
	CodeToolDuplicate    xerrors.Code = "TOOL_DUPLICATE"
	CodeToolNotFound     xerrors.Code = "TOOL_NOT_FOUND"
	CodeToolNotAllowed   xerrors.Code = "TOOL_NOT_ALLOWED"
	CodeSchemaValidation xerrors.Code = "SCHEMA_VALIDATION_FAILED"
	CodeToolExecution    xerrors.Code = "TOOL_EXECUTION_FAILED"
	CodeToolTimeout      xerrors.Code = "TOOL_TIMEOUT"
)

func init() {
	xerrors.Register(CodeToolDuplicate, xerrors.Attributes{
		Message:   "tool already registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{
		Message:   "tool not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolNotAllowed, xerrors.Attributes{
		Message:   "tool not in agent allow list",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSchemaValidation, xerrors.Attributes{
		Message:   "tool parameters failed schema validation",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolExecution, xerrors.Attributes{
		Message:   "tool execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolTimeout, xerrors.Attributes{
		Message:   "tool execution timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Call 携带一次工具调用的主体信息与调用侧约束。
type Call struct {
	TaskID       string
	AgentID      string
	OwnerID      string
	AllowedTools []string
	Timeout      time.Duration
}

func (c Call) allows(name string) bool {
	for _, allowed := range c.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}

// SideEffects 是处理器上报的资源消耗，供用量计量使用。
type SideEffects struct {
	ComputeSeconds float64 `json:"compute_seconds"`
	BytesProcessed int64   `json:"bytes_processed"`
}

// Outcome 是一次工具调用的结果与附带元数据。
type Outcome struct {
	Output   any            `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Usage    SideEffects    `json:"usage"`
}

// Handler 定义了工具处理器的能力边界。
type Handler interface {
	Execute(ctx context.Context, params map[string]any, call Call) (*Outcome, error)
}

// HandlerFunc 允许用函数直接充当处理器。
type HandlerFunc func(ctx context.Context, params map[string]any, call Call) (*Outcome, error)

// Execute 实现 Handler 接口。
func (f HandlerFunc) Execute(ctx context.Context, params map[string]any, call Call) (*Outcome, error) {
	return f(ctx, params, call)
}

// Definition 描述一个已注册工具的静态信息。
type Definition struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Schema      Schema `json:"schema"`
}

type registration struct {
	def     Definition
	handler Handler
	active  bool
}

// Registry 保存全部工具定义，并将经过校验的调用路由到处理器。
// 注册发生在启动阶段；分发阶段只读，可被多个执行器并发使用。
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]*registration
	defaultTimeout time.Duration
}

// RegistryOption 定义可选配置。
type RegistryOption func(*Registry)

// WithDispatchTimeout 设置未显式指定时的单次调用超时。
func WithDispatchTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		if timeout > 0 {
			r.defaultTimeout = timeout
		}
	}
}

// NewRegistry 创建工具注册表。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:          make(map[string]*registration),
		defaultTimeout: defaultDispatchTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register 注册一个工具。名称重复时返回 TOOL_DUPLICATE。
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	if handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具处理器不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[def.Name]; ok {
		return xerrors.New(CodeToolDuplicate, fmt.Sprintf("工具 %s 已注册", def.Name))
	}
	r.tools[def.Name] = &registration{def: def, handler: handler, active: true}
	return nil
}

// Deactivate 将工具下线；后续分发按未注册处理。
func (r *Registry) Deactivate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.tools[name]; ok {
		reg.active = false
	}
}

// Definitions 返回允许集合中仍然在线的工具定义，按入参顺序排列。
// allowed 为 nil 时返回全部在线工具。
func (r *Registry) Definitions(allowed []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if allowed == nil {
		results := make([]Definition, 0, len(r.tools))
		for _, reg := range r.tools {
			if reg.active {
				results = append(results, reg.def)
			}
		}
		return results
	}
	results := make([]Definition, 0, len(allowed))
	for _, name := range allowed {
		if reg, ok := r.tools[name]; ok && reg.active {
			results = append(results, reg.def)
		}
	}
	return results
}

// Dispatch 校验并执行一次工具调用。校验顺序：存在性、允许集合、参数
// 结构；随后在单次超时约束下执行处理器。超时只放弃等待，不强杀处理器
// 协程，由处理器自行感知上下文取消。
func (r *Registry) Dispatch(ctx context.Context, name string, params map[string]any, call Call) (*Outcome, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok || !reg.active {
		return nil, xerrors.New(CodeToolNotFound, fmt.Sprintf("工具 %s 未注册或已下线", name))
	}
	if !call.allows(name) {
		return nil, xerrors.New(CodeToolNotAllowed, fmt.Sprintf("工具 %s 不在智能体的允许集合内", name))
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := reg.def.Schema.Validate(params); err != nil {
		return nil, err
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		outcome *Outcome
		err     error
	}
	done := make(chan execResult, 1)
	go func() {
		outcome, err := reg.handler.Execute(execCtx, params, call)
		done <- execResult{outcome: outcome, err: err}
	}()

	select {
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.New(CodeToolTimeout,
			fmt.Sprintf("工具 %s 在 %s 内未返回", name, timeout))
	case result := <-done:
		if result.err != nil {
			if _, ok := xerrors.From(result.err); ok {
				return nil, result.err
			}
			return nil, xerrors.Wrap(CodeToolExecution, result.err,
				fmt.Sprintf("工具 %s 执行失败", name))
		}
		if result.outcome == nil {
			return nil, xerrors.New(CodeToolExecution, fmt.Sprintf("工具 %s 未返回结果", name))
		}
		return result.outcome, nil
	}
}
