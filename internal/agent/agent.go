package agent

import (
	"strings"

	xerrors "CogniVerve/internal/errors"
)

// 默认的模型参数，与配置缺省保持一致。
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4000

	minTemperature = 0.0
	maxTemperature = 2.0
)

// Agent 是一份可复用的执行配置：指令、模型、温度与允许调用的工具集合。
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Instructions string   `json:"instructions"`
	Model        string   `json:"model"`
	Temperature  float64  `json:"temperature"`
	MaxTokens    int      `json:"max_tokens"`
	AllowedTools []string `json:"allowed_tools"`
	OwnerID      string   `json:"owner_id"`
	Public       bool     `json:"public"`
	Active       bool     `json:"active"`
	CreatedAt    int64    `json:"created_at"`
	UpdatedAt    int64    `json:"updated_at"`
}

var (
	// ErrAgentNotFound 表示指定的智能体不存在或当前所有者不可见。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
)

const (
	CodeAgentNotFound   xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentValidation xerrors.Code = "VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "agent not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAgentValidation, xerrors.Attributes{
		Message:   "validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Normalize 填充缺省的模型参数。
func (a *Agent) Normalize() {
	if strings.TrimSpace(a.Model) == "" {
		a.Model = DefaultModel
	}
	if a.Temperature == 0 {
		a.Temperature = DefaultTemperature
	}
	if a.MaxTokens <= 0 {
		a.MaxTokens = DefaultMaxTokens
	}
}

// Validate 校验智能体定义是否完整合法。
func (a *Agent) Validate() error {
	if a == nil {
		return xerrors.New(CodeAgentValidation, "agent 不能为空")
	}
	if strings.TrimSpace(a.Name) == "" {
		return xerrors.New(CodeAgentValidation, "智能体名称不能为空")
	}
	if strings.TrimSpace(a.Instructions) == "" {
		return xerrors.New(CodeAgentValidation, "智能体指令不能为空")
	}
	if strings.TrimSpace(a.OwnerID) == "" {
		return xerrors.New(CodeAgentValidation, "智能体所有者不能为空")
	}
	if a.Temperature < minTemperature || a.Temperature > maxTemperature {
		return xerrors.New(CodeAgentValidation, "温度必须位于 0.0 到 2.0 之间")
	}
	for _, name := range a.AllowedTools {
		if strings.TrimSpace(name) == "" {
			return xerrors.New(CodeAgentValidation, "允许工具列表包含空名称")
		}
	}
	return nil
}

// AllowsTool 判断工具名是否在允许集合内。
func (a *Agent) AllowsTool(name string) bool {
	for _, allowed := range a.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}

// Clone 返回智能体的一份值拷贝。执行器基于拷贝运行，任务执行期间
// 对原定义的修改不会影响运行中的任务。
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	clone.AllowedTools = append([]string(nil), a.AllowedTools...)
	return &clone
}

// VisibleTo 判断智能体对指定所有者是否可见。
func (a *Agent) VisibleTo(ownerID string) bool {
	if a == nil {
		return false
	}
	return a.Public || a.OwnerID == ownerID
}
