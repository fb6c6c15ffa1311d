package tool

import (
	"encoding/json"
	"fmt"
	"strings"

	xerrors "CogniVerve/internal/errors"
)

// Property 描述参数结构中的一个字段。
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

// Schema 是工具参数的声明式描述，采用 JSON Schema 的一个子集：
// 类型、必填字段、枚举与数值范围。
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Validate 校验参数是否满足声明的结构。
func (s Schema) Validate(params map[string]any) error {
	for _, name := range s.Required {
		if _, ok := params[name]; !ok {
			return xerrors.New(CodeSchemaValidation, fmt.Sprintf("缺少必填参数 %s", name))
		}
	}
	for name, value := range params {
		prop, ok := s.Properties[name]
		if !ok {
			return xerrors.New(CodeSchemaValidation, fmt.Sprintf("未声明的参数 %s", name))
		}
		if err := prop.validate(name, value); err != nil {
			return err
		}
	}
	return nil
}

func (p Property) validate(name string, value any) error {
	switch p.Type {
	case "string":
		text, ok := value.(string)
		if !ok {
			return typeMismatch(name, p.Type)
		}
		if len(p.Enum) > 0 && !containsString(p.Enum, text) {
			return xerrors.New(CodeSchemaValidation,
				fmt.Sprintf("参数 %s 必须是以下之一: %s", name, strings.Join(p.Enum, ", ")))
		}
	case "integer":
		num, ok := asNumber(value)
		if !ok || num != float64(int64(num)) {
			return typeMismatch(name, p.Type)
		}
		return p.checkRange(name, num)
	case "number":
		num, ok := asNumber(value)
		if !ok {
			return typeMismatch(name, p.Type)
		}
		return p.checkRange(name, num)
	case "boolean":
		if _, ok := value.(bool); !ok {
			return typeMismatch(name, p.Type)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return typeMismatch(name, p.Type)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return typeMismatch(name, p.Type)
		}
	}
	return nil
}

func (p Property) checkRange(name string, num float64) error {
	if p.Minimum != nil && num < *p.Minimum {
		return xerrors.New(CodeSchemaValidation, fmt.Sprintf("参数 %s 不能小于 %v", name, *p.Minimum))
	}
	if p.Maximum != nil && num > *p.Maximum {
		return xerrors.New(CodeSchemaValidation, fmt.Sprintf("参数 %s 不能大于 %v", name, *p.Maximum))
	}
	return nil
}

// AsMap 将结构描述转换为可直接注入提示词的 JSON Schema 映射。
func (s Schema) AsMap() map[string]any {
	properties := make(map[string]any, len(s.Properties))
	for name, prop := range s.Properties {
		entry := map[string]any{"type": prop.Type}
		if prop.Description != "" {
			entry["description"] = prop.Description
		}
		if len(prop.Enum) > 0 {
			entry["enum"] = prop.Enum
		}
		if prop.Minimum != nil {
			entry["minimum"] = *prop.Minimum
		}
		if prop.Maximum != nil {
			entry["maximum"] = *prop.Maximum
		}
		if prop.Default != nil {
			entry["default"] = prop.Default
		}
		properties[name] = entry
	}
	schemaType := s.Type
	if schemaType == "" {
		schemaType = "object"
	}
	result := map[string]any{
		"type":       schemaType,
		"properties": properties,
	}
	if len(s.Required) > 0 {
		result["required"] = s.Required
	}
	return result
}

func typeMismatch(name, expected string) error {
	return xerrors.New(CodeSchemaValidation, fmt.Sprintf("参数 %s 类型错误，期望 %s", name, expected))
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
