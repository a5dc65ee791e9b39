package event

import (
	"encoding/json"
	"strings"
)

// RedactedValue 替换敏感字段的值。
const RedactedValue = "[REDACTED]"

var sensitiveFragments = []string{"key", "secret", "password", "token"}

// Sanitize 将任意值转换为 JSON 通用结构并对敏感字段脱敏。
func Sanitize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return Redact(generic), nil
}

// Redact 递归处理 map 与切片。嵌套结构先被展开处理，
// 标量值在键名包含敏感片段时被替换。
func Redact(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			switch item.(type) {
			case map[string]any, []any:
				out[k] = Redact(item)
			default:
				if IsSensitiveKey(k) {
					out[k] = RedactedValue
				} else {
					out[k] = item
				}
			}
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = Redact(item)
		}
		return out
	default:
		return v
	}
}

// IsSensitiveKey 判断键名是否包含敏感片段，大小写不敏感。
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
