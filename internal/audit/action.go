package audit

import (
	"sort"
	"strconv"
	"time"
)

// ActionKind 审计动作类型（闭合枚举）
type ActionKind string

const (
	ActionCreate       ActionKind = "create"
	ActionUpdate       ActionKind = "update"
	ActionDelete       ActionKind = "delete"
	ActionExport       ActionKind = "export"
	ActionPrint        ActionKind = "print"
	ActionApprove      ActionKind = "approve"
	ActionReject       ActionKind = "reject"
	ActionPost         ActionKind = "post"
	ActionSync         ActionKind = "sync"
	ActionLoginSuccess ActionKind = "login_success"
	ActionLoginFailure ActionKind = "login_failure"
)

var validActions = map[ActionKind]bool{
	ActionCreate:       true,
	ActionUpdate:       true,
	ActionDelete:       true,
	ActionExport:       true,
	ActionPrint:        true,
	ActionApprove:      true,
	ActionReject:       true,
	ActionPost:         true,
	ActionSync:         true,
	ActionLoginSuccess: true,
	ActionLoginFailure: true,
}

// Valid 判断动作类型是否在枚举范围内
func (k ActionKind) Valid() bool {
	return validActions[k]
}

// ValueKind 字段值的类型标签
type ValueKind string

const (
	ValueNull   ValueKind = "null"
	ValueString ValueKind = "string"
	ValueNumber ValueKind = "number"
	ValueBool   ValueKind = "bool"
	ValueTime   ValueKind = "time"
)

// Value 字段变更中的单个值
//
// 所有值统一携带类型标签与规范化文本形式，避免 map/interface
// 序列化顺序不定导致哈希不可复现。
type Value struct {
	Kind ValueKind `json:"kind"`
	Text string    `json:"text"`
}

// NullValue 空值
func NullValue() Value {
	return Value{Kind: ValueNull}
}

// StringValue 字符串值
func StringValue(s string) Value {
	return Value{Kind: ValueString, Text: s}
}

// NumberValue 数值，采用最短往返十进制表示
func NumberValue(f float64) Value {
	return Value{Kind: ValueNumber, Text: strconv.FormatFloat(f, 'g', -1, 64)}
}

// IntValue 整数值
func IntValue(i int64) Value {
	return Value{Kind: ValueNumber, Text: strconv.FormatInt(i, 10)}
}

// BoolValue 布尔值
func BoolValue(b bool) Value {
	return Value{Kind: ValueBool, Text: strconv.FormatBool(b)}
}

// TimeValue 时间值，统一 UTC 微秒精度
func TimeValue(t time.Time) Value {
	return Value{Kind: ValueTime, Text: t.UTC().Format(canonicalTimeLayout)}
}

// FieldChange 单个字段的变更三元组
type FieldChange struct {
	Field  string `json:"field"`
	Before Value  `json:"before"`
	After  Value  `json:"after"`
}

// sortFieldChanges 按字段名排序，保证规范化序列化的顺序稳定
func sortFieldChanges(changes []FieldChange) []FieldChange {
	if len(changes) == 0 {
		return nil
	}
	sorted := make([]FieldChange, len(changes))
	copy(sorted, changes)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Field < sorted[j].Field
	})
	return sorted
}
