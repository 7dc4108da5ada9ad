package contract

import (
	"encoding/json"
	"fmt"
	"math"
)

// UnknownSource: 元信息缺少 source 时的占位来源名。
const UnknownSource = "(unknown)"

// Metadata: 单条检索片段的元信息（自由键值）。
// 核心流程仅读取 source 与 chunk 两个字段，其余键原样保留。
type Metadata map[string]any

// Source 返回 source 字段；缺失或为 null 时返回 UnknownSource。
// 非字符串值按默认格式渲染（与上游 JSON 的宽松类型保持一致）。
func (m Metadata) Source() string {
	v, ok := m["source"]
	if !ok || v == nil {
		return UnknownSource
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Chunk 返回 chunk 字段；仅当其为整数值时 ok=true。
func (m Metadata) Chunk() (int, bool) {
	switch v := m["chunk"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return int(v), true
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

// Header: 流式响应前置的一次性边车载荷（检索上下文 + 元信息）。
// 每个响应至多出现一次；nil 表示无头部，属于合法状态。
type Header struct {
	Contexts  []string   `json:"contexts"`
	Metadatas []Metadata `json:"metadatas"`
	// DB: 上游附带的知识库名（可选，核心不解释）。
	DB string `json:"db,omitempty"`
}

// EmptyHeader 返回头部解析失败时的降级值（空切片，非 nil）。
func EmptyHeader() *Header {
	return &Header{Contexts: []string{}, Metadatas: []Metadata{}}
}

// Citation: 从答案中的 [n] 标记解析得到的引用记录。
// Index 为标记中的字面值（1 起），不是输出列表中的位置。
type Citation struct {
	Index  int    `json:"index"`
	Source string `json:"source"`
	Chunk  *int   `json:"chunk,omitempty"`
}

// QueryResult: 非流式（单 JSON）响应体。
type QueryResult struct {
	Answer    string     `json:"answer"`
	Contexts  []string   `json:"contexts"`
	Metadatas []Metadata `json:"metadatas"`
	DB        string     `json:"db,omitempty"`
}

// Header 由 JSON 结果构造与流式路径等价的头部。
func (r QueryResult) Header() *Header {
	h := &Header{Contexts: r.Contexts, Metadatas: r.Metadatas, DB: r.DB}
	if h.Contexts == nil {
		h.Contexts = []string{}
	}
	if h.Metadatas == nil {
		h.Metadatas = []Metadata{}
	}
	return h
}

// Feedback: 针对单次回答的评价载荷（由会话对象生成，外部协作方负责持久化）。
type Feedback struct {
	Score     int      `json:"score"`
	Query     string   `json:"query"`
	Answer    string   `json:"answer"`
	Sources   []string `json:"sources"`
	Versions  []string `json:"versions,omitempty"`
	Languages []string `json:"languages,omitempty"`
	Method    string   `json:"method,omitempty"`
	K         int      `json:"k,omitempty"`
	DB        string   `json:"db,omitempty"`
	Comment   string   `json:"comment,omitempty"`
}
