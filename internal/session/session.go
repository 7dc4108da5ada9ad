// Package session 保存单次问答的上下文：请求、头部、答案、引用与待提交的评价。
// 每个响应独享一个 Session，取代全局的“上一次答案/元信息”。
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ragstream/internal/citation"
	"ragstream/pkg/contract"
)

// Session: 单次响应的上下文。写入方为消费循环所在的 goroutine；读取方法可并发调用。
type Session struct {
	ID        string
	Query     contract.Query
	StartedAt time.Time

	mu       sync.Mutex
	header   *contract.Header
	answer   strings.Builder
	resolver *citation.Resolver
	score    int
	done     bool
}

// New 以新的随机 ID 创建会话。
func New(q contract.Query) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Query:     q,
		StartedAt: time.Now(),
		resolver:  citation.NewResolver(nil),
	}
}

// FromResult 由非流式 JSON 结果构造已完成的会话；
// 头部与引用的构造方式与流式路径一致，故相同 (answer, metadatas) 得到相同引用。
func FromResult(q contract.Query, res contract.QueryResult) *Session {
	s := New(q)
	s.SetHeader(res.Header())
	s.AppendText(res.Answer)
	s.Finish()
	return s
}

// SetHeader 记录头部（深拷贝）；只接受第一次调用。
func (s *Session) SetHeader(h *contract.Header) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header != nil {
		return
	}
	s.header = contract.CloneHeader(h)
	s.resolver = citation.NewResolver(s.header.Metadatas)
	// 头部晚于部分正文到达时，已累积的答案需要重新解析
	s.resolver.Update(s.answer.String())
}

// AppendText 追加答案增量。
func (s *Session) AppendText(delta string) {
	if delta == "" {
		return
	}
	s.mu.Lock()
	s.answer.WriteString(delta)
	s.mu.Unlock()
}

// Finish 标记答案已完整。
func (s *Session) Finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
}

// Done 报告答案是否已完整。
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Header 返回头部；无头部时为 nil。
func (s *Session) Header() *contract.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

// Answer 返回当前累积的答案。
func (s *Session) Answer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answer.String()
}

// Citations 返回当前答案的引用；流式期间可反复调用，结果只追加。
func (s *Session) Citations() []contract.Citation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolver.Update(s.answer.String())
}

// Sources 返回头部元信息中的来源（去重，保持顺序）。
func (s *Session) Sources() []string {
	return distinct(s.Header(), func(m contract.Metadata) string {
		src := m.Source()
		if src == contract.UnknownSource {
			return ""
		}
		return src
	})
}

// SetFeedback 记录待提交的评价分值（+1 赞同 / -1 反对）。
func (s *Session) SetFeedback(score int) error {
	if score != 1 && score != -1 {
		return fmt.Errorf("feedback score %d not in {-1,1}: %w", score, contract.ErrInvalidInput)
	}
	s.mu.Lock()
	s.score = score
	s.mu.Unlock()
	return nil
}

// PendingScore 返回待提交的分值；0 表示尚未评价。
func (s *Session) PendingScore() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score
}

// Feedback 生成评价载荷；尚未 SetFeedback 或答案未完成时返回 ErrInvalidInput。
func (s *Session) Feedback(comment string) (contract.Feedback, error) {
	s.mu.Lock()
	score, done, answer := s.score, s.done, s.answer.String()
	s.mu.Unlock()
	if score == 0 {
		return contract.Feedback{}, fmt.Errorf("no feedback score set: %w", contract.ErrInvalidInput)
	}
	if !done {
		return contract.Feedback{}, fmt.Errorf("answer not finished: %w", contract.ErrInvalidInput)
	}
	h := s.Header()
	fb := contract.Feedback{
		Score:     score,
		Query:     s.Query.Query,
		Answer:    answer,
		Sources:   s.Sources(),
		Versions:  distinct(h, func(m contract.Metadata) string { return metaString(m, "version") }),
		Languages: distinct(h, func(m contract.Metadata) string { return metaString(m, "language") }),
		Method:    s.Query.Method,
		K:         s.Query.K,
		DB:        s.Query.DB,
		Comment:   strings.TrimSpace(comment),
	}
	if fb.DB == "" && h != nil {
		fb.DB = h.DB
	}
	return fb, nil
}

func distinct(h *contract.Header, key func(contract.Metadata) string) []string {
	out := []string{}
	if h == nil {
		return out
	}
	seen := make(map[string]struct{}, len(h.Metadatas))
	for _, m := range h.Metadatas {
		v := key(m)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func metaString(m contract.Metadata, k string) string {
	if s, ok := m[k].(string); ok {
		return s
	}
	return ""
}
