package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"ragstream/pkg/contract"
)

// DefaultSentinel 与 ctxjson 解码器默认标记一致。
const DefaultSentinel = "[[CTXJSON]]"

// Script: 脚本化的协作方响应（离线联调与测试用）。
type Script struct {
	Answer    string              `json:"answer"`
	Contexts  []string            `json:"contexts"`
	Metadatas []contract.Metadata `json:"metadatas"`
	DB        string              `json:"db"`
	// ChunkBytes: 流式分片大小（按字符边界向下取整），默认 16。
	ChunkBytes int `json:"chunk_bytes"`
	// HeaderMode: ""（正常）| "none"（无头部）| "malformed"（头部 JSON 损坏）。
	HeaderMode string `json:"header_mode"`
	// EchoQuery: 答案为空时回显问题（便于区分并发会话）。
	EchoQuery bool `json:"echo_query"`
	// DelayMS: 每个分片之间的延迟。
	DelayMS int `json:"delay_ms"`
}

// Options: 最小调试配置（可选）。
type Options struct {
	Script
}

func (s *Script) defaults() {
	if s.ChunkBytes <= 0 {
		s.ChunkBytes = 16
	}
	if s.Answer == "" && len(s.Contexts) == 0 && !s.EchoQuery {
		s.Answer = "MOCK answer citing [1]."
		s.Contexts = []string{"MOCK context one."}
		s.Metadatas = []contract.Metadata{{"source": "mock.txt", "chunk": 0}}
	}
}

// Validate 校验脚本取值。
func (s Script) Validate() error {
	switch s.HeaderMode {
	case "", "none", "malformed":
	default:
		return fmt.Errorf("mock: unknown header_mode %q: %w", s.HeaderMode, contract.ErrInvalidInput)
	}
	if s.DelayMS < 0 {
		return fmt.Errorf("mock: delay_ms < 0: %w", contract.ErrInvalidInput)
	}
	return nil
}

// AnswerFor 返回针对问题的答案文本。
func (s Script) AnswerFor(q contract.Query) string {
	if s.Answer == "" && s.EchoQuery {
		return "echo: " + q.Query
	}
	return s.Answer
}

// Result 返回 JSON 模式结果。
func (s Script) Result(q contract.Query) contract.QueryResult {
	return contract.QueryResult{Answer: s.AnswerFor(q), Contexts: s.Contexts, Metadatas: s.Metadatas, DB: s.DB}
}

// Body 返回流式模式的完整正文（头部行 + 答案）。
func (s Script) Body(q contract.Query) string {
	var sb strings.Builder
	switch s.HeaderMode {
	case "none":
	case "malformed":
		sb.WriteString(DefaultSentinel + `{"contexts":[` + "\n")
	default:
		h := contract.Header{Contexts: s.Contexts, Metadatas: s.Metadatas, DB: s.DB}
		if h.Contexts == nil {
			h.Contexts = []string{}
		}
		if h.Metadatas == nil {
			h.Metadatas = []contract.Metadata{}
		}
		b, _ := json.Marshal(h)
		sb.WriteString(DefaultSentinel)
		sb.Write(b)
		sb.WriteByte('\n')
	}
	sb.WriteString(s.AnswerFor(q))
	return sb.String()
}

// Chunks 将正文按字符边界切为不超过 ChunkBytes 的分片（单个字符超出时独占一片）。
func (s Script) Chunks(body string) []string {
	size := s.ChunkBytes
	if size <= 0 {
		size = 16
	}
	var out []string
	for len(body) > 0 {
		n := size
		if n >= len(body) {
			out = append(out, body)
			break
		}
		for n > 0 && !utf8.RuneStart(body[n]) {
			n--
		}
		if n == 0 {
			_, n = utf8.DecodeRuneInString(body)
		}
		out = append(out, body[:n])
		body = body[n:]
	}
	return out
}

// Client: 内存传输，按脚本产出响应；并发安全。
type Client struct {
	script Script

	mu        sync.Mutex
	feedbacks []contract.Feedback
}

var (
	_ contract.Transport    = (*Client)(nil)
	_ contract.FeedbackSink = (*Client)(nil)
)

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("mock options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	o.defaults()
	return &Client{script: o.Script}, nil
}

// NewWithScript 直接以脚本构造（测试用）。
func NewWithScript(s Script) *Client {
	s.defaults()
	return &Client{script: s}
}

// Script 返回生效的脚本。
func (c *Client) Script() Script { return c.script }

func (c *Client) OpenStream(ctx context.Context, q contract.Query) (contract.RawStream, error) {
	q = q.WithDefaults()
	if err := contract.ValidateQuery(q); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	delay := time.Duration(c.script.DelayMS) * time.Millisecond
	return NewStream(c.script.Chunks(c.script.Body(q)), delay), nil
}

func (c *Client) Query(ctx context.Context, q contract.Query) (contract.QueryResult, error) {
	q = q.WithDefaults()
	if err := contract.ValidateQuery(q); err != nil {
		return contract.QueryResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return contract.QueryResult{}, err
	}
	// 经由 JSON 往返，与线上结果的数值类型一致
	b, err := json.Marshal(c.script.Result(q))
	if err != nil {
		return contract.QueryResult{}, fmt.Errorf("mock: encode result: %v: %w", err, contract.ErrResponseInvalid)
	}
	var res contract.QueryResult
	if err := json.Unmarshal(b, &res); err != nil {
		return contract.QueryResult{}, fmt.Errorf("mock: decode result: %v: %w", err, contract.ErrResponseInvalid)
	}
	return res, nil
}

// SendFeedback 记录评价（内存）。
func (c *Client) SendFeedback(ctx context.Context, fb contract.Feedback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.feedbacks = append(c.feedbacks, fb)
	c.mu.Unlock()
	return nil
}

// Feedbacks 返回已记录的评价副本。
func (c *Client) Feedbacks() []contract.Feedback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]contract.Feedback(nil), c.feedbacks...)
}

// Stream: 切片上的 RawStream；Close 使阻塞在延迟中的 Next 立即返回。
type Stream struct {
	chunks []string
	delay  time.Duration

	i      int
	once   sync.Once
	closed chan struct{}
}

// NewStream 构造内存流。
func NewStream(chunks []string, delay time.Duration) *Stream {
	return &Stream{chunks: chunks, delay: delay, closed: make(chan struct{})}
}

func (s *Stream) Next() (string, bool, error) {
	select {
	case <-s.closed:
		return "", false, fmt.Errorf("mock stream closed: %w", contract.ErrTransport)
	default:
	}
	if s.i >= len(s.chunks) {
		return "", true, nil
	}
	if s.delay > 0 && s.i > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-s.closed:
			t.Stop()
			return "", false, fmt.Errorf("mock stream closed: %w", contract.ErrTransport)
		case <-t.C:
		}
	}
	c := s.chunks[s.i]
	s.i++
	return c, false, nil
}

func (s *Stream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
