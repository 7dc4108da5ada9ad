package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"ragstream/pkg/contract"
)

// 协作方端点（相对 path_prefix）。
const (
	pathStream         = "/stream_query"
	pathStreamMultiHop = "/stream_multihop_query"
	pathQuery          = "/query"
	pathQueryMultiHop  = "/multihop_query"
	pathFeedback       = "/feedback"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string `json:"base_url"`        // 例如 http://localhost:8000
	PathPrefix     string `json:"path_prefix"`     // 默认 /api
	TimeoutSeconds int    `json:"timeout_seconds"` // 整个请求（含流式正文）的超时；默认 300
	// ReadBufferBytes: 单次读取缓冲大小（决定分片上限），默认 4096。
	ReadBufferBytes int               `json:"read_buffer_bytes"`
	ExtraHeaders    map[string]string `json:"extra_headers"` // 追加/覆盖请求头（例如网关鉴权）
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "http://localhost:8000"
	}
	if o.PathPrefix == "" {
		o.PathPrefix = "/api"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 300
	}
	if o.ReadBufferBytes <= 0 {
		o.ReadBufferBytes = 4096
	}
}

// Client: 面向问答服务的 HTTP 传输。
type Client struct {
	hc     *http.Client
	base   string
	extraH map[string]string
	bufSz  int
	do     func(*http.Request) (*http.Response, error)
}

var (
	_ contract.Transport    = (*Client)(nil)
	_ contract.FeedbackSink = (*Client)(nil)
)

// New 从原样 JSON 选项构造客户端（严格拒绝未知字段）。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("http transport options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	opts.defaults()
	u, err := url.Parse(opts.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("http transport: invalid base_url %q: %w", opts.BaseURL, contract.ErrInvalidInput)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	// 健壮拼接，确保恰好一个斜杠
	base := strings.TrimRight(opts.BaseURL, "/") + "/" + strings.Trim(opts.PathPrefix, "/")
	return &Client{
		hc:     hc,
		base:   strings.TrimRight(base, "/"),
		extraH: opts.ExtraHeaders,
		bufSz:  opts.ReadBufferBytes,
		do:     hc.Do,
	}, nil
}

// Endpoint 返回查询对应的完整 URL。
func (c *Client) Endpoint(q contract.Query, streaming bool) string {
	p := pathQuery
	switch {
	case streaming && q.MultiHop:
		p = pathStreamMultiHop
	case streaming:
		p = pathStream
	case q.MultiHop:
		p = pathQueryMultiHop
	}
	return c.base + p
}

// upstreamError 承载非 2xx 状态；Unwrap 返回分类哨兵，便于 errors.Is 判定。
// 同时实现 net.Error：408/5xx 视为网络类问题。
type upstreamError struct {
	status int
	msg    string
	kind   error
}

func (e upstreamError) Error() string {
	return fmt.Sprintf("upstream %d: %s", e.status, e.msg)
}
func (e upstreamError) Unwrap() error           { return e.kind }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func (c *Client) post(ctx context.Context, endpoint, accept string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	for k, v := range c.extraH {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}
	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
		}
		return nil, fmt.Errorf("%w: %w", contract.ErrTransport, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		// 读取少量响应体辅助定位
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		ue := upstreamError{status: resp.StatusCode, msg: strings.TrimSpace(string(slurp))}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			ue.kind = contract.ErrRateLimited
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5:
			ue.kind = contract.ErrTransport
		default:
			ue.kind = contract.ErrInvalidInput
		}
		return nil, ue
	}
	return resp, nil
}

func prepare(q contract.Query) (contract.Query, error) {
	q = q.WithDefaults()
	if err := contract.ValidateQuery(q); err != nil {
		return q, err
	}
	return q, nil
}

// OpenStream 发起流式请求；非 2xx 在读取任何正文前以错误返回。
func (c *Client) OpenStream(ctx context.Context, q contract.Query) (contract.RawStream, error) {
	q, err := prepare(q)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, c.Endpoint(q, true), "text/plain", q)
	if err != nil {
		return nil, err
	}
	return &stream{body: resp.Body, buf: make([]byte, c.bufSz)}, nil
}

// Query 发起非流式请求并解析单 JSON 结果。
func (c *Client) Query(ctx context.Context, q contract.Query) (contract.QueryResult, error) {
	q, err := prepare(q)
	if err != nil {
		return contract.QueryResult{}, err
	}
	resp, err := c.post(ctx, c.Endpoint(q, false), "application/json", q)
	if err != nil {
		return contract.QueryResult{}, err
	}
	defer resp.Body.Close()
	var res contract.QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return contract.QueryResult{}, cerr
		}
		return contract.QueryResult{}, fmt.Errorf("decode: %v: %w", err, contract.ErrResponseInvalid)
	}
	return res, nil
}

// SendFeedback 提交评价。
func (c *Client) SendFeedback(ctx context.Context, fb contract.Feedback) error {
	resp, err := c.post(ctx, c.base+pathFeedback, "application/json", fb)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return nil
}

// stream: HTTP 正文上的 RawStream；分片总在 UTF-8 字符边界处切开。
type stream struct {
	body    io.ReadCloser
	buf     []byte
	pending []byte
	eof     bool
	rerr    error

	once sync.Once
	cerr error
}

func (s *stream) Next() (string, bool, error) {
	if s.rerr != nil {
		return "", false, s.rerr
	}
	if s.eof {
		return "", true, nil
	}
	n, err := s.body.Read(s.buf)
	var data []byte
	if n > 0 {
		data = append(s.pending, s.buf[:n]...)
		s.pending = nil
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.eof = true
			// 末尾残留的不完整字节原样交出，不丢弃
			if len(data) == 0 && len(s.pending) > 0 {
				data, s.pending = s.pending, nil
			}
			return string(data), true, nil
		}
		werr := fmt.Errorf("%w: read body: %w", contract.ErrTransport, err)
		if len(data) > 0 {
			// 先交出已读到的内容，下次调用再报告失败
			s.rerr = werr
			return string(data), false, nil
		}
		return "", false, werr
	}
	cut := completeUTF8(data)
	if cut < len(data) {
		s.pending = append([]byte(nil), data[cut:]...)
	}
	return string(data[:cut]), false, nil
}

func (s *stream) Close() error {
	s.once.Do(func() { s.cerr = s.body.Close() })
	return s.cerr
}

// completeUTF8 返回 b 中以完整字符结尾的最长前缀长度。
// 只检查末尾至多 3 个字节：其余位置的非法字节原样透传。
func completeUTF8(b []byte) int {
	n := len(b)
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		c := b[i]
		if c < utf8.RuneSelf {
			return n
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[i:]) {
				return n
			}
			return i
		}
	}
	return n
}
