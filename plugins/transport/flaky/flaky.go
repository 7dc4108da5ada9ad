package flaky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"ragstream/pkg/contract"
	"ragstream/plugins/transport/mock"
)

// Options 定义可选项。
type Options struct {
	mock.Script
	// FailAfterChunks: 第二次流式调用在交出该数量的分片后中断（默认 2）。
	FailAfterChunks int `json:"fail_after_chunks"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的传输实现：
// 第一次调用返回 ErrRateLimited（等同上游 429）；
// 第二次流式调用在若干分片后中断（ErrTransport），JSON 调用返回无法解析的结果（ErrResponseInvalid）；
// 之后按脚本正常返回。
type Client struct {
	inner     *mock.Client
	failAfter int
	logPath   string
	count     atomic.Int32
}

var _ contract.Transport = (*Client)(nil)

// New 构造 Client。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("flaky options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	if err := o.Script.Validate(); err != nil {
		return nil, err
	}
	if o.FailAfterChunks <= 0 {
		o.FailAfterChunks = 2
	}
	return &Client{inner: mock.NewWithScript(o.Script), failAfter: o.FailAfterChunks, logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// OpenStream 实现 contract.Transport。
func (c *Client) OpenStream(ctx context.Context, q contract.Query) (contract.RawStream, error) {
	switch c.count.Add(1) {
	case 1:
		c.log("rate_limited")
		return nil, fmt.Errorf("flaky: upstream 429: %w", contract.ErrRateLimited)
	case 2:
		c.log("broken_stream")
		s, err := c.inner.OpenStream(ctx, q)
		if err != nil {
			return nil, err
		}
		return &broken{RawStream: s, left: c.failAfter}, nil
	default:
		c.log("ok")
		return c.inner.OpenStream(ctx, q)
	}
}

// Query 实现 contract.Transport。
func (c *Client) Query(ctx context.Context, q contract.Query) (contract.QueryResult, error) {
	switch c.count.Add(1) {
	case 1:
		c.log("rate_limited")
		return contract.QueryResult{}, fmt.Errorf("flaky: upstream 429: %w", contract.ErrRateLimited)
	case 2:
		c.log("invalid_json")
		return contract.QueryResult{}, fmt.Errorf("flaky: decode: %w", contract.ErrResponseInvalid)
	default:
		c.log("ok")
		return c.inner.Query(ctx, q)
	}
}

// broken 在交出 left 个分片后返回传输错误。
type broken struct {
	contract.RawStream
	left int
}

func (b *broken) Next() (string, bool, error) {
	if b.left <= 0 {
		return "", false, fmt.Errorf("flaky: connection reset: %w", contract.ErrTransport)
	}
	chunk, done, err := b.RawStream.Next()
	if err != nil || done {
		return chunk, done, err
	}
	b.left--
	return chunk, false, nil
}
