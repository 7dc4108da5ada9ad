package ctxjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"ragstream/pkg/contract"
)

// DefaultSentinel: 头部帧起始标记。
const DefaultSentinel = "[[CTXJSON]]"

// Options: 解码器选项（均可为空）。
type Options struct {
	// Sentinel: 覆盖默认标记；空则使用 DefaultSentinel。
	Sentinel string `json:"sentinel"`
	// RepairHeader: 头部 JSON 解析失败时先尝试修复，再降级为空头部。
	RepairHeader bool `json:"repair_header"`
	// MaxHeaderBytes: 头部行（含标记与换行）须在流的前 N 字节内结束；
	// 超出即放弃头部，缓冲整体作为正文。0 表示不限制。
	MaxHeaderBytes int `json:"max_header_bytes"`
}

// State: 解码器状态。
type State int

const (
	AwaitingHeader State = iota
	StreamingBody
)

func (s State) String() string {
	if s == StreamingBody {
		return "streaming_body"
	}
	return "awaiting_header"
}

// Decoder: 单响应帧解码器（非并发安全，仅由一个消费循环持有）。
type Decoder struct {
	sentinel string
	repair   bool
	maxHdr   int

	state  State
	buf    strings.Builder
	header *contract.Header

	// 增量查找位置：避免每个分片都从缓冲起点重新扫描。
	sentFrom int
	sentAt   int // -1 表示尚未找到
	nlFrom   int
}

// New 按选项构造解码器；opts 可为 nil。
func New(opts *Options) *Decoder {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Sentinel == "" {
		o.Sentinel = DefaultSentinel
	}
	return &Decoder{sentinel: o.Sentinel, repair: o.RepairHeader, maxHdr: o.MaxHeaderBytes, sentAt: -1}
}

// Factory 从原样 JSON 选项构造解码器工厂（严格拒绝未知字段）。
func Factory(raw json.RawMessage) (contract.NewFrameDecoder, error) {
	var opts Options
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("ctxjson options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	if opts.MaxHeaderBytes < 0 {
		return nil, fmt.Errorf("ctxjson options: max_header_bytes < 0: %w", contract.ErrInvalidInput)
	}
	return func() contract.FrameDecoder { return New(&opts) }, nil
}

var _ contract.FrameDecoder = (*Decoder)(nil)

// State 返回当前状态。
func (d *Decoder) State() State { return d.state }

// Header 返回已解析的头部（未就绪或无头部时为 nil）。
func (d *Decoder) Header() *contract.Header { return d.header }

// Feed 处理一个到达的分片。
// 等待头部时内容只缓冲不丢弃；头部就绪后，标记之前与换行之后的缓冲内容一并作为首个正文增量。
func (d *Decoder) Feed(chunk string) contract.Frame {
	if d.state == StreamingBody {
		return contract.Frame{Text: chunk}
	}
	d.buf.WriteString(chunk)
	s := d.buf.String()

	if d.sentAt < 0 {
		i := strings.Index(s[d.sentFrom:], d.sentinel)
		if i < 0 {
			// 下次从可能的部分标记处继续
			if n := len(s) - len(d.sentinel) + 1; n > d.sentFrom {
				d.sentFrom = n
			}
			return d.overflow(s)
		}
		d.sentAt = d.sentFrom + i
		d.nlFrom = d.sentAt + len(d.sentinel)
	}

	j := strings.IndexByte(s[d.nlFrom:], '\n')
	if j < 0 {
		d.nlFrom = len(s)
		return d.overflow(s)
	}
	nl := d.nlFrom + j
	if d.maxHdr > 0 && nl+1 > d.maxHdr {
		return d.giveUp(s)
	}

	line := s[d.sentAt+len(d.sentinel) : nl]
	d.header = d.parseHeader(line)
	d.state = StreamingBody
	text := s[:d.sentAt] + s[nl+1:]
	d.buf.Reset()
	return contract.Frame{HeaderReady: true, Header: d.header, Text: text}
}

// Flush 在传输结束时调用；若从未见到完整头部，缓冲内容整体成为正文。
func (d *Decoder) Flush() contract.Frame {
	if d.state == StreamingBody {
		return contract.Frame{}
	}
	text := d.buf.String()
	d.buf.Reset()
	d.state = StreamingBody
	return contract.Frame{Text: text}
}

// overflow: 缓冲超过头部上限且头部行仍未结束时放弃等待。
func (d *Decoder) overflow(s string) contract.Frame {
	if d.maxHdr > 0 && len(s) >= d.maxHdr {
		return d.giveUp(s)
	}
	return contract.Frame{}
}

func (d *Decoder) giveUp(s string) contract.Frame {
	d.state = StreamingBody
	d.buf.Reset()
	return contract.Frame{Text: s}
}

// parseHeader 解析头部 JSON 行；失败不致命，降级为空头部。
func (d *Decoder) parseHeader(line string) *contract.Header {
	var h contract.Header
	if err := json.Unmarshal([]byte(line), &h); err != nil {
		if !d.repair {
			return contract.EmptyHeader()
		}
		fixed, rerr := jsonrepair.JSONRepair(line)
		if rerr != nil {
			return contract.EmptyHeader()
		}
		h = contract.Header{}
		if err := json.Unmarshal([]byte(fixed), &h); err != nil {
			return contract.EmptyHeader()
		}
	}
	if h.Contexts == nil {
		h.Contexts = []string{}
	}
	if h.Metadatas == nil {
		h.Metadatas = []contract.Metadata{}
	}
	return &h
}
