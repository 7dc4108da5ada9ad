// Package consumer 驱动单个流式响应：传输 → 帧解码 → 回调。
//
// - 单读：同一时刻至多一个 Next 在途，分片严格按到达顺序处理；
// - 头部信号：头部首次就绪即回调 OnHeader，不阻塞后续读取；
// - 完成：传输结束后 Flush 解码器，解析引用并回调 OnDone；
// - 取消：Cancel 或 ctx 取消均会恰好关闭一次传输并停止后续回调；
// - 资源：任何退出路径（完成/失败/取消）都会关闭传输。
package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ragstream/internal/citation"
	"ragstream/pkg/contract"
)

// State: 消费循环状态。
type State int32

const (
	Init State = iota
	Reading
	Done
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Reading:
		return "reading"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal 报告是否为终态。
func (s State) Terminal() bool { return s == Done || s == Cancelled || s == Failed }

// Handlers: 回调集合（均可为 nil）。所有回调在 Run 所在的 goroutine 中按序触发。
type Handlers struct {
	OnHeader func(h *contract.Header)
	OnText   func(delta string)
	OnDone   func(answer string, h *contract.Header, cites []contract.Citation)
	// OnError: 读取失败时触发一次；partial 为失败前已累积的答案。
	OnError func(err error, partial string)
}

// Outcome: 一次消费的最终结果。
// 失败或取消时 Answer 为已累积的部分答案；读取失败前已就绪的头部仍然有效。
type Outcome struct {
	State     State
	Header    *contract.Header
	Answer    string
	Citations []contract.Citation
	Err       error
	// HeaderLatency: 自 Run 开始至头部就绪的耗时；无头部时为 0。
	HeaderLatency time.Duration
	Elapsed       time.Duration
	Chunks        int
}

// Option: 循环选项。
type Option func(*Loop)

// WithClock 替换时钟（测试用）。
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// Loop: 单响应消费循环；Run 只能调用一次。
type Loop struct {
	stream contract.RawStream
	dec    contract.FrameDecoder
	h      Handlers
	now    func() time.Time

	state     atomic.Int32
	cancelled atomic.Bool
	ctxErr    atomic.Value // error
	closeOnce sync.Once
}

// New 绑定传输与解码器；二者均专属于本次响应。
func New(stream contract.RawStream, dec contract.FrameDecoder, h Handlers, opts ...Option) *Loop {
	l := &Loop{stream: stream, dec: dec, h: h, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// State 返回当前状态（可并发调用）。
func (l *Loop) State() State { return State(l.state.Load()) }

// Cancel 关闭传输并停止后续回调；可在任意 goroutine（包括回调内部）调用。
// 终态之后调用为 no-op。
func (l *Loop) Cancel() {
	if l.State().Terminal() {
		return
	}
	l.cancelled.Store(true)
	l.closeStream()
}

func (l *Loop) closeStream() {
	l.closeOnce.Do(func() {
		if l.stream != nil {
			_ = l.stream.Close()
		}
	})
}

// Run 消费整个响应直至终态。ctx 取消等价于 Cancel。
func (l *Loop) Run(ctx context.Context) Outcome {
	if l.stream == nil || l.dec == nil {
		l.state.Store(int32(Failed))
		return Outcome{State: Failed, Err: fmt.Errorf("consumer: nil stream or decoder: %w", contract.ErrInvalidInput)}
	}
	if !l.state.CompareAndSwap(int32(Init), int32(Reading)) {
		return Outcome{State: l.State(), Err: fmt.Errorf("consumer: loop already started: %w", contract.ErrInvalidInput)}
	}
	defer l.closeStream()

	if err := ctx.Err(); err != nil {
		l.ctxErr.Store(err)
		l.cancelled.Store(true)
		l.closeStream()
	} else if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			l.ctxErr.Store(ctx.Err())
			l.Cancel()
		})
		defer stop()
	}

	t0 := l.now()
	var (
		out    Outcome
		answer strings.Builder
	)
	emit := func(f contract.Frame) {
		if f.HeaderReady && out.Header == nil {
			out.Header = f.Header
			out.HeaderLatency = l.now().Sub(t0)
			if l.h.OnHeader != nil && !l.cancelled.Load() {
				l.h.OnHeader(f.Header)
			}
		}
		if f.Text != "" {
			answer.WriteString(f.Text)
			if l.h.OnText != nil && !l.cancelled.Load() {
				l.h.OnText(f.Text)
			}
		}
	}
	finish := func(st State, err error) Outcome {
		l.state.Store(int32(st))
		out.State = st
		out.Answer = answer.String()
		out.Err = err
		out.Elapsed = l.now().Sub(t0)
		return out
	}

	for {
		if l.cancelled.Load() {
			emit(l.dec.Flush())
			return finish(Cancelled, l.cancelErr())
		}
		chunk, done, err := l.stream.Next()
		if l.cancelled.Load() {
			// 关闭传输引发的读取错误不属于失败
			if err == nil && chunk != "" {
				out.Chunks++
				emit(l.dec.Feed(chunk))
			}
			emit(l.dec.Flush())
			return finish(Cancelled, l.cancelErr())
		}
		if err != nil {
			emit(l.dec.Flush())
			if !errors.Is(err, contract.ErrTransport) {
				err = fmt.Errorf("%w: %w", contract.ErrTransport, err)
			}
			o := finish(Failed, err)
			if l.h.OnError != nil {
				l.h.OnError(err, o.Answer)
			}
			return o
		}
		if chunk != "" {
			out.Chunks++
			emit(l.dec.Feed(chunk))
		}
		if done {
			emit(l.dec.Flush())
			if l.cancelled.Load() {
				return finish(Cancelled, l.cancelErr())
			}
			ans := answer.String()
			if out.Header != nil {
				out.Citations = citation.Resolve(ans, out.Header.Metadatas)
			}
			o := finish(Done, nil)
			if l.h.OnDone != nil {
				l.h.OnDone(o.Answer, o.Header, o.Citations)
			}
			return o
		}
	}
}

func (l *Loop) cancelErr() error {
	if v := l.ctxErr.Load(); v != nil {
		if err, ok := v.(error); ok && err != nil {
			return fmt.Errorf("%w: %w", contract.ErrCancelled, err)
		}
	}
	return contract.ErrCancelled
}
