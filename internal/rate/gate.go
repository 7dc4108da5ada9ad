package rate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"ragstream/pkg/contract"
)

// LimitKey: 限流分组键（传输名 + 协作方主机）。
type LimitKey string

// Limits: 每分组的限额配置。RPM=0 表示不限流。
type Limits struct {
	RPM   int // requests per minute
	Burst int // 突发容量；<=0 时取 1
}

// Gate: 客户端侧请求闸门（并发安全）。在打开请求前调用，超额时等待而非打满协作方。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；ctx 截止前无法获得额度时快速失败（ErrRateLimited）。
	Wait(ctx context.Context, key LimitKey) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(key LimitKey) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (avail float64)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
// 未配置的 key 使用 fallback 限额（零值即不限流）。
func NewGate(m map[LimitKey]Limits, fallback Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, fallback: fallback, m: make(map[LimitKey]*xrate.Limiter, len(m))}
	for k, lim := range m {
		g.m[k] = newLimiter(lim)
	}
	return g
}

type gate struct {
	clk      func() time.Time
	fallback Limits

	mu sync.Mutex
	m  map[LimitKey]*xrate.Limiter
}

func newLimiter(lim Limits) *xrate.Limiter {
	if lim.RPM <= 0 {
		return xrate.NewLimiter(xrate.Inf, 0)
	}
	burst := lim.Burst
	if burst <= 0 {
		burst = 1
	}
	return xrate.NewLimiter(xrate.Limit(float64(lim.RPM)/60.0), burst)
}

func (g *gate) get(key LimitKey) *xrate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := g.m[key]
	if l == nil {
		l = newLimiter(g.fallback)
		g.m[key] = l
	}
	return l
}

func (g *gate) Try(key LimitKey) bool {
	return g.get(key).AllowN(g.clk(), 1)
}

func (g *gate) Wait(ctx context.Context, key LimitKey) error {
	l := g.get(key)
	r := l.ReserveN(g.clk(), 1)
	if !r.OK() {
		return fmt.Errorf("rate: burst exhausted for %s: %w", key, contract.ErrRateLimited)
	}
	d := r.DelayFrom(g.clk())
	if d <= 0 {
		return nil
	}
	if dl, ok := ctx.Deadline(); ok && g.clk().Add(d).After(dl) {
		r.CancelAt(g.clk())
		return fmt.Errorf("rate: wait %s exceeds deadline for %s: %w", d.Round(time.Millisecond), key, contract.ErrRateLimited)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.CancelAt(g.clk())
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot: 返回当前可用额度（仅诊断）；不限流时返回 +Inf。
func (g *gate) Snapshot(key LimitKey) float64 {
	l := g.get(key)
	if l.Limit() == xrate.Inf {
		return math.Inf(1)
	}
	return l.TokensAt(g.clk())
}

// IsLimited 报告错误是否源自限流（本地闸门或上游 429）。
func IsLimited(err error) bool { return errors.Is(err, contract.ErrRateLimited) }

// 接口断言（可选）。
var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
