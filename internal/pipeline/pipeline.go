package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ragstream/internal/citation"
	"ragstream/internal/consumer"
	"ragstream/internal/diag"
	"ragstream/internal/rate"
	"ragstream/internal/session"
	"ragstream/pkg/contract"
)

// - 单一入口：Ask 同时服务普通/多跳、流式/JSON 四种组合，仅端点与解码路径不同；
// - 每次调用独享 Session 与解码器，调用之间无共享可变状态，可并发调用；
// - 限流：在打开请求前 Gate.Wait，不做重试；
// - 导出：仅在完成态写出引用，失败/取消不产生工件。

// Mode: 响应模式。
type Mode string

const (
	ModeStream Mode = "stream"
	ModeJSON   Mode = "json"
)

// ParseMode 解析模式名（大小写不敏感）；空串为 stream。
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stream":
		return ModeStream, nil
	case "json":
		return ModeJSON, nil
	}
	return "", fmt.Errorf("unknown mode %q: %w", s, contract.ErrInvalidInput)
}

// Components 聚合运行所需的组件。
type Components struct {
	Transport  contract.Transport
	NewDecoder contract.NewFrameDecoder
	// Writer: 引用导出目标（可选；Settings.Export 非空时必需）。
	Writer contract.Writer
	// Gate: 限流闸门（可选）。
	Gate rate.Gate
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Mode    Mode
	GateKey rate.LimitKey
	// Export: 引用导出格式；空表示不导出。
	Export citation.Format

	Logger   *diag.Logger
	Terminal *diag.Terminal
	// Hooks: 调用方附加回调，在内部处理之后触发（均可为 nil）。
	Hooks consumer.Handlers
}

// Result: 一次问答的结果。
type Result struct {
	Session *session.Session
	Outcome consumer.Outcome
	// Artifact: 已写出的引用导出标识；未导出时为空。
	Artifact contract.ArtifactID
}

func sanity(comp Components, set Settings) error {
	if comp.Transport == nil {
		return fmt.Errorf("transport not set: %w", contract.ErrInvalidInput)
	}
	if set.Mode != ModeStream && set.Mode != ModeJSON {
		return fmt.Errorf("mode %q: %w", set.Mode, contract.ErrInvalidInput)
	}
	if set.Mode == ModeStream && comp.NewDecoder == nil {
		return fmt.Errorf("decoder not set: %w", contract.ErrInvalidInput)
	}
	if set.Export != "" && comp.Writer == nil {
		return fmt.Errorf("export %q without writer: %w", set.Export, contract.ErrInvalidInput)
	}
	return nil
}

// run: 单次调用的诊断上下文。
type run struct {
	set   Settings
	sess  *session.Session
	timer *diag.Timer
}

// fail 记录错误事件与指标，并原样返回 err。
func (r *run) fail(comp string, err error) error {
	code := diag.Classify(err)
	result := "error"
	if code == diag.CodeCancel {
		result = "cancel"
	}
	r.set.Logger.ErrorWithKV(comp, string(code), err.Error(), r.timer.Started(), r.sess.ID, upstreamKV(err))
	diag.IncOp(comp, "error", result)
	diag.IncError(comp, string(code))
	return err
}

// upstreamKV 提取上游状态码与消息片段（若有）。
func upstreamKV(err error) map[string]string {
	var ue contract.UpstreamError
	if !errors.As(err, &ue) {
		return nil
	}
	return map[string]string{
		"status":   strconv.Itoa(ue.UpstreamStatus()),
		"upstream": clip(ue.UpstreamMessage(), 200),
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func (r *run) begin(ctx context.Context, comp Components, q contract.Query) error {
	kv := map[string]string{
		"mode":      string(r.set.Mode),
		"multi_hop": strconv.FormatBool(q.MultiHop),
		"method":    q.Method,
		"k":         strconv.Itoa(q.K),
	}
	r.timer = r.set.Logger.StartWithKV("pipeline", "ask", r.sess.ID, kv)
	r.set.Terminal.QueryStart(q.Query, string(r.set.Mode))
	if comp.Gate == nil {
		return nil
	}
	gt := r.set.Logger.StartWith("gate", "wait", r.sess.ID)
	if err := comp.Gate.Wait(ctx, r.set.GateKey); err != nil {
		return r.fail("gate", fmt.Errorf("gate wait: %w", err))
	}
	gt.Finish("wait", 0)
	diag.ObserveDuration("gate", "wait", gt.Since().Milliseconds())
	return nil
}

// Ask 发起一次问答并消费到终态。
// 返回的 Result 总是携带 Session；失败或取消时 Session/Outcome 中为已累积的部分答案。
func Ask(ctx context.Context, comp Components, set Settings, q contract.Query) (Result, error) {
	q = q.WithDefaults()
	sess := session.New(q)
	res := Result{Session: sess}
	r := &run{set: set, sess: sess}
	if err := sanity(comp, set); err != nil {
		return res, r.fail("pipeline", fmt.Errorf("sanity: %w", err))
	}
	if err := contract.ValidateQuery(q); err != nil {
		return res, r.fail("pipeline", err)
	}
	if err := r.begin(ctx, comp, q); err != nil {
		set.Terminal.Finish(statusOf(err), err)
		return res, err
	}

	var err error
	if set.Mode == ModeJSON {
		res.Outcome, err = r.askJSON(ctx, comp, q)
	} else {
		res.Outcome, err = r.askStream(ctx, comp, q)
	}
	if err != nil {
		set.Terminal.Finish(statusOf(err), err)
		return res, err
	}

	set.Terminal.Citations(res.Outcome.Citations)
	if set.Export != "" {
		id, werr := r.export(ctx, comp.Writer, q, res.Outcome)
		if werr != nil {
			set.Terminal.Finish("fail", werr)
			return res, werr
		}
		res.Artifact = id
	}
	r.timer.FinishWithKV("ask", int64(len(res.Outcome.Citations)), map[string]string{
		"header_ms": strconv.FormatInt(res.Outcome.HeaderLatency.Milliseconds(), 10),
		"chunks":    strconv.Itoa(res.Outcome.Chunks),
	})
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", string(set.Mode), res.Outcome.Elapsed.Milliseconds())
	set.Terminal.Finish("done", nil)
	return res, nil
}

func statusOf(err error) string {
	if diag.Classify(err) == diag.CodeCancel {
		return "cancel"
	}
	return "fail"
}

func (r *run) askStream(ctx context.Context, comp Components, q contract.Query) (consumer.Outcome, error) {
	t0 := time.Now()
	st, err := comp.Transport.OpenStream(ctx, q)
	if err != nil {
		return consumer.Outcome{State: consumer.Failed, Err: err}, r.fail("transport", fmt.Errorf("open stream: %w", err))
	}
	sess, hooks, set := r.sess, r.set.Hooks, r.set
	loop := consumer.New(st, comp.NewDecoder(), consumer.Handlers{
		OnHeader: func(h *contract.Header) {
			sess.SetHeader(h)
			if h != nil && len(h.Contexts) == 0 && len(h.Metadatas) == 0 {
				set.Logger.Warn("decoder", "header empty", sess.ID, nil)
			}
			set.Terminal.HeaderReady(h, time.Since(t0))
			if hooks.OnHeader != nil {
				hooks.OnHeader(h)
			}
		},
		OnText: func(delta string) {
			sess.AppendText(delta)
			set.Terminal.Text(delta)
			if hooks.OnText != nil {
				hooks.OnText(delta)
			}
		},
		OnDone:  hooks.OnDone,
		OnError: hooks.OnError,
	})
	out := loop.Run(ctx)
	// 取消后回调停止，补齐解码器冲刷出的剩余正文
	if rest, ok := strings.CutPrefix(out.Answer, sess.Answer()); ok {
		sess.AppendText(rest)
	}
	if out.Header != nil {
		diag.ObserveHeaderLatency(string(ModeStream), out.HeaderLatency)
	}
	switch out.State {
	case consumer.Done:
		sess.Finish()
		return out, nil
	case consumer.Cancelled:
		return out, r.fail("consumer", out.Err)
	default:
		return out, r.fail("consumer", fmt.Errorf("stream: %w", out.Err))
	}
}

func (r *run) askJSON(ctx context.Context, comp Components, q contract.Query) (consumer.Outcome, error) {
	t0 := time.Now()
	qr, err := comp.Transport.Query(ctx, q)
	if err != nil {
		st := consumer.Failed
		if diag.Classify(err) == diag.CodeCancel {
			st = consumer.Cancelled
		}
		return consumer.Outcome{State: st, Err: err}, r.fail("transport", fmt.Errorf("query: %w", err))
	}
	elapsed := time.Since(t0)
	sess, hooks := r.sess, r.set.Hooks
	// 与流式路径相同的构造：头部 → 正文 → 引用
	h := qr.Header()
	sess.SetHeader(h)
	sess.AppendText(qr.Answer)
	sess.Finish()
	out := consumer.Outcome{
		State:         consumer.Done,
		Header:        sess.Header(),
		Answer:        sess.Answer(),
		Citations:     citation.Resolve(qr.Answer, h.Metadatas),
		HeaderLatency: elapsed,
		Elapsed:       elapsed,
		Chunks:        1,
	}
	diag.ObserveHeaderLatency(string(ModeJSON), elapsed)
	r.set.Terminal.HeaderReady(out.Header, elapsed)
	r.set.Terminal.Text(out.Answer)
	if hooks.OnHeader != nil {
		hooks.OnHeader(out.Header)
	}
	if hooks.OnText != nil && out.Answer != "" {
		hooks.OnText(out.Answer)
	}
	if hooks.OnDone != nil {
		hooks.OnDone(out.Answer, out.Header, out.Citations)
	}
	return out, nil
}

// ArtifactFor 返回会话导出工件的标识。
func ArtifactFor(sess *session.Session, f citation.Format) contract.ArtifactID {
	return contract.NormalizeArtifactID("citations-" + sess.ID + f.Ext())
}

func (r *run) export(ctx context.Context, w contract.Writer, q contract.Query, out consumer.Outcome) (contract.ArtifactID, error) {
	wt := r.set.Logger.StartWith("writer", "export", r.sess.ID)
	var buf bytes.Buffer
	rows := citation.Rows(q.Query, out.Citations, out.Header, time.Now())
	if err := citation.Render(&buf, r.set.Export, rows); err != nil {
		return "", r.fail("writer", fmt.Errorf("render: %w", err))
	}
	id := ArtifactFor(r.sess, r.set.Export)
	if err := w.Write(ctx, id, &buf); err != nil {
		return "", r.fail("writer", fmt.Errorf("write %s: %w", id, err))
	}
	wt.FinishWithKV("export", int64(len(rows)), map[string]string{"artifact": string(id), "format": string(r.set.Export)})
	diag.IncOp("writer", "finish", "success")
	return id, nil
}

// ProbeResult: 头部探测结果。
type ProbeResult struct {
	Session *session.Session
	// Header 为 nil 表示响应中没有头部（合法的非错误状态）。
	Header  *contract.Header
	Latency time.Duration
}

// Probe 打开流式请求，头部就绪即取消传输并返回（用于确认检索到的段落）。
// 流在头部之前结束时返回空头部与 nil 错误。
func Probe(ctx context.Context, comp Components, set Settings, q contract.Query) (ProbeResult, error) {
	set.Mode, set.Export, set.Terminal = ModeStream, "", nil
	q = q.WithDefaults()
	sess := session.New(q)
	res := ProbeResult{Session: sess}
	r := &run{set: set, sess: sess}
	if err := sanity(comp, set); err != nil {
		return res, r.fail("pipeline", fmt.Errorf("sanity: %w", err))
	}
	if err := contract.ValidateQuery(q); err != nil {
		return res, r.fail("pipeline", err)
	}
	if err := r.begin(ctx, comp, q); err != nil {
		return res, err
	}
	st, err := comp.Transport.OpenStream(ctx, q)
	if err != nil {
		return res, r.fail("transport", fmt.Errorf("open stream: %w", err))
	}

	var (
		loop *consumer.Loop
		got  bool
	)
	loop = consumer.New(st, comp.NewDecoder(), consumer.Handlers{
		OnHeader: func(h *contract.Header) {
			got = true
			sess.SetHeader(h)
			loop.Cancel()
		},
	})
	out := loop.Run(ctx)
	switch {
	case got:
		res.Header = sess.Header()
		res.Latency = out.HeaderLatency
		diag.ObserveHeaderLatency("probe", out.HeaderLatency)
	case out.State == consumer.Done:
		// 无头部
	default:
		return res, r.fail("consumer", out.Err)
	}
	r.timer.FinishWithKV("probe", 0, map[string]string{"header": strconv.FormatBool(res.Header != nil)})
	diag.IncOp("pipeline", "probe", "success")
	return res, nil
}

// SendFeedback 为已完成的会话记录评价并提交给协作方。
// 传输不支持评价时返回 ErrInvalidInput。
func SendFeedback(ctx context.Context, comp Components, set Settings, sess *session.Session, score int, comment string) error {
	r := &run{set: set, sess: sess}
	if err := sess.SetFeedback(score); err != nil {
		return r.fail("feedback", err)
	}
	fb, err := sess.Feedback(comment)
	if err != nil {
		return r.fail("feedback", err)
	}
	sink, ok := comp.Transport.(contract.FeedbackSink)
	if !ok {
		return r.fail("feedback", fmt.Errorf("transport does not accept feedback: %w", contract.ErrInvalidInput))
	}
	r.timer = set.Logger.StartWithKV("feedback", "send", sess.ID, map[string]string{"score": strconv.Itoa(score)})
	if err := sink.SendFeedback(ctx, fb); err != nil {
		return r.fail("feedback", fmt.Errorf("send feedback: %w", err))
	}
	r.timer.Finish("send", 1)
	diag.IncOp("feedback", "finish", "success")
	return nil
}
