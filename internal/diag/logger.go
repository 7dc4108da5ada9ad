package diag

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phuslu/log"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func (l Level) phuslu() log.Level {
	switch l {
	case Debug:
		return log.DebugLevel
	case Warn:
		return log.WarnLevel
	case Error:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// 轮转参数
const (
	DefaultLogDir     = "logs"
	logFileName       = "ragstream.log"
	logMaxBytes       = 10 * 1024 * 1024
	logMaxBackups     = 5
	stderrDirSentinel = "-"
)

// Logger 为最小结构化日志器：单行 JSON；每条事件带 corr_id/comp/stage。
// 会话维度用 session_id 字段区分（替代原 file_id/batch_id）。
type Logger struct {
	corrID string
	level  Level
	lg     log.Logger
	closer io.Closer
}

// NewLogger 通过配置的 level 初始化；dir 为日志目录（空则 logs，"-" 表示写 stderr），
// 文件按 10MiB 轮转并保留 5 份历史。
func NewLogger(corrID, level, dir string) *Logger {
	dir = strings.TrimSpace(dir)
	if dir == stderrDirSentinel {
		return NewLoggerTo(corrID, level, os.Stderr)
	}
	if dir == "" {
		dir = DefaultLogDir
	}
	fw := &log.FileWriter{
		Filename:     filepath.Join(dir, logFileName),
		MaxSize:      logMaxBytes,
		MaxBackups:   logMaxBackups,
		EnsureFolder: true,
	}
	l := newLogger(corrID, level, fw)
	l.closer = fw
	return l
}

// NewLoggerTo 将日志写到任意 io.Writer（测试与 stderr 场景）。
func NewLoggerTo(corrID, level string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return newLogger(corrID, level, &log.IOWriter{Writer: w})
}

func newLogger(corrID, level string, w log.Writer) *Logger {
	lvl := parseLevel(strings.TrimSpace(level))
	return &Logger{
		corrID: corrID,
		level:  lvl,
		lg: log.Logger{
			Level:      lvl.phuslu(),
			TimeField:  "ts",
			TimeFormat: time.RFC3339,
			Writer:     w,
		},
	}
}

// Close 关闭底层文件（stderr/自定义 writer 时为 no-op）。
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// CorrID 返回关联 ID。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Comp    string
	Stage   string // start|finish|error
	Code    string
	DurMS   int64
	Count   int64
	Session string
	Msg     string
	KV      map[string]string
}

// log 写出事件；低于级别的事件由底层直接丢弃。
func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	var e *log.Entry
	switch lv {
	case Debug:
		e = l.lg.Debug()
	case Warn:
		e = l.lg.Warn()
	case Error:
		e = l.lg.Error()
	default:
		e = l.lg.Info()
	}
	if e == nil {
		return
	}
	e = e.Str("corr_id", l.corrID).Str("comp", ev.Comp).Str("stage", ev.Stage)
	if ev.Code != "" {
		e = e.Str("code", ev.Code)
	}
	if ev.DurMS != 0 {
		e = e.Int64("dur_ms", ev.DurMS)
	}
	if ev.Count != 0 {
		e = e.Int64("count", ev.Count)
	}
	if ev.Session != "" {
		e = e.Str("session_id", ev.Session)
	}
	if len(ev.KV) > 0 {
		ctx := log.NewContext(nil)
		for k, v := range ev.KV {
			ctx = ctx.Str(k, v)
		}
		e = e.Dict("kv", ctx.Value())
	}
	e.Msg(ev.Msg)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWithKV(comp, msg, "", nil)
}

// StartWith 记录带 session_id 的 start。
func (l *Logger) StartWith(comp, msg, session string) *Timer {
	return l.StartWithKV(comp, msg, session, nil)
}

// StartWithKV 记录带 session_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, session string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Session: session, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, session: session, t0: time.Now()}
}

// Error 记录 error 事件（不采样）。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", nil)
}

// ErrorWith 支持 session_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, session string) {
	l.ErrorWithKV(comp, code, msg, durSince, session, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, session string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Session: session, KV: kv})
}

// Warn 记录非致命异常（例如头部降级为空）。
func (l *Logger) Warn(comp, msg, session string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Msg: msg, Session: session, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, session string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", Session: session, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l       *Logger
	comp    string
	session string
	t0      time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	t.FinishWithKV(msg, count, nil)
}

// FinishWithKV 记录 finish 并附带键值。
func (t *Timer) FinishWithKV(msg string, count int64, kv map[string]string) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, Session: t.session, Msg: msg, KV: kv})
}

// Since 返回自 start 起的耗时。
func (t *Timer) Since() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(t.t0)
}

// Started 返回起点（用于 ErrorWith 的 durSince）。
func (t *Timer) Started() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}
