package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"ragstream/pkg/contract"
)

// Terminal: 终端信息提示（非日志），渲染单次问答：上下文就绪、答案增量、引用面板、结束行。
// - 输出到提供的 io.Writer（答案写 stdout，提示可另设）；
// - 非 TTY 时不输出颜色控制符；
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool

	st      termStyles
	started time.Time
	midLine bool

	mu sync.Mutex
}

type termStyles struct {
	tag   lipgloss.Style
	dim   lipgloss.Style
	fail  lipgloss.Style
	panel lipgloss.Style
}

// NewTerminal 构造终端提示器。
// enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// 颜色档位由渲染器按 w 判定（非 TTY 为纯文本）
	r := lipgloss.NewRenderer(w)
	t.st = termStyles{
		tag:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f")),
		dim:   r.NewStyle().Foreground(lipgloss.Color("#6e7681")),
		fail:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff5f5f")),
		panel: r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#6e7681")).Padding(0, 1),
	}
	return t
}

// QueryStart: 记录问题与模式。
func (t *Terminal) QueryStart(query, mode string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.started = time.Now()
	t.println(t.st.tag.Render("[ask]") + " " + shorten(safe(query), 80) + t.st.dim.Render(" | mode="+mode))
}

// HeaderReady: 上下文头部就绪（先于答案）。
func (t *Terminal) HeaderReady(h *contract.Header, latency time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	n := 0
	if h != nil {
		n = len(h.Contexts)
	}
	line := fmt.Sprintf("%s 上下文 %d 段 | 首包 %s", t.st.tag.Render("[ctx]"), n, formatDur(latency))
	if h != nil && h.DB != "" {
		line += t.st.dim.Render(" | db=" + safe(h.DB))
	}
	t.println(line)
}

// Text: 原样写出答案增量。
func (t *Terminal) Text(delta string) {
	if t == nil || delta == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, delta); err != nil {
		t.enabled = false
		return
	}
	t.midLine = !strings.HasSuffix(delta, "\n")
}

// Citations: 以边框面板列出引用。
func (t *Terminal) Citations(cites []contract.Citation) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || len(cites) == 0 {
		return
	}
	rows := make([]string, 0, len(cites))
	for _, c := range cites {
		row := fmt.Sprintf("[%d] %s", c.Index, safe(c.Source))
		if c.Chunk != nil {
			row += t.st.dim.Render(fmt.Sprintf(" #%d", *c.Chunk))
		}
		rows = append(rows, row)
	}
	t.println(t.st.panel.Render(strings.Join(rows, "\n")))
}

// Finish: 结束行（done|fail|cancel）。
func (t *Terminal) Finish(status string, err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := t.st.tag.Render("[" + status + "]")
	if status == "fail" {
		tag = t.st.fail.Render("[fail]")
	}
	line := tag + " 总用时 " + formatSince(t.started)
	if err != nil {
		line += " | " + safe(err.Error())
	}
	t.println(line)
}

// 内部输出工具
func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	// 答案未以换行结束时先换行，避免提示行粘在答案末尾
	if t.midLine {
		s = "\n" + s
		t.midLine = false
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		// 写失败即禁用
		t.enabled = false
	}
}

// shorten: 按字符数截断（尾部省略号）。
func shorten(s string, max int) string {
	if max <= 0 {
		return ""
	}
	rs := []rune(strings.TrimSpace(s))
	if len(rs) <= max {
		return string(rs)
	}
	return string(rs[:max-1]) + "…"
}

func safe(s string) string {
	// 避免换行等控制字符污染终端
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string {
	if t0.IsZero() {
		return formatDur(0)
	}
	return formatDur(time.Since(t0))
}

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	// 秒，保留 1 位小数
	s := float64(d.Milliseconds()) / 1000.0
	return fmt.Sprintf("%.1fs", s)
}
