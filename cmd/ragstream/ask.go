package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	cfgpkg "ragstream/internal/config"
	"ragstream/internal/consumer"
	"ragstream/internal/diag"
	"ragstream/internal/pipeline"
	"ragstream/pkg/contract"
)

var (
	pipelineAsk      = pipeline.Ask
	pipelineProbe    = pipeline.Probe
	pipelineFeedback = pipeline.SendFeedback
)

type askFlags struct {
	asJSON   bool
	plain    bool
	probe    bool
	feedback int
	comment  string
}

func askCMD(rf *rootFlags) *cobra.Command {
	var af askFlags
	cmd := &cobra.Command{
		Use:   "ask [question...]",
		Short: "提问并流式输出答案与引用",
		Long: "提问并消费回答：先解析 [[CTXJSON]] 头部，再增量输出正文并解析 [n] 引用。\n" +
			"问题取自位置参数；缺省或为 \"-\" 时读取 STDIN。Ctrl-C 取消当前回答。",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, rf, af, args)
		},
	}
	f := cmd.Flags()
	f.String("mode", "", "响应模式 stream|json")
	f.BoolVar(&af.asJSON, "json", false, "等价于 --mode json")
	f.Bool("multi-hop", false, "使用多跳端点")
	f.Int("k", 0, "检索条数")
	f.String("method", "", "检索方式 vector|bm25|hybrid")
	f.Float64("bm25-weight", 0, "hybrid 模式下 BM25 权重 [0,1]")
	f.Bool("rerank", false, "启用重排")
	f.Int("rerank-top-n", 0, "重排保留条数")
	f.String("db", "", "知识库名")
	f.Int("depth", 0, "多跳深度")
	f.Int("fanout", 0, "多跳扇出")
	f.String("transport", "", "传输实现名（http|mock|flaky）")
	f.String("decoder", "", "解码器实现名")
	f.String("base-url", "", "问答服务地址")
	f.Int("rpm", 0, "客户端每分钟请求上限（0 不限）")
	f.String("export", "", "引用导出格式 json|csv|md")
	f.String("export-dir", "", "引用导出目录")
	f.String("metrics-addr", "", "Prometheus 指标监听地址，例如 :9090")
	f.BoolVar(&af.plain, "plain", false, "纯文本输出（答案与引用写 stdout，不渲染面板）")
	f.BoolVar(&af.probe, "probe", false, "仅等待头部：输出检索到的来源后立即取消")
	f.IntVar(&af.feedback, "feedback", 0, "完成后提交评价 1|-1")
	f.StringVar(&af.comment, "comment", "", "评价附言（配合 --feedback）")
	return cmd
}

func runAsk(cmd *cobra.Command, rf *rootFlags, af askFlags, args []string) error {
	if af.feedback != 0 && af.feedback != 1 && af.feedback != -1 {
		return fail(exitUsage, "--feedback must be 1 or -1")
	}
	if af.feedback != 0 && af.probe {
		return fail(exitUsage, "--feedback cannot be combined with --probe")
	}
	question, err := readQuestion(cmd.InOrStdin(), args)
	if err != nil {
		return fail(exitUsage, "%v", err)
	}
	if af.asJSON {
		if err := cmd.Flags().Set("mode", string(pipeline.ModeJSON)); err != nil {
			return fail(exitUsage, "%v", err)
		}
	}

	cfg, err := cfgpkg.Load(rf.configPath(), cmd.Flags())
	if err != nil {
		return fail(exitConfig, "配置解析失败: %w", err)
	}
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		return fail(exitConfig, "装配失败: %w", err)
	}

	corrID := uuid.NewString()
	logger := diag.NewLogger(corrID, cfg.Logging.Level, cfg.Logging.Dir)
	defer logger.Close()
	logger.DebugStart("config", "effective", "", map[string]string{
		"mode":      cfg.Mode,
		"transport": cfg.Transport,
		"decoder":   cfg.Decoder,
		"base_url":  cfg.BaseURL,
		"multi_hop": fmt.Sprint(cfg.MultiHop),
		"export":    cfg.Export.Format,
	})
	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, logger)
		defer stop()
	}

	out := cmd.OutOrStdout()
	set.Logger = logger
	set.Terminal = diag.NewTerminal(out, !af.plain)
	if af.plain {
		set.Hooks = plainHooks(out)
	}

	ctx := cmd.Context()
	q := cfg.QueryFor(question)
	if af.probe {
		return runProbe(ctx, comp, set, q, out)
	}

	res, err := pipelineAsk(ctx, comp, set, q)
	if err != nil {
		if errors.Is(err, context.Canceled) || res.Outcome.State == consumer.Cancelled {
			return &exitError{code: exitCancelled}
		}
		if errors.Is(err, contract.ErrInvalidInput) {
			return fail(exitConfig, "请求无效: %w", err)
		}
		return fail(exitRuntime, "运行失败: %w", err)
	}
	if res.Artifact != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "引用已导出: %s\n", res.Artifact)
	}
	if af.feedback != 0 {
		if err := pipelineFeedback(ctx, comp, set, res.Session, af.feedback, af.comment); err != nil {
			return fail(exitRuntime, "评价提交失败: %w", err)
		}
	}
	return nil
}

// readQuestion: 位置参数以空格连接；缺省或 "-" 读取 STDIN。
func readQuestion(stdin io.Reader, args []string) (string, error) {
	q := strings.TrimSpace(strings.Join(args, " "))
	if q == "" || q == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		q = strings.TrimSpace(string(b))
	}
	if q == "" {
		return "", errors.New("question is empty")
	}
	return q, nil
}

// plainHooks: 答案增量原样写出，完成后逐行列出引用。
func plainHooks(w io.Writer) consumer.Handlers {
	return consumer.Handlers{
		OnText: func(delta string) { _, _ = io.WriteString(w, delta) },
		OnDone: func(_ string, _ *contract.Header, cites []contract.Citation) {
			_, _ = io.WriteString(w, "\n")
			for _, c := range cites {
				if c.Chunk != nil {
					fmt.Fprintf(w, "[%d] %s (chunk %d)\n", c.Index, c.Source, *c.Chunk)
					continue
				}
				fmt.Fprintf(w, "[%d] %s\n", c.Index, c.Source)
			}
		},
	}
}

type probeOutput struct {
	Session   string   `json:"session_id"`
	Header    bool     `json:"header"`
	DB        string   `json:"db,omitempty"`
	Contexts  int      `json:"contexts"`
	Sources   []string `json:"sources"`
	LatencyMS int64    `json:"latency_ms"`
}

func runProbe(ctx context.Context, comp pipeline.Components, set pipeline.Settings, q contract.Query, w io.Writer) error {
	res, err := pipelineProbe(ctx, comp, set, q)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return &exitError{code: exitCancelled}
		}
		return fail(exitRuntime, "探测失败: %w", err)
	}
	po := probeOutput{Session: res.Session.ID, Header: res.Header != nil, Sources: []string{}, LatencyMS: res.Latency.Milliseconds()}
	if res.Header != nil {
		po.DB = res.Header.DB
		po.Contexts = len(res.Header.Contexts)
		po.Sources = res.Session.Sources()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(po)
}

// serveMetrics 在 addr 上暴露 /metrics，返回关闭函数。
func serveMetrics(addr string, logger *diag.Logger) func() {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(diag.MetricsHandler()))
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics", "serve failed", "", map[string]string{"addr": addr, "err": err.Error()})
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	}
}
