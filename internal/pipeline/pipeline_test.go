package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragstream/internal/citation"
	"ragstream/internal/consumer"
	"ragstream/internal/diag"
	"ragstream/internal/rate"
	"ragstream/pkg/contract"
	"ragstream/plugins/decoder/ctxjson"
	"ragstream/plugins/transport/flaky"
	"ragstream/plugins/transport/mock"
	wfs "ragstream/plugins/writer/filesystem"
)

var script = mock.Script{
	Answer:   "巴黎是法国首都 [2]，参见 [1] 与 [2]，以及越界 [9]。",
	Contexts: []string{"Paris is the capital.", "法国首都是巴黎。"},
	Metadatas: []contract.Metadata{
		{"source": "a.txt", "chunk": 0, "version": "v1", "language": "en"},
		{"source": "b.md", "chunk": 3, "version": "v2", "language": "zh"},
	},
	DB:         "kb",
	ChunkBytes: 5,
}

func comps(tr contract.Transport) Components {
	return Components{Transport: tr, NewDecoder: func() contract.FrameDecoder { return ctxjson.New(nil) }}
}

// 流式：头部、答案与引用（顺序/去重/越界丢弃）。
func TestAskStream(t *testing.T) {
	var logs, term bytes.Buffer
	set := Settings{
		Mode:     ModeStream,
		Logger:   diag.NewLoggerTo("t", "debug", &logs),
		Terminal: diag.NewTerminal(&term, true),
	}
	res, err := Ask(context.Background(), comps(mock.NewWithScript(script)), set, contract.Query{Query: "capital?"})
	require.NoError(t, err)

	out := res.Outcome
	assert.Equal(t, consumer.Done, out.State)
	assert.Equal(t, script.Answer, out.Answer)
	require.NotNil(t, out.Header)
	assert.Equal(t, "kb", out.Header.DB)
	require.Len(t, out.Citations, 2)
	assert.Equal(t, 2, out.Citations[0].Index)
	assert.Equal(t, "b.md", out.Citations[0].Source)
	assert.Equal(t, 1, out.Citations[1].Index)

	assert.True(t, res.Session.Done())
	assert.Equal(t, script.Answer, res.Session.Answer())
	assert.Equal(t, out.Citations, res.Session.Citations())
	assert.Equal(t, 5, res.Session.Query.K)

	assert.Contains(t, logs.String(), `"comp":"pipeline"`)
	assert.Contains(t, logs.String(), res.Session.ID)
	assert.Contains(t, term.String(), script.Answer)
	assert.Contains(t, term.String(), "[done]")
}

// 同一结果在流式与 JSON 两种模式下得到相同的头部、答案与引用。
func TestAskModesEquivalent(t *testing.T) {
	tr := mock.NewWithScript(script)
	q := contract.Query{Query: "capital?", MultiHop: true}
	s, err := Ask(context.Background(), comps(tr), Settings{Mode: ModeStream}, q)
	require.NoError(t, err)
	j, err := Ask(context.Background(), comps(tr), Settings{Mode: ModeJSON}, q)
	require.NoError(t, err)

	assert.Equal(t, s.Outcome.Answer, j.Outcome.Answer)
	assert.Equal(t, s.Outcome.Citations, j.Outcome.Citations)
	assert.Equal(t, s.Outcome.Header, j.Outcome.Header)
	assert.Equal(t, s.Session.Sources(), j.Session.Sources())
	assert.Equal(t, contract.MethodHybrid, j.Session.Query.Method)
}

// 钩子按序收到头部与增量。
func TestAskHooks(t *testing.T) {
	var (
		gotHeader bool
		text      strings.Builder
		done      int
	)
	set := Settings{Mode: ModeStream, Hooks: consumer.Handlers{
		OnHeader: func(h *contract.Header) {
			assert.Zero(t, text.Len(), "header must precede text")
			gotHeader = true
		},
		OnText: func(d string) { text.WriteString(d) },
		OnDone: func(string, *contract.Header, []contract.Citation) { done++ },
	}}
	_, err := Ask(context.Background(), comps(mock.NewWithScript(script)), set, contract.Query{Query: "q"})
	require.NoError(t, err)
	assert.True(t, gotHeader)
	assert.Equal(t, script.Answer, text.String())
	assert.Equal(t, 1, done)
}

// 完成后按格式导出引用。
func TestAskExport(t *testing.T) {
	dir := t.TempDir()
	w, err := wfs.New(&wfs.Options{OutputDir: dir})
	require.NoError(t, err)
	c := comps(mock.NewWithScript(script))
	c.Writer = w
	res, err := Ask(context.Background(), c, Settings{Mode: ModeJSON, Export: citation.FormatCSV}, contract.Query{Query: "capital?"})
	require.NoError(t, err)
	require.Equal(t, ArtifactFor(res.Session, citation.FormatCSV), res.Artifact)

	b, err := os.ReadFile(filepath.Join(dir, string(res.Artifact)))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(citation.CSVHeader, ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "2,b.md,v2,zh,3,capital?,"), lines[1])
}

// 第一次调用被限流；第二次中途断开，保留部分答案；第三次成功。
func TestAskFlaky(t *testing.T) {
	tr, err := flaky.New([]byte(`{"chunk_bytes":8,"fail_after_chunks":3}`))
	require.NoError(t, err)
	q := contract.Query{Query: "q"}

	_, err = Ask(context.Background(), comps(tr), Settings{Mode: ModeStream}, q)
	assert.ErrorIs(t, err, contract.ErrRateLimited)

	res, err := Ask(context.Background(), comps(tr), Settings{Mode: ModeStream}, q)
	assert.ErrorIs(t, err, contract.ErrTransport)
	assert.Equal(t, consumer.Failed, res.Outcome.State)
	assert.NotEmpty(t, res.Outcome.Answer)
	assert.Equal(t, res.Outcome.Answer, res.Session.Answer())
	assert.False(t, res.Session.Done())

	res, err = Ask(context.Background(), comps(tr), Settings{Mode: ModeStream}, q)
	require.NoError(t, err)
	assert.Equal(t, "MOCK answer citing [1].", res.Outcome.Answer)
}

// 失败或取消不写出导出工件。
func TestAskNoExportOnFailure(t *testing.T) {
	dir := t.TempDir()
	w, _ := wfs.New(&wfs.Options{OutputDir: dir})
	tr, _ := flaky.New(nil)
	c := comps(tr)
	c.Writer = w
	_, err := Ask(context.Background(), c, Settings{Mode: ModeJSON, Export: citation.FormatJSON}, contract.Query{Query: "q"})
	require.Error(t, err)
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

// scripted: 以固定分片构造流（首片之后每片延迟）。
type scripted struct {
	chunks []string
	delay  time.Duration
}

func (s scripted) OpenStream(context.Context, contract.Query) (contract.RawStream, error) {
	return mock.NewStream(s.chunks, s.delay), nil
}

func (s scripted) Query(context.Context, contract.Query) (contract.QueryResult, error) {
	return contract.QueryResult{Answer: strings.Join(s.chunks, "")}, nil
}

// 在头部回调中取消 ctx：状态为 Cancelled，错误为 ErrCancelled。
func TestAskCancelFromHook(t *testing.T) {
	tr := scripted{chunks: []string{"[[CTXJSON]]{\"contexts\":[\"c\"],\"metadatas\":[{\"source\":\"s\"}]}\n", "part1 ", "part2"}, delay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	set := Settings{Mode: ModeStream, Hooks: consumer.Handlers{OnHeader: func(*contract.Header) { cancel() }}}

	start := time.Now()
	res, err := Ask(ctx, comps(tr), set, contract.Query{Query: "q"})
	assert.ErrorIs(t, err, contract.ErrCancelled)
	assert.Equal(t, consumer.Cancelled, res.Outcome.State)
	assert.NotNil(t, res.Outcome.Header)
	assert.NotEqual(t, "part1 part2", res.Outcome.Answer)
	assert.False(t, res.Session.Done())
	assert.Less(t, time.Since(start), 2*time.Second)
}

// 限流闸门：超出额度且等待越过截止时间时返回 ErrRateLimited。
func TestAskGate(t *testing.T) {
	key := rate.LimitKey("mock")
	c := comps(mock.NewWithScript(script))
	c.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{key: {RPM: 1, Burst: 1}}, rate.Limits{}, nil)
	set := Settings{Mode: ModeJSON, GateKey: key}

	_, err := Ask(context.Background(), c, set, contract.Query{Query: "q"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Ask(ctx, c, set, contract.Query{Query: "q"})
	assert.ErrorIs(t, err, contract.ErrRateLimited)
	assert.Equal(t, diag.CodeBudget, diag.Classify(err))
}

func TestAskInvalid(t *testing.T) {
	_, err := Ask(context.Background(), Components{}, Settings{Mode: ModeStream}, contract.Query{Query: "q"})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = Ask(context.Background(), comps(mock.NewWithScript(script)), Settings{Mode: "sse"}, contract.Query{Query: "q"})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = Ask(context.Background(), comps(mock.NewWithScript(script)), Settings{Mode: ModeJSON, Export: citation.FormatMarkdown}, contract.Query{Query: "q"})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	res, err := Ask(context.Background(), comps(mock.NewWithScript(script)), Settings{Mode: ModeStream}, contract.Query{Query: " "})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	assert.NotNil(t, res.Session)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeStream, "Stream": ModeStream, "JSON": ModeJSON} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("sse")
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

// 头部就绪即返回，无需等待答案。
func TestProbe(t *testing.T) {
	sc := script
	sc.DelayMS = 200
	sc.ChunkBytes = 1 << 10
	sc.Answer = strings.Repeat("slow answer ", 200)
	start := time.Now()
	res, err := Probe(context.Background(), comps(mock.NewWithScript(sc)), Settings{}, contract.Query{Query: "q"})
	require.NoError(t, err)
	require.NotNil(t, res.Header)
	assert.Len(t, res.Header.Contexts, 2)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.False(t, res.Session.Done())

	sc.HeaderMode = "none"
	sc.DelayMS = 0
	res, err = Probe(context.Background(), comps(mock.NewWithScript(sc)), Settings{}, contract.Query{Query: "q"})
	require.NoError(t, err)
	assert.Nil(t, res.Header)
}

func TestSendFeedback(t *testing.T) {
	tr := mock.NewWithScript(script)
	c := comps(tr)
	res, err := Ask(context.Background(), c, Settings{Mode: ModeStream}, contract.Query{Query: "capital?", K: 3})
	require.NoError(t, err)

	assert.ErrorIs(t, SendFeedback(context.Background(), c, Settings{}, res.Session, 0, ""), contract.ErrInvalidInput)
	require.NoError(t, SendFeedback(context.Background(), c, Settings{}, res.Session, -1, " wrong city "))

	fbs := tr.Feedbacks()
	require.Len(t, fbs, 1)
	fb := fbs[0]
	assert.Equal(t, -1, fb.Score)
	assert.Equal(t, "capital?", fb.Query)
	assert.Equal(t, 3, fb.K)
	assert.Equal(t, "kb", fb.DB)
	assert.Equal(t, "wrong city", fb.Comment)
	assert.Equal(t, []string{"a.txt", "b.md"}, fb.Sources)
	assert.Equal(t, []string{"v1", "v2"}, fb.Versions)
	assert.Equal(t, []string{"en", "zh"}, fb.Languages)

	ft, _ := flaky.New(nil)
	assert.ErrorIs(t, SendFeedback(context.Background(), comps(ft), Settings{}, res.Session, 1, ""), contract.ErrInvalidInput)
}

// 并发问答互不干扰。
func TestAskConcurrent(t *testing.T) {
	c := comps(mock.NewWithScript(mock.Script{EchoQuery: true, ChunkBytes: 3}))
	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := fmt.Sprintf("question-%d", i)
			res, err := Ask(context.Background(), c, Settings{Mode: ModeStream}, contract.Query{Query: q})
			if err != nil {
				errs <- err
				return
			}
			if res.Outcome.Answer != "echo: "+q || res.Session.Answer() != "echo: "+q {
				errs <- fmt.Errorf("session %d got %q", i, res.Outcome.Answer)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
