package stress

import (
	"context"
	"fmt"
	"math"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	cfgpkg "ragstream/internal/config"
	"ragstream/internal/fakesvc"
	"ragstream/internal/pipeline"
	"ragstream/pkg/contract"
	"ragstream/plugins/transport/mock"
)

// TestStress 在不同并发度下同时发起多个会话，校验会话之间互不串扰并记录延迟统计。
// 替身按问题回显答案，每个会话的答案必须只含自己的问题。
func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress")
	}
	srv, err := fakesvc.New(fakesvc.Options{Script: mock.Script{
		EchoQuery:  true,
		Contexts:   []string{"上下文"},
		Metadatas:  []contract.Metadata{{"source": "s.md", "chunk": 1}},
		ChunkBytes: 5,
		DelayMS:    1,
	}})
	if err != nil {
		t.Fatalf("fakesvc: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.BaseURL = ts.URL
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	for _, conc := range []int{1, 8, 32, 64} {
		t.Run(fmt.Sprintf("concurrency_%d", conc), func(t *testing.T) {
			var (
				mu        sync.Mutex
				latencies []time.Duration
				headers   []time.Duration
				wg        sync.WaitGroup
			)
			for i := 0; i < conc; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					q := cfg.QueryFor(fmt.Sprintf("问题-%d-%d", conc, i))
					start := time.Now()
					res, err := pipeline.Ask(context.Background(), comp, set, q)
					dur := time.Since(start)
					if err != nil {
						t.Errorf("session %d: %v", i, err)
						return
					}
					if want := "echo: " + q.Query; res.Session.Answer() != want {
						t.Errorf("session %d: answer %q, want %q", i, res.Session.Answer(), want)
					}
					if h := res.Session.Header(); h == nil || len(h.Contexts) != 1 {
						t.Errorf("session %d: header %+v", i, h)
					}
					mu.Lock()
					latencies = append(latencies, dur)
					headers = append(headers, res.Outcome.HeaderLatency)
					mu.Unlock()
				}(i)
			}
			wg.Wait()
			if len(latencies) == 0 {
				t.Fatalf("全部会话失败")
			}
			t.Logf("并发%d 成功率%.2f 平均%v 95%%延迟%v 头部95%%延迟%v",
				conc, float64(len(latencies))/float64(conc), mean(latencies), p95(latencies), p95(headers))
		})
	}
}

func mean(ds []time.Duration) time.Duration {
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total / time.Duration(len(ds))
}

func p95(ds []time.Duration) time.Duration {
	s := append([]time.Duration(nil), ds...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	idx := int(math.Ceil(float64(len(s))*0.95)) - 1
	if idx < 0 {
		idx = 0
	}
	return s[idx]
}
