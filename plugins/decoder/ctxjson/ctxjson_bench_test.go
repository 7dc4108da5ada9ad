package ctxjson

import (
	"fmt"
	"strings"
	"testing"
)

// BenchmarkFeed 基准测试：不同分片大小下解码一个带头部的响应。
func BenchmarkFeed(b *testing.B) {
	body := makeBody(200, 4096)
	for _, size := range []int{1, 16, 512} {
		b.Run(fmt.Sprintf("chunk=%d", size), func(b *testing.B) {
			chunks := splitEvery(body, size)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				d := New(nil)
				for _, c := range chunks {
					d.Feed(c)
				}
				d.Flush()
			}
		})
	}
}

func makeBody(metas, answerBytes int) string {
	var sb strings.Builder
	sb.WriteString(DefaultSentinel + `{"contexts":[],"metadatas":[`)
	for i := 0; i < metas; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, `{"source":"doc-%d.txt","chunk":%d}`, i, i)
	}
	sb.WriteString("]}\n")
	for sb.Len() < answerBytes {
		sb.WriteString("lorem ipsum [1] ")
	}
	return sb.String()
}

func splitEvery(s string, n int) []string {
	out := make([]string, 0, len(s)/n+1)
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}
