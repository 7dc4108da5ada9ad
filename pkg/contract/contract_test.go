package contract

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNormalizeArtifactID 验证工件标识规范化。
func TestNormalizeArtifactID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"反斜杠", "exports\\chat\\a.json", "exports/chat/a.json"},
		{"清理多余斜杠", "a//b///c.md", "a/b/c.md"},
		{"父目录", "a/b/../c.csv", "a/c.csv"},
		{"空串", "", "."},
		{"越界保留", "../x.json", "../x.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ArtifactID(tt.expected), NormalizeArtifactID(tt.input))
		})
	}
}

// 元信息访问器：source 缺失回退 (unknown)，chunk 仅接受整数值。
func TestMetadataAccessors(t *testing.T) {
	var metas []Metadata
	raw := `[{"source":"a.txt","chunk":3},{"chunk":1.5},{"source":null},{"source":""},{"source":7,"chunk":"2"}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &metas))

	assert.Equal(t, "a.txt", metas[0].Source())
	c, ok := metas[0].Chunk()
	assert.True(t, ok)
	assert.Equal(t, 3, c)

	assert.Equal(t, UnknownSource, metas[1].Source())
	_, ok = metas[1].Chunk()
	assert.False(t, ok, "非整数 chunk 视为缺失")

	assert.Equal(t, UnknownSource, metas[2].Source())
	assert.Equal(t, "", metas[3].Source(), "空字符串 source 原样保留")
	assert.Equal(t, "7", metas[4].Source())
	_, ok = metas[4].Chunk()
	assert.False(t, ok)

	assert.Equal(t, UnknownSource, Metadata(nil).Source())
	n, ok := Metadata{"chunk": json.Number("9")}.Chunk()
	assert.True(t, ok)
	assert.Equal(t, 9, n)
}

func TestQueryResultHeader(t *testing.T) {
	h := QueryResult{Answer: "x"}.Header()
	require.NotNil(t, h)
	assert.NotNil(t, h.Contexts)
	assert.NotNil(t, h.Metadatas)
	assert.Empty(t, h.Metadatas)
}

func TestQueryDefaults(t *testing.T) {
	q := Query{Query: "hi"}.WithDefaults()
	assert.Equal(t, 5, q.K)
	assert.Equal(t, MethodVector, q.Method)
	assert.Equal(t, 0.5, q.BM25Weight)
	assert.Equal(t, 10, q.RerankTopN)
	assert.Zero(t, q.Depth)

	mh := Query{Query: "hi", MultiHop: true}.WithDefaults()
	assert.Equal(t, MethodHybrid, mh.Method)
	assert.Equal(t, 2, mh.Depth)
	assert.Equal(t, 2, mh.Fanout)

	// 多跳字段不随普通请求序列化
	b, err := json.Marshal(q)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "depth")
	assert.NotContains(t, string(b), "MultiHop")
}

// TestValidateQuery 覆盖各类错误分支。
func TestValidateQuery(t *testing.T) {
	ok := Query{Query: "q"}.WithDefaults()
	require.NoError(t, ValidateQuery(ok))

	cases := []struct {
		name string
		q    Query
	}{
		{"空查询", Query{Query: "   ", K: 1, Method: "vector", RerankTopN: 1}},
		{"k 为 0", Query{Query: "q", K: 0, Method: "vector", RerankTopN: 1}},
		{"未知方法", Query{Query: "q", K: 1, Method: "dense", RerankTopN: 1}},
		{"权重越界", Query{Query: "q", K: 1, Method: "bm25", BM25Weight: 1.5, RerankTopN: 1}},
		{"多跳缺深度", Query{Query: "q", K: 1, Method: "hybrid", RerankTopN: 1, MultiHop: true, Fanout: 1}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateQuery(tt.q)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("want ErrInvalidInput got %v", err)
			}
		})
	}
}

// CloneHeader 生成独立副本。
func TestCloneHeader(t *testing.T) {
	assert.Nil(t, CloneHeader(nil))
	h := &Header{Contexts: []string{"c"}, Metadatas: []Metadata{{"source": "a"}}, DB: "kb"}
	c := CloneHeader(h)
	h.Contexts[0] = "x"
	h.Metadatas[0]["source"] = "x"
	assert.Equal(t, "c", c.Contexts[0])
	assert.Equal(t, "a", c.Metadatas[0].Source())
	assert.Equal(t, "kb", c.DB)
}
