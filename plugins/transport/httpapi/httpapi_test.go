package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragstream/pkg/contract"
)

func newClient(t *testing.T, srv *httptest.Server, extra string) *Client {
	t.Helper()
	raw := fmt.Sprintf(`{"base_url":%q,"read_buffer_bytes":4%s}`, srv.URL, extra)
	c, err := New(json.RawMessage(raw))
	require.NoError(t, err)
	return c
}

func drain(t *testing.T, s contract.RawStream) ([]string, error) {
	t.Helper()
	var chunks []string
	for i := 0; i < 10000; i++ {
		c, done, err := s.Next()
		if err != nil {
			return chunks, err
		}
		if c != "" {
			chunks = append(chunks, c)
		}
		if done {
			return chunks, nil
		}
	}
	t.Fatal("stream never finished")
	return nil, nil
}

// 流式：端点选择、请求体默认值、UTF-8 安全切分。
func TestOpenStream(t *testing.T) {
	var (
		gotPath string
		gotBody map[string]any
		gotHdr  string
	)
	body := "[[CTXJSON]]{\"contexts\":[],\"metadatas\":[]}\n答案：巴黎 [1]。"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHdr = r.Header.Get("X-Gateway")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/plain")
		fl := w.(http.Flusher)
		// 逐字节写出，确保多字节字符被切开
		for i := 0; i < len(body); i++ {
			_, _ = io.WriteString(w, body[i:i+1])
			fl.Flush()
		}
	}))
	defer srv.Close()

	c := newClient(t, srv, `,"extra_headers":{"X-Gateway":"k1"}`)
	s, err := c.OpenStream(context.Background(), contract.Query{Query: "capital?"})
	require.NoError(t, err)
	defer s.Close()
	chunks, err := drain(t, s)
	require.NoError(t, err)

	assert.Equal(t, "/api/stream_query", gotPath)
	assert.Equal(t, "k1", gotHdr)
	assert.Equal(t, "capital?", gotBody["query"])
	assert.EqualValues(t, 5, gotBody["k"])
	assert.Equal(t, "vector", gotBody["method"])
	assert.NotContains(t, gotBody, "depth")
	assert.NotContains(t, gotBody, "multi_hop")

	assert.Equal(t, body, strings.Join(chunks, ""))
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c), "chunk %q splits a rune", c)
	}
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestEndpoints(t *testing.T) {
	c, err := New(json.RawMessage(`{"base_url":"http://h:1/","path_prefix":"/v2/"}`))
	require.NoError(t, err)
	assert.Equal(t, "http://h:1/v2/stream_query", c.Endpoint(contract.Query{}, true))
	assert.Equal(t, "http://h:1/v2/stream_multihop_query", c.Endpoint(contract.Query{MultiHop: true}, true))
	assert.Equal(t, "http://h:1/v2/query", c.Endpoint(contract.Query{}, false))
	assert.Equal(t, "http://h:1/v2/multihop_query", c.Endpoint(contract.Query{MultiHop: true}, false))
}

func TestNewOptions(t *testing.T) {
	_, err := New(nil)
	assert.NoError(t, err)
	_, err = New(json.RawMessage(`{"base_url":"ftp://x"}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(json.RawMessage(`{"unknown":1}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

// 多跳 JSON：默认 hybrid 与 depth/fanout。
func TestQueryMultiHop(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/multihop_query", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `{"answer":"A [1]","contexts":["c"],"metadatas":[{"source":"s.txt","chunk":2}],"db":"kb","extra":true}`)
	}))
	defer srv.Close()

	res, err := newClient(t, srv, "").Query(context.Background(), contract.Query{Query: "q", MultiHop: true})
	require.NoError(t, err)
	assert.Equal(t, "A [1]", res.Answer)
	assert.Equal(t, "kb", res.DB)
	require.Len(t, res.Metadatas, 1)
	assert.Equal(t, "s.txt", res.Metadatas[0].Source())
	assert.Equal(t, "hybrid", gotBody["method"])
	assert.EqualValues(t, 2, gotBody["depth"])
	assert.EqualValues(t, 2, gotBody["fanout"])
}

func TestQueryInvalidBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}))
	defer srv.Close()
	_, err := newClient(t, srv, "").Query(context.Background(), contract.Query{Query: "q"})
	assert.ErrorIs(t, err, contract.ErrResponseInvalid)
}

// 非 2xx：读取正文前即返回，携带状态码与消息。
func TestUpstreamStatus(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, contract.ErrRateLimited},
		{http.StatusInternalServerError, contract.ErrTransport},
		{http.StatusRequestTimeout, contract.ErrTransport},
		{http.StatusUnprocessableEntity, contract.ErrInvalidInput},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "detail here", tc.status)
		}))
		c := newClient(t, srv, "")
		_, err := c.OpenStream(context.Background(), contract.Query{Query: "q"})
		srv.Close()

		require.Error(t, err)
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		var ue contract.UpstreamError
		require.True(t, errors.As(err, &ue))
		assert.Equal(t, tc.status, ue.UpstreamStatus())
		assert.Equal(t, "detail here", ue.UpstreamMessage())
		var ne net.Error
		assert.Equal(t, tc.status/100 == 5 || tc.status == 408, errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()))
	}
}

// 非法请求在发送前被拒绝。
func TestInvalidQuery(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	_, err = c.OpenStream(context.Background(), contract.Query{Query: "  "})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = c.Query(context.Background(), contract.Query{Query: "x", Method: "dense"})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

// 中途断开：已读内容先交出，随后报告传输错误。
func TestStreamAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	s, err := newClient(t, srv, "").OpenStream(context.Background(), contract.Query{Query: "q"})
	require.NoError(t, err)
	defer s.Close()
	chunks, err := drain(t, s)
	assert.ErrorIs(t, err, contract.ErrTransport)
	assert.Equal(t, "partial", strings.Join(chunks, ""))
}

// Close 使阻塞中的读取尽快返回。
func TestCloseUnblocksNext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "[[CTXJSON]]{}\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s, err := newClient(t, srv, "").OpenStream(context.Background(), contract.Query{Query: "q"})
	require.NoError(t, err)
	var got strings.Builder
	for got.Len() < len("[[CTXJSON]]{}\n") {
		c, _, err := s.Next()
		require.NoError(t, err)
		got.WriteString(c)
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := s.Next()
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestSendFeedback(t *testing.T) {
	var got contract.Feedback
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/feedback", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	}))
	defer srv.Close()
	fb := contract.Feedback{Score: 1, Query: "q", Answer: "a", Sources: []string{"a.txt"}}
	require.NoError(t, newClient(t, srv, "").SendFeedback(context.Background(), fb))
	assert.Equal(t, fb, got)
}

func TestCompleteUTF8(t *testing.T) {
	s := []byte("a巴")
	assert.Equal(t, 4, completeUTF8(s))
	assert.Equal(t, 1, completeUTF8(s[:2]))
	assert.Equal(t, 1, completeUTF8(s[:3]))
	assert.Equal(t, 0, completeUTF8(nil))
	// 非法字节原样透传
	assert.Equal(t, 2, completeUTF8([]byte{'x', 0xff}))
}
