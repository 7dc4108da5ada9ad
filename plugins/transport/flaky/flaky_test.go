package flaky

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ragstream/pkg/contract"
)

// 流式：限流 → 中途断开 → 正常
func TestOpenStreamSequence(t *testing.T) {
	logp := filepath.Join(t.TempDir(), "flaky.log")
	c, err := New(json.RawMessage(`{"chunk_bytes":4,"fail_after_chunks":1,"log_path":"` + filepath.ToSlash(logp) + `"}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	q := contract.Query{Query: "q"}
	if _, err := c.OpenStream(context.Background(), q); !errors.Is(err, contract.ErrRateLimited) {
		t.Fatalf("call 1: expect rate limited, got %v", err)
	}

	s, err := c.OpenStream(context.Background(), q)
	if err != nil {
		t.Fatalf("call 2 open: %v", err)
	}
	first, done, err := s.Next()
	if err != nil || done || first == "" {
		t.Fatalf("call 2 first chunk: %q %v %v", first, done, err)
	}
	if _, _, err := s.Next(); !errors.Is(err, contract.ErrTransport) {
		t.Fatalf("call 2: expect transport error, got %v", err)
	}
	_ = s.Close()

	s, err = c.OpenStream(context.Background(), q)
	if err != nil {
		t.Fatalf("call 3 open: %v", err)
	}
	var sb strings.Builder
	for {
		chunk, done, err := s.Next()
		if err != nil {
			t.Fatalf("call 3: %v", err)
		}
		sb.WriteString(chunk)
		if done {
			break
		}
	}
	if !strings.HasSuffix(sb.String(), "MOCK answer citing [1].") {
		t.Fatalf("call 3 body: %q", sb.String())
	}

	b, err := os.ReadFile(logp)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if got := string(b); got != "rate_limited\nbroken_stream\nok\n" {
		t.Fatalf("log: %q", got)
	}
}

// JSON：限流 → 结果无效 → 正常
func TestQuerySequence(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	q := contract.Query{Query: "q"}
	if _, err := c.Query(context.Background(), q); !errors.Is(err, contract.ErrRateLimited) {
		t.Fatalf("call 1: %v", err)
	}
	if _, err := c.Query(context.Background(), q); !errors.Is(err, contract.ErrResponseInvalid) {
		t.Fatalf("call 2: %v", err)
	}
	res, err := c.Query(context.Background(), q)
	if err != nil || res.Answer == "" {
		t.Fatalf("call 3: %v %#v", err, res)
	}
}

func TestNewRejectsUnknown(t *testing.T) {
	if _, err := New(json.RawMessage(`{"bogus":true}`)); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect invalid input, got %v", err)
	}
}
