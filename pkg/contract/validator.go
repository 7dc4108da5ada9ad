package contract

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ValidateQuery 校验请求载荷；失败时返回包装 ErrInvalidInput 的错误，
// 消息中列出所有违规字段（形如 "k:min"）。
func ValidateQuery(q Query) error {
	if strings.TrimSpace(q.Query) == "" {
		return fmt.Errorf("query empty: %w", ErrInvalidInput)
	}
	if q.MultiHop && (q.Depth < 1 || q.Fanout < 1) {
		return fmt.Errorf("multi-hop depth/fanout must be >= 1: %w", ErrInvalidInput)
	}
	err := structValidator().Struct(q)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, strings.ToLower(fe.Field())+":"+fe.Tag())
		}
		return fmt.Errorf("query invalid (%s): %w", strings.Join(parts, ","), ErrInvalidInput)
	}
	return fmt.Errorf("query invalid: %v: %w", err, ErrInvalidInput)
}

// CloneHeader 深拷贝头部，避免会话之间共享底层切片/映射。
func CloneHeader(h *Header) *Header {
	if h == nil {
		return nil
	}
	out := &Header{DB: h.DB}
	out.Contexts = append(make([]string, 0, len(h.Contexts)), h.Contexts...)
	out.Metadatas = make([]Metadata, 0, len(h.Metadatas))
	for _, m := range h.Metadatas {
		out.Metadatas = append(out.Metadatas, cloneMetadata(m))
	}
	return out
}

func cloneMetadata(m Metadata) Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
