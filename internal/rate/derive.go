package rate

import (
	"fmt"
	"net/url"
	"strings"

	"ragstream/pkg/contract"
)

// DeriveKey 由传输名与协作方 base_url 生成限流分组键（transport:host）。
// 同一主机的多个会话共享额度；非 http 传输只按名称分组。
func DeriveKey(transport, baseURL string) (LimitKey, error) {
	transport = strings.TrimSpace(transport)
	if transport == "" {
		return "", fmt.Errorf("rate: empty transport name: %w", contract.ErrInvalidInput)
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return LimitKey(transport), nil
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("rate: invalid base_url %q: %w", baseURL, contract.ErrInvalidInput)
	}
	return LimitKey(transport + ":" + strings.ToLower(u.Host)), nil
}
