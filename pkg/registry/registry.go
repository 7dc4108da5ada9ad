package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"ragstream/pkg/contract"
	"ragstream/plugins/decoder/ctxjson"
	"ragstream/plugins/transport/flaky"
	"ragstream/plugins/transport/httpapi"
	"ragstream/plugins/transport/mock"
	wfs "ragstream/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%v: %w", err, contract.ErrInvalidInput)
	}
	return nil
}

// NewTransport 工厂签名：接收原样 JSON Options。
type NewTransport func(raw json.RawMessage) (contract.Transport, error)

// NewDecoder 工厂签名：返回每个响应各用一次的解码器工厂。
type NewDecoder func(raw json.RawMessage) (contract.NewFrameDecoder, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Transport 工厂注册表（显式、零反射）。
var Transport = map[string]NewTransport{
	// http: 问答服务 HTTP 客户端
	"http":  func(raw json.RawMessage) (contract.Transport, error) { return httpapi.New(raw) },
	"mock":  func(raw json.RawMessage) (contract.Transport, error) { return mock.New(raw) },
	"flaky": func(raw json.RawMessage) (contract.Transport, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// ctxjson: [[CTXJSON]] 头部帧 + 正文
	"ctxjson": ctxjson.Factory,
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（默认原子替换）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// Names 返回注册表中已排序的名称（用于帮助与错误信息）。
func Names[F any](m map[string]F) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
