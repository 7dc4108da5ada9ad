package contract

import "errors"

// 最小错误分类（用于上层策略判定与日志分类）。
var (
	// ErrInvalidInput: 请求/配置不合法。
	ErrInvalidInput = errors.New("invalid input")
	// ErrResponseInvalid: 上游响应无法解析（仅 JSON 模式；流式头部损坏不报错）。
	ErrResponseInvalid = errors.New("response invalid")
	// ErrRateLimited: 上游返回 429 或本地闸门拒绝。
	ErrRateLimited = errors.New("rate limited")
	// ErrTransport: 传输层读取中途失败。
	ErrTransport = errors.New("transport failed")
	// ErrCancelled: 调用方主动取消了响应消费。
	ErrCancelled = errors.New("cancelled")
	// ErrPathInvalid: 导出工件标识映射为无效/越界路径。
	ErrPathInvalid = errors.New("path invalid")
)
