package contract

// UpstreamError 承载协作方 HTTP 非成功状态的最小诊断信息。
// 传输实现应提供状态码与简短消息，便于 pipeline 记录结构化日志字段。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}
