package contract

import "context"

// RawStream: 只读顺序拉取的文本分片流；调用方负责在用毕后 Close。
// 约束：
//  1. 同一时刻至多一个 Next 在途；
//  2. done=true 表示正常结束（此时 chunk 可为空）；
//  3. Close 幂等，且应使阻塞中的 Next 尽快返回。
type RawStream interface {
	Next() (chunk string, done bool, err error)
	Close() error
}

// Transport: 面向问答服务的传输层。
// OpenStream 返回分帧文本流；Query 返回单 JSON 结果。
// 非 2xx 状态必须在读取任何正文前以错误返回（不产生头部/答案）。
// 超时属于传输层职责；核心不做重试。
type Transport interface {
	OpenStream(ctx context.Context, q Query) (RawStream, error)
	Query(ctx context.Context, q Query) (QueryResult, error)
}

// Frame: 帧解码器单次 Feed 的输出。
// HeaderReady 仅在头部首次就绪的那一次为 true。
type Frame struct {
	HeaderReady bool
	Header      *Header
	Text        string
}

// FrameDecoder: 将任意切分的文本分片还原为 {可选头部, 追加式正文}。
// 实例仅服务于单个响应，不可跨响应复用。
type FrameDecoder interface {
	Feed(chunk string) Frame
	// Flush 在传输结束时调用：若仍在等待头部，缓冲内容整体作为正文输出。
	Flush() Frame
}

// NewFrameDecoder: 帧解码器工厂（每个响应调用一次）。
type NewFrameDecoder func() FrameDecoder

// FeedbackSink: 可选能力，传输层若实现则可将评价提交给协作方。
type FeedbackSink interface {
	SendFeedback(ctx context.Context, fb Feedback) error
}
