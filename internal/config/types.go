package config

import "ragstream/pkg/contract"

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；配置文件中的未知键在解析期失败。
type Config struct {
	// BaseURL: 协作方地址；http 传输未在 transport_options 中给出 base_url 时使用。
	BaseURL  string `mapstructure:"base_url" json:"base_url" validate:"omitempty,url"`
	Mode     string `mapstructure:"mode" json:"mode" validate:"oneof=stream json"`
	MultiHop bool   `mapstructure:"multi_hop" json:"multi_hop"`
	// Query: 请求参数默认值（零值交由 contract.Query.WithDefaults 决定）。
	Query QueryDefaults `mapstructure:"query" json:"query"`

	// 组件名选择（注册表中的实现名）与原样 Options。
	Transport        string         `mapstructure:"transport" json:"transport" validate:"required"`
	TransportOptions map[string]any `mapstructure:"transport_options" json:"transport_options"`
	Decoder          string         `mapstructure:"decoder" json:"decoder" validate:"required"`
	DecoderOptions   map[string]any `mapstructure:"decoder_options" json:"decoder_options"`

	Limits      Limits  `mapstructure:"limits" json:"limits"`
	Export      Export  `mapstructure:"export" json:"export"`
	Logging     Logging `mapstructure:"logging" json:"logging"`
	MetricsAddr string  `mapstructure:"metrics_addr" json:"metrics_addr" validate:"omitempty"`
}

// QueryDefaults: 问答请求参数默认值。
type QueryDefaults struct {
	K            int     `mapstructure:"k" json:"k" validate:"gte=0"`
	Method       string  `mapstructure:"method" json:"method" validate:"omitempty,oneof=vector bm25 hybrid"`
	BM25Weight   float64 `mapstructure:"bm25_weight" json:"bm25_weight" validate:"gte=0,lte=1"`
	RerankEnable bool    `mapstructure:"rerank_enable" json:"rerank_enable"`
	RerankTopN   int     `mapstructure:"rerank_top_n" json:"rerank_top_n" validate:"gte=0"`
	DB           string  `mapstructure:"db" json:"db"`
	Depth        int     `mapstructure:"depth" json:"depth" validate:"gte=0"`
	Fanout       int     `mapstructure:"fanout" json:"fanout" validate:"gte=0"`
}

// Limits: 客户端限流（执行位于 rate.Gate）；rpm<=0 表示不限流。
type Limits struct {
	RPM   int `mapstructure:"rpm" json:"rpm" validate:"gte=0"`
	Burst int `mapstructure:"burst" json:"burst" validate:"gte=0"`
}

// Export: 引用导出；format 为空表示不导出。
type Export struct {
	Format    string `mapstructure:"format" json:"format" validate:"omitempty,oneof=json csv md markdown"`
	Writer    string `mapstructure:"writer" json:"writer"`
	OutputDir string `mapstructure:"output_dir" json:"output_dir"`
}

// Logging: 日志等级与目录（"-" 表示 stderr）。
type Logging struct {
	Level string `mapstructure:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `mapstructure:"dir" json:"dir"`
}

// QueryFor 以配置中的默认参数构造一次请求。
func (c Config) QueryFor(text string) contract.Query {
	return contract.Query{
		Query:        text,
		K:            c.Query.K,
		Method:       c.Query.Method,
		BM25Weight:   c.Query.BM25Weight,
		RerankEnable: c.Query.RerankEnable,
		RerankTopN:   c.Query.RerankTopN,
		DB:           c.Query.DB,
		MultiHop:     c.MultiHop,
		Depth:        c.Query.Depth,
		Fanout:       c.Query.Fanout,
	}.WithDefaults()
}
