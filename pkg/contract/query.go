package contract

// 检索方式。
const (
	MethodVector = "vector"
	MethodBM25   = "bm25"
	MethodHybrid = "hybrid"
)

// Query: 问答请求载荷（原样序列化给协作方；核心不解释其语义）。
// MultiHop 仅用于选择端点，不参与序列化。
type Query struct {
	Query        string  `json:"query" validate:"required"`
	K            int     `json:"k" validate:"min=1"`
	Method       string  `json:"method" validate:"oneof=vector bm25 hybrid"`
	BM25Weight   float64 `json:"bm25_weight" validate:"gte=0,lte=1"`
	RerankEnable bool    `json:"rerank_enable"`
	RerankTopN   int     `json:"rerank_top_n" validate:"min=1"`
	DB           string  `json:"db,omitempty"`

	MultiHop bool `json:"-"`
	Depth    int  `json:"depth,omitempty" validate:"gte=0"`
	Fanout   int  `json:"fanout,omitempty" validate:"gte=0"`
}

// WithDefaults 填充零值字段的默认值（与协作方请求模型默认一致）。
func (q Query) WithDefaults() Query {
	if q.K == 0 {
		q.K = 5
	}
	if q.Method == "" {
		q.Method = MethodVector
		if q.MultiHop {
			q.Method = MethodHybrid
		}
	}
	if q.BM25Weight == 0 {
		q.BM25Weight = 0.5
	}
	if q.RerankTopN == 0 {
		q.RerankTopN = 10
	}
	if q.MultiHop {
		if q.Depth == 0 {
			q.Depth = 2
		}
		if q.Fanout == 0 {
			q.Fanout = 2
		}
	} else {
		q.Depth, q.Fanout = 0, 0
	}
	return q
}
