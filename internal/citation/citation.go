// Package citation 将答案中的 [n] 标记解析为引用记录。
//
// 规则：自左向右扫描 "[" 数字+ "]"；n 不可解析、n<1、n>len(metas) 或已出现过的
// 标记被静默跳过；其余按首次出现顺序输出 {n, metas[n-1].source, metas[n-1].chunk}。
package citation

import (
	"strconv"
	"strings"

	"ragstream/pkg/contract"
)

// Resolve 对完整答案做一次性解析。
func Resolve(answer string, metas []contract.Metadata) []contract.Citation {
	return NewResolver(metas).Update(answer)
}

// Resolver: 针对单个响应的增量解析器。
// 答案只会追加增长，因此每次 Update 只需扫描上次未决的后缀；
// 输出与对同一文本调用 Resolve 完全一致。非并发安全。
type Resolver struct {
	metas []contract.Metadata
	seen  map[int]struct{}
	out   []contract.Citation
	// pos: 下次扫描起点（可能回退到末尾未闭合的 "[数字" 处）。
	pos int
}

// NewResolver 绑定一份元信息列表。
func NewResolver(metas []contract.Metadata) *Resolver {
	return &Resolver{metas: metas, seen: make(map[int]struct{})}
}

// Update 以当前完整答案推进解析并返回全部引用（只追加，不改写已有条目）。
// answer 必须是上一次传入文本的追加扩展；若长度回退则从头重建。
func (r *Resolver) Update(answer string) []contract.Citation {
	if len(answer) < r.pos {
		r.Reset()
	}
	r.pos = scan(answer, r.pos, r.add)
	return r.out[:len(r.out):len(r.out)]
}

// Citations 返回当前已解析的引用。
func (r *Resolver) Citations() []contract.Citation {
	return r.out[:len(r.out):len(r.out)]
}

// Reset 清空解析状态（元信息保持不变）。
func (r *Resolver) Reset() {
	r.seen = make(map[int]struct{})
	r.out = nil
	r.pos = 0
}

func (r *Resolver) add(digits string) {
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 || n > len(r.metas) {
		return
	}
	if _, dup := r.seen[n]; dup {
		return
	}
	r.seen[n] = struct{}{}
	m := r.metas[n-1]
	c := contract.Citation{Index: n, Source: m.Source()}
	if chunk, ok := m.Chunk(); ok {
		c.Chunk = &chunk
	}
	r.out = append(r.out, c)
}

// scan 从 from 开始查找完整标记并回调其数字部分；
// 返回下次应继续的位置：若文本以未闭合的 "[" 或 "[数字" 结尾，则返回该 "[" 的位置。
func scan(s string, from int, emit func(digits string)) int {
	i := from
	for i < len(s) {
		k := strings.IndexByte(s[i:], '[')
		if k < 0 {
			return len(s)
		}
		start := i + k
		j := start + 1
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j == len(s) {
			return start
		}
		if j > start+1 && s[j] == ']' {
			emit(s[start+1 : j])
			i = j + 1
			continue
		}
		i = start + 1
	}
	return len(s)
}
