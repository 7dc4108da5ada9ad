package contract

import (
	"path"
	"strings"
)

// NormalizeArtifactID 规范化工件标识：
// - 反斜杠统一为正斜杠；
// - 清理多余分隔符与 . / .. 片段；
// - 保留相对/绝对语义，越界判断交由 Writer。
func NormalizeArtifactID(p string) ArtifactID {
	s := strings.ReplaceAll(p, "\\", "/")
	return ArtifactID(path.Clean(s))
}
