package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ragstream/pkg/contract"
)

// DefaultOutputDir: 未配置时的导出目录。
const DefaultOutputDir = "exports"

// Options: 引用导出 Writer 选项。
type Options struct {
	// OutputDir: 导出根目录；空则使用 DefaultOutputDir。
	OutputDir string `json:"output_dir"`
	// Atomic: 是否使用原子替换（同目录临时文件 + rename）；未提供时为 true。
	Atomic *bool `json:"atomic,omitempty"`
	// Nested: 是否保留工件标识中的子目录（默认 false，仅保留文件名）。
	Nested bool `json:"nested,omitempty"`
	// PermFile/PermDir: 可选权限；为 0 使用默认。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
}

// FS: 文件系统导出 Writer；同一工件单写者，不同工件可并发写入。
type FS struct {
	root   string
	atomic bool
	nested bool
	permF  os.FileMode
	permD  os.FileMode
}

var _ contract.Writer = (*FS)(nil)

// New 创建文件系统 Writer。
func New(opts *Options) (*FS, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	root := strings.TrimSpace(o.OutputDir)
	if root == "" {
		root = DefaultOutputDir
	}
	if strings.ContainsRune(root, 0) {
		return nil, fmt.Errorf("writer: output_dir %q: %w", root, contract.ErrInvalidInput)
	}
	w := &FS{root: root, atomic: true, nested: o.Nested, permF: o.PermFile, permD: o.PermDir}
	if o.Atomic != nil {
		w.atomic = *o.Atomic
	}
	if w.permF == 0 {
		w.permF = 0o644
	}
	if w.permD == 0 {
		w.permD = 0o755
	}
	return w, nil
}

// Root 返回导出根目录。
func (w *FS) Root() string { return w.root }

// Path 返回工件映射后的目标路径；越界或无效时返回 ErrPathInvalid。
func (w *FS) Path(id contract.ArtifactID) (string, error) {
	rel := filepath.FromSlash(string(contract.NormalizeArtifactID(string(id))))
	if !w.nested {
		rel = filepath.Base(rel)
	}
	switch {
	case rel == "." || rel == ".." || rel == "" || rel == string(filepath.Separator):
		return "", fmt.Errorf("artifact %q: %w", id, contract.ErrPathInvalid)
	case filepath.IsAbs(rel) || filepath.VolumeName(rel) != "":
		return "", fmt.Errorf("artifact %q is absolute: %w", id, contract.ErrPathInvalid)
	case strings.HasPrefix(rel, ".."+string(filepath.Separator)):
		return "", fmt.Errorf("artifact %q escapes output dir: %w", id, contract.ErrPathInvalid)
	}
	return filepath.Join(w.root, rel), nil
}

// Write 将 r 的全部字节写入 id 对应的文件。
func (w *FS) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := w.Path(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return err
	}
	if w.atomic {
		return w.replace(ctx, dest, r)
	}
	return w.overwrite(ctx, dest, r)
}

func (w *FS) overwrite(ctx context.Context, dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// replace: 写入同目录临时文件后 rename，读者只会看到旧内容或完整新内容。
func (w *FS) replace(ctx context.Context, dest string, r io.Reader) (err error) {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	_ = tmp.Chmod(w.permF)

	bw := bufio.NewWriter(tmp)
	if _, err = io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	// os.Rename 在 Windows 上同样覆盖已存在目标
	if err = os.Rename(tmpPath, dest); err != nil {
		return err
	}
	syncDir(dir)
	return nil
}

// syncDir 尽力同步父目录元数据；不支持的平台忽略错误。
func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = f.Sync()
	_ = f.Close()
}

// readerWithCtx: 每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
