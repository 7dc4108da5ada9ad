package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// DefaultTemplateConfig 返回一个可运行的配置模板：
// 列出 http 传输与 ctxjson 解码器的全部选项键（值为中性默认），导出默认关闭。
func DefaultTemplateConfig() Config {
	cfg := Defaults()
	cfg.TransportOptions = map[string]any{
		"path_prefix":       "/api",
		"timeout_seconds":   300,
		"read_buffer_bytes": 4096,
		"extra_headers":     map[string]string{},
	}
	cfg.DecoderOptions = map[string]any{
		"sentinel":         "",
		"repair_header":    false,
		"max_header_bytes": 0,
	}
	return cfg
}

// WriteTemplate 以缩进 JSON 写出配置；path 为 "-" 时写入 w。
// 不覆盖已存在的文件。
func WriteTemplate(path string, w io.Writer, cfg Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if path == "-" {
		_, err = w.Write(b)
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("config: write template: %w", err)
	}
	defer f.Close()
	_, err = f.Write(b)
	return err
}
