package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cfgpkg "ragstream/internal/config"
	"ragstream/internal/diag"
	"ragstream/internal/fakesvc"
	"ragstream/plugins/transport/mock"
)

func initConfigCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "在目录中生成默认配置 " + defaultConfigName + "（已存在则跳过）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			cfg := cfgpkg.DefaultTemplateConfig()
			if dir == "-" {
				if err := cfgpkg.WriteTemplate("-", cmd.OutOrStdout(), cfg); err != nil {
					return fail(exitConfig, "生成默认配置失败: %w", err)
				}
				return nil
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fail(exitConfig, "生成默认配置失败: %w", err)
			}
			path := filepath.Join(dir, defaultConfigName)
			if err := cfgpkg.WriteTemplate(path, nil, cfg); err != nil {
				if errors.Is(err, os.ErrExist) {
					fmt.Fprintf(cmd.ErrOrStderr(), "已存在，跳过: %s\n", path)
					return nil
				}
				return fail(exitConfig, "生成默认配置失败: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "已生成: %s\n", path)
			return nil
		},
	}
}

type serveFlags struct {
	addr       string
	script     string
	chunkBytes int
	delayMS    int
	headerMode string
	abortAfter int
	status     int
}

func mockServeCMD(rf *rootFlags) *cobra.Command {
	var sf serveFlags
	cmd := &cobra.Command{
		Use:   "mock-serve",
		Short: "启动脚本化的问答服务替身（离线联调）",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMockServe(cmd.Context(), rf, sf, cmd)
		},
	}
	f := cmd.Flags()
	f.StringVar(&sf.addr, "addr", ":8000", "监听地址")
	f.StringVar(&sf.script, "script", "", "脚本文件（JSON：answer/contexts/metadatas/db…）")
	f.IntVar(&sf.chunkBytes, "chunk-bytes", 0, "流式分片字节数（覆盖脚本）")
	f.IntVar(&sf.delayMS, "delay-ms", 0, "分片间隔毫秒（覆盖脚本）")
	f.StringVar(&sf.headerMode, "header-mode", "", "头部形态 none|malformed（空为正常）（覆盖脚本）")
	f.IntVar(&sf.abortAfter, "abort-after", 0, "写出 N 个分片后断开连接（0 不断开）")
	f.IntVar(&sf.status, "status", 0, "问答端点一律以该状态码拒绝（例如 429）")
	return cmd
}

func runMockServe(ctx context.Context, rf *rootFlags, sf serveFlags, cmd *cobra.Command) error {
	sc, err := loadScript(sf.script)
	if err != nil {
		return fail(exitConfig, "脚本解析失败: %w", err)
	}
	if sf.chunkBytes > 0 {
		sc.ChunkBytes = sf.chunkBytes
	}
	if sf.delayMS > 0 {
		sc.DelayMS = sf.delayMS
	}
	if sf.headerMode != "" {
		sc.HeaderMode = sf.headerMode
	}
	level := rf.logLevel
	if level == "" {
		level = "info"
	}
	logger := diag.NewLogger(uuid.NewString(), level, rf.logDir)
	defer logger.Close()

	srv, err := fakesvc.New(fakesvc.Options{Script: sc, AbortAfterChunks: sf.abortAfter, Status: sf.status, Logger: logger})
	if err != nil {
		return fail(exitConfig, "替身启动失败: %w", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(sf.addr) }()
	fmt.Fprintf(cmd.ErrOrStderr(), "mock-serve listening on %s\n", sf.addr)

	select {
	case err := <-errc:
		if err != nil {
			return fail(exitRuntime, "监听失败: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fail(exitRuntime, "关闭失败: %w", err)
	}
	return nil
}

// loadScript 严格解析脚本文件；path 为空返回零值脚本（使用内置默认）。
func loadScript(path string) (mock.Script, error) {
	var sc mock.Script
	if strings.TrimSpace(path) == "" {
		return sc, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return sc, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sc); err != nil {
		return sc, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}
