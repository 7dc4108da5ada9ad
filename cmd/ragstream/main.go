package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// 退出码：0 成功；1 运行期失败；2 用法错误；3 配置/装配失败；130 被取消。
const (
	exitOK        = 0
	exitRuntime   = 1
	exitUsage     = 2
	exitConfig    = 3
	exitCancelled = 130
)

// exitError 携带退出码；err 为空表示已向用户输出过信息。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, a ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, a...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute 构造命令树并运行，返回进程退出码。
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRoot()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil && ee.code != exitCancelled {
			fmt.Fprintf(stderr, "ragstream: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "ragstream: %v\n", err)
	return exitUsage
}

// rootFlags: 所有子命令共享的持久旗标。
type rootFlags struct {
	config   string
	logLevel string
	logDir   string
}

func newRoot() *cobra.Command {
	var rf rootFlags
	root := &cobra.Command{
		Use:           "ragstream",
		Short:         "RAG 问答服务的流式客户端",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&rf.config, "config", "c", "", "配置文件（json/yaml/toml）；缺省读取 ./"+defaultConfigName+"（若存在）")
	root.PersistentFlags().StringVar(&rf.logLevel, "log-level", "", "日志等级 debug|info|warn|error（覆盖配置）")
	root.PersistentFlags().StringVar(&rf.logDir, "log-dir", "", `日志目录；"-" 表示 stderr（覆盖配置）`)

	root.AddCommand(askCMD(&rf), initConfigCMD(), mockServeCMD(&rf))
	return root
}

const defaultConfigName = "ragstream.json"

// configPath: 显式 --config > RAGSTREAM_CONFIG > ./ragstream.json（存在时）。
func (rf *rootFlags) configPath() string {
	if p := strings.TrimSpace(rf.config); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("RAGSTREAM_CONFIG")); p != "" {
		return p
	}
	if st, err := os.Stat(defaultConfigName); err == nil && !st.IsDir() {
		return defaultConfigName
	}
	return ""
}
