package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"ragstream/pkg/contract"
	"ragstream/pkg/registry"
)

// EnvPrefix: 环境变量前缀；嵌套键以 "_" 连接，例如 RAGSTREAM_LIMITS_RPM。
const EnvPrefix = "RAGSTREAM"

// Defaults 返回内置默认配置。
func Defaults() Config {
	return Config{
		BaseURL:   "http://localhost:8000",
		Mode:      "stream",
		Transport: "http",
		Decoder:   "ctxjson",
		Limits:    Limits{Burst: 1},
		Export:    Export{Writer: "fs", OutputDir: "exports"},
		Logging:   Logging{Level: "info", Dir: "logs"},
	}
}

// FlagKeys: CLI 旗标名 → 配置键。仅绑定在 FlagSet 中实际存在的旗标。
var FlagKeys = map[string]string{
	"base-url":     "base_url",
	"mode":         "mode",
	"multi-hop":    "multi_hop",
	"k":            "query.k",
	"method":       "query.method",
	"bm25-weight":  "query.bm25_weight",
	"rerank":       "query.rerank_enable",
	"rerank-top-n": "query.rerank_top_n",
	"db":           "query.db",
	"depth":        "query.depth",
	"fanout":       "query.fanout",
	"transport":    "transport",
	"decoder":      "decoder",
	"rpm":          "limits.rpm",
	"export":       "export.format",
	"export-dir":   "export.output_dir",
	"log-level":    "logging.level",
	"log-dir":      "logging.dir",
	"metrics-addr": "metrics_addr",
}

// setDefaults 为每个键注册默认值；AutomaticEnv 只对已知键生效。
func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("mode", d.Mode)
	v.SetDefault("multi_hop", d.MultiHop)
	v.SetDefault("query.k", d.Query.K)
	v.SetDefault("query.method", d.Query.Method)
	v.SetDefault("query.bm25_weight", d.Query.BM25Weight)
	v.SetDefault("query.rerank_enable", d.Query.RerankEnable)
	v.SetDefault("query.rerank_top_n", d.Query.RerankTopN)
	v.SetDefault("query.db", d.Query.DB)
	v.SetDefault("query.depth", d.Query.Depth)
	v.SetDefault("query.fanout", d.Query.Fanout)
	v.SetDefault("transport", d.Transport)
	v.SetDefault("transport_options", map[string]any{})
	v.SetDefault("decoder", d.Decoder)
	v.SetDefault("decoder_options", map[string]any{})
	v.SetDefault("limits.rpm", d.Limits.RPM)
	v.SetDefault("limits.burst", d.Limits.Burst)
	v.SetDefault("export.format", d.Export.Format)
	v.SetDefault("export.writer", d.Export.Writer)
	v.SetDefault("export.output_dir", d.Export.OutputDir)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

// Load 解析配置。优先级：旗标 > 环境变量 > 配置文件 > 默认值。
// path 为空时不读文件；文件格式按扩展名（json/yaml/toml）判定。
// 配置文件中的未知键返回包装 ErrInvalidInput 的错误。
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if flags != nil {
		for name, key := range FlagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("config: bind flag %s: %w", name, err)
			}
		}
	}
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %v: %w", err, contract.ErrInvalidInput)
	}
	return cfg, nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() { validate = validator.New() })
	return validate
}

// Validate 静态校验：字段边界 + 组件名已注册。
func Validate(cfg Config) error {
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fe.Namespace()+":"+fe.Tag())
			}
			return fmt.Errorf("config: invalid (%s): %w", strings.Join(parts, ","), contract.ErrInvalidInput)
		}
		return fmt.Errorf("config: %v: %w", err, contract.ErrInvalidInput)
	}
	if registry.Transport[cfg.Transport] == nil {
		return fmt.Errorf("config: transport %q not registered (have %s): %w",
			cfg.Transport, strings.Join(registry.Names(registry.Transport), ","), contract.ErrInvalidInput)
	}
	if registry.Decoder[cfg.Decoder] == nil {
		return fmt.Errorf("config: decoder %q not registered (have %s): %w",
			cfg.Decoder, strings.Join(registry.Names(registry.Decoder), ","), contract.ErrInvalidInput)
	}
	if cfg.Export.Format != "" && registry.Writer[writerName(cfg)] == nil {
		return fmt.Errorf("config: writer %q not registered: %w", cfg.Export.Writer, contract.ErrInvalidInput)
	}
	if cfg.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.MetricsAddr); err != nil {
			return fmt.Errorf("config: metrics_addr %q: %v: %w", cfg.MetricsAddr, err, contract.ErrInvalidInput)
		}
	}
	return nil
}

func writerName(cfg Config) string {
	if n := strings.TrimSpace(cfg.Export.Writer); n != "" {
		return n
	}
	return Defaults().Export.Writer
}
