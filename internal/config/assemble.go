package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"ragstream/internal/citation"
	"ragstream/internal/pipeline"
	"ragstream/internal/rate"
	"ragstream/pkg/registry"
)

// Assemble 依据配置装配组件与运行设置（Logger/Terminal/Hooks 由调用方补充）。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, error) {
	var comp pipeline.Components
	var set pipeline.Settings
	if err := Validate(cfg); err != nil {
		return comp, set, err
	}

	mode, err := pipeline.ParseMode(cfg.Mode)
	if err != nil {
		return comp, set, err
	}
	set.Mode = mode

	// Transport：http 未显式给出 base_url 时注入顶层 base_url
	topts := cloneMap(cfg.TransportOptions)
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if cfg.Transport == "http" {
		if s, ok := topts["base_url"].(string); ok && strings.TrimSpace(s) != "" {
			baseURL = s
		} else if baseURL != "" {
			topts["base_url"] = baseURL
		}
	} else {
		baseURL = ""
	}
	raw, err := json.Marshal(topts)
	if err != nil {
		return comp, set, fmt.Errorf("config: transport_options: %w", err)
	}
	if comp.Transport, err = registry.Transport[cfg.Transport](raw); err != nil {
		return comp, set, fmt.Errorf("config: transport %s: %w", cfg.Transport, err)
	}

	raw, err = json.Marshal(cloneMap(cfg.DecoderOptions))
	if err != nil {
		return comp, set, fmt.Errorf("config: decoder_options: %w", err)
	}
	if comp.NewDecoder, err = registry.Decoder[cfg.Decoder](raw); err != nil {
		return comp, set, fmt.Errorf("config: decoder %s: %w", cfg.Decoder, err)
	}

	if cfg.Export.Format != "" {
		if set.Export, err = citation.ParseFormat(cfg.Export.Format); err != nil {
			return comp, set, err
		}
		raw, err = json.Marshal(map[string]any{"output_dir": cfg.Export.OutputDir})
		if err != nil {
			return comp, set, err
		}
		name := writerName(cfg)
		if comp.Writer, err = registry.Writer[name](raw); err != nil {
			return comp, set, fmt.Errorf("config: writer %s: %w", name, err)
		}
	}

	// 限流：同一 transport:host 共享额度
	if set.GateKey, err = rate.DeriveKey(cfg.Transport, baseURL); err != nil {
		return comp, set, err
	}
	if cfg.Limits.RPM > 0 {
		lim := rate.Limits{RPM: cfg.Limits.RPM, Burst: cfg.Limits.Burst}
		comp.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{set.GateKey: lim}, lim, nil)
	}
	return comp, set, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
