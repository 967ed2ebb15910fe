// Package config loads the process-level RuntimeConfig that
// cmd/gretacore wires into the runtime/autotune/generate packages. It
// layers defaults, an optional YAML file, and environment variable
// overrides, the same shape the teacher's per-call functional options
// express scaled up to a process config object.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/gretacore/gretacore/util/osx"
)

// RuntimeConfig is the full set of knobs spec §6.4 and the ambient
// stack's config layer recognize.
type RuntimeConfig struct {
	ModelPath   string  `yaml:"model_path"`
	Prompt      string  `yaml:"prompt"`
	BatchSize   int     `yaml:"batch_size"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
	TopK        int     `yaml:"top_k"`
	TopP        float32 `yaml:"top_p"`
	Greedy      bool    `yaml:"greedy"`
	Seed        int64   `yaml:"seed"`

	ShaderDir string `yaml:"shader_dir"`

	GEMMForce string `yaml:"gemm_force"`
	ProfileBlocks bool `yaml:"profile_blocks"`

	AutotuneForce      string  `yaml:"autotune_force"`
	AutotuneRetune     bool    `yaml:"autotune_retune"`
	AutotuneClear      bool    `yaml:"autotune_clear"`
	AutotuneNoWrite    bool    `yaml:"autotune_no_write"`
	AutotuneMargin     float64 `yaml:"autotune_margin"`
	AutotuneRerunIters int     `yaml:"autotune_rerun_iters"`
	AutotuneMinTFLOPs  float64 `yaml:"autotune_min_tflops"`

	ForceFP32       bool `yaml:"force_fp32"`
	DisableFP16     bool `yaml:"disable_fp16"`
	AllowUnsafe     bool `yaml:"allow_unsafe"`
	FP16AllowUnsafe bool `yaml:"fp16_allow_unsafe"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the hard-coded baseline every layer starts from.
func Default() RuntimeConfig {
	return RuntimeConfig{
		BatchSize:          1,
		MaxTokens:          256,
		Temperature:        0.8,
		TopK:               0,
		TopP:               0,
		Seed:               0,
		AutotuneMargin:     1.03,
		AutotuneRerunIters: 60,
		LogLevel:           "info",
	}
}

// Load builds a RuntimeConfig: defaults, then yamlPath if non-empty
// (spec §10 "Configuration"), then environment variable overrides
// (spec §6.4's table). yamlPath may be "" to skip the file layer.
func Load(yamlPath string) (RuntimeConfig, error) {
	cfg := Default()
	if yamlPath != "" {
		if err := mergeYAMLFile(&cfg, yamlPath); err != nil {
			return RuntimeConfig{}, err
		}
	}
	applyEnvOverrides(&cfg)
	if cfg.ModelPath != "" {
		cfg.ModelPath = osx.InlineTilde(cfg.ModelPath)
	}
	return cfg, nil
}

func mergeYAMLFile(cfg *RuntimeConfig, path string) error {
	path = osx.InlineTilde(path)
	if !osx.ExistsFile(path) {
		return fmt.Errorf("config: %s does not exist or is not a regular file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides mirrors spec §6.4's environment-knob table onto
// cfg. Unset variables leave the existing (default or file-loaded)
// value untouched.
func applyEnvOverrides(cfg *RuntimeConfig) {
	if v := osx.Getenv("GEMM_FORCE"); v != "" {
		cfg.GEMMForce = v
	}
	cfg.ProfileBlocks = cfg.ProfileBlocks || osx.Getenv("PROFILE_BLOCKS") == "1"

	if v := osx.Getenv("VK_AUTOTUNE_FORCE"); v != "" {
		cfg.AutotuneForce = v
	}
	cfg.AutotuneRetune = cfg.AutotuneRetune || osx.Getenv("VK_AUTOTUNE_RETUNE") == "1"
	cfg.AutotuneClear = cfg.AutotuneClear || osx.Getenv("VK_AUTOTUNE_CLEAR") == "1"
	cfg.AutotuneNoWrite = cfg.AutotuneNoWrite || osx.Getenv("VK_AUTOTUNE_NO_WRITE") == "1"
	if v := parseFloatEnv("VK_AUTOTUNE_MARGIN"); v != 0 {
		cfg.AutotuneMargin = v
	}
	if v := parseIntEnv("VK_AUTOTUNE_RERUN_ITERS"); v != 0 {
		cfg.AutotuneRerunIters = v
	}
	if v := parseFloatEnv("VK_AUTOTUNE_MIN_TFLOPS"); v != 0 {
		cfg.AutotuneMinTFLOPs = v
	}

	cfg.ForceFP32 = cfg.ForceFP32 || osx.Getenv("VK_FORCE_FP32") == "1"
	cfg.DisableFP16 = cfg.DisableFP16 || osx.Getenv("VK_DISABLE_FP16") == "1"
	cfg.AllowUnsafe = cfg.AllowUnsafe || osx.ExistEnv("VK_ALLOW_UNSAFE")
	cfg.FP16AllowUnsafe = cfg.FP16AllowUnsafe || osx.ExistEnv("VK_FP16_ALLOW_UNSAFE")

	if v := osx.Getenv("VK_SHADER_DIR"); v != "" {
		cfg.ShaderDir = v
	}
}

func parseFloatEnv(key string) float64 {
	v := osx.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseIntEnv(key string) int {
	v := osx.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
