package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.BatchSize != 1 || cfg.MaxTokens != 256 || cfg.AutotuneMargin != 1.03 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "model_path: /tmp/model.gguf\nmax_tokens: 64\ntemperature: 0.5\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ModelPath != "/tmp/model.gguf" || cfg.MaxTokens != 64 || cfg.Temperature != 0.5 {
		t.Errorf("yaml overrides not applied: %+v", cfg)
	}
	if cfg.BatchSize != 1 {
		t.Errorf("unset yaml fields should keep their default, got batch_size=%d", cfg.BatchSize)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestEnvOverridesTakePrecedenceOverYAML(t *testing.T) {
	t.Setenv("GEMM_FORCE", "VALU")
	t.Setenv("PROFILE_BLOCKS", "1")
	t.Setenv("VK_ALLOW_UNSAFE", "1")
	t.Setenv("VK_AUTOTUNE_MARGIN", "1.10")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GEMMForce != "VALU" {
		t.Errorf("GEMM_FORCE override not applied, got %q", cfg.GEMMForce)
	}
	if !cfg.ProfileBlocks {
		t.Error("PROFILE_BLOCKS=1 should set ProfileBlocks")
	}
	if !cfg.AllowUnsafe {
		t.Error("VK_ALLOW_UNSAFE presence should set AllowUnsafe")
	}
	if cfg.AutotuneMargin != 1.10 {
		t.Errorf("VK_AUTOTUNE_MARGIN override not applied, got %f", cfg.AutotuneMargin)
	}
}

func TestEnvOverrideLeavesUnsetFieldsAlone(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GEMMForce != "" {
		t.Errorf("expected empty GEMMForce with no env set, got %q", cfg.GEMMForce)
	}
}
