package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENGINE_COMMAND", "ENGINE_TIMEOUT", "ENGINE_MAX_CONCURRENT"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Port != "8080" {
		t.Fatalf("unexpected default port: %s", cfg.Port)
	}
	if cfg.EngineCommand != "python3" {
		t.Fatalf("unexpected default engine command: %s", cfg.EngineCommand)
	}
	if cfg.EngineTimeout != 2*time.Minute {
		t.Fatalf("unexpected default engine timeout: %s", cfg.EngineTimeout)
	}
	if cfg.EngineMaxConcurrent != 4 {
		t.Fatalf("unexpected default concurrency: %d", cfg.EngineMaxConcurrent)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENGINE_TIMEOUT", "30s")
	t.Setenv("ENGINE_MAX_CONCURRENT", "2")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Fatalf("expected port override, got %s", cfg.Port)
	}
	if cfg.EngineTimeout != 30*time.Second {
		t.Fatalf("expected timeout override, got %s", cfg.EngineTimeout)
	}
	if cfg.EngineMaxConcurrent != 2 {
		t.Fatalf("expected concurrency override, got %d", cfg.EngineMaxConcurrent)
	}
}

func TestParseEngineEnv(t *testing.T) {
	env := parseEngineEnv("MODEL_DIR=/opt/models, CUDA_VISIBLE_DEVICES=0 ,malformed,")

	if len(env) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(env), env)
	}
	if env[0] != "MODEL_DIR=/opt/models" {
		t.Fatalf("unexpected first entry: %s", env[0])
	}
	if env[1] != "CUDA_VISIBLE_DEVICES=0" {
		t.Fatalf("unexpected second entry: %s", env[1])
	}
}

func TestChildEnvIsEnumerated(t *testing.T) {
	t.Setenv("ENGINE_ENV", "MODEL_DIR=/opt/models")
	t.Setenv("SECRET_TOKEN", "should-not-leak")

	cfg := Load()
	env := cfg.ChildEnv()

	for _, entry := range env {
		if strings.HasPrefix(entry, "SECRET_TOKEN=") {
			t.Fatalf("ambient variable leaked into child env: %v", env)
		}
	}

	found := false
	for _, entry := range env {
		if entry == "MODEL_DIR=/opt/models" {
			found = true
		}
	}
	if !found {
		t.Fatalf("enumerated entry missing from child env: %v", env)
	}
}
