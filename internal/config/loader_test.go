package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "service:\n  name: test-relay\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Name != "test-relay" {
		t.Errorf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.Hook.FinalizeDelay != 200*time.Millisecond {
		t.Errorf("FinalizeDelay = %v, want 200ms", cfg.Hook.FinalizeDelay)
	}
	if cfg.Hook.SystemPrefix != "\nmodule.js:333" {
		t.Errorf("SystemPrefix = %q", cfg.Hook.SystemPrefix)
	}
	if cfg.Registry.URL != "http://localhost:8888" {
		t.Errorf("Registry.URL = %q", cfg.Registry.URL)
	}
	if cfg.SourcePath != path {
		t.Errorf("SourcePath = %q, want %q", cfg.SourcePath, path)
	}
	if len(cfg.Hash) != 64 {
		t.Errorf("Hash = %q, want 64 hex chars", cfg.Hash)
	}
}

func TestLoadDirectoryUsesConfigYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "registry:\n  url: http://hpm.internal:8888\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Registry.URL != "http://hpm.internal:8888" {
		t.Errorf("Registry.URL = %q", cfg.Registry.URL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestParseInterpolatesEnv(t *testing.T) {
	t.Setenv("HOOKRELAY_TEST_REGISTRY", "https://registry.example.com")

	cfg, err := Parse([]byte("registry:\n  url: ${HOOKRELAY_TEST_REGISTRY}\n  timeout: 3s\nhook:\n  finalize_delay: 150ms\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Registry.URL != "https://registry.example.com" {
		t.Errorf("Registry.URL = %q", cfg.Registry.URL)
	}
	if cfg.Registry.Timeout != 3*time.Second {
		t.Errorf("Registry.Timeout = %v", cfg.Registry.Timeout)
	}
	if cfg.Hook.FinalizeDelay != 150*time.Millisecond {
		t.Errorf("FinalizeDelay = %v", cfg.Hook.FinalizeDelay)
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad log level", "service:\n  log_level: loud\n", "service.log_level"},
		{"unset env", "registry:\n  url: ${HOOKRELAY_DEFINITELY_UNSET}\n", "HOOKRELAY_DEFINITELY_UNSET"},
		{"relative registry url", "registry:\n  url: localhost:8888\n", "registry.url"},
		{"zero delay", "hook:\n  finalize_delay: 0s\n", "hook.finalize_delay"},
		{"no command", "worker:\n  command: \"\"\n", "worker.command"},
		{"chunk size", "worker:\n  max_chunk_bytes: 0\n", "worker.max_chunk_bytes"},
		{"debug path", "debug:\n  enabled: true\n  path: \"\"\n", "debug.path"},
		{"token without scopes", "service:\n  tokens:\n    - token: abc\n", "service.tokens[0]"},
		{"malformed yaml", "service: [\n", "failed to parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidationErrorsWrapSentinel(t *testing.T) {
	_, err := Parse([]byte("service:\n  listen: \"\"\n"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestChecksumLockAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "service:\n  name: locked\n")

	// No manifest: verification is skipped.
	if err := VerifyChecksum(path); err != nil {
		t.Fatalf("VerifyChecksum without manifest: %v", err)
	}

	hash, err := WriteChecksum(path)
	if err != nil {
		t.Fatalf("WriteChecksum: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after lock: %v", err)
	}
	if cfg.Hash != hash {
		t.Errorf("cfg.Hash = %q, want %q", cfg.Hash, hash)
	}

	writeConfig(t, dir, "service:\n  name: tampered\n")
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestChecksumUnlistedFile(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "other.yaml")
	if err := os.WriteFile(other, []byte("service: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := WriteChecksum(other); err != nil {
		t.Fatalf("WriteChecksum: %v", err)
	}

	path := writeConfig(t, dir, "service:\n  name: x\n")
	if err := VerifyChecksum(path); err == nil || !strings.Contains(err.Error(), "not listed") {
		t.Fatalf("expected not listed error, got %v", err)
	}
}

func TestHashBytesIsStable(t *testing.T) {
	a := HashBytes([]byte("hookrelay"))
	b := HashBytes([]byte("hookrelay"))
	if a != b || a == HashBytes([]byte("hookrelay2")) {
		t.Fatal("HashBytes should be deterministic and input-sensitive")
	}
}
