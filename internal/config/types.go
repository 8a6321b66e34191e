package config

import (
	"time"

	"github.com/mattjoyce/hookrelay/internal/auth"
)

// Config represents the complete hookrelay configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Registry RegistryConfig `yaml:"registry"`
	Hook     HookConfig     `yaml:"hook"`
	Worker   WorkerConfig   `yaml:"worker"`
	Debug    DebugConfig    `yaml:"debug"`

	// SourcePath and Hash identify the file the config was loaded from.
	SourcePath string `yaml:"-"`
	Hash       string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	Listen   string `yaml:"listen"`
	PIDFile  string `yaml:"pid_file"`

	// Tokens guard the debug log and metrics endpoints. Empty leaves them open.
	Tokens []auth.TokenConfig `yaml:"tokens,omitempty"`
}

// RegistryConfig points at the package registry service used for missing-module remediation.
type RegistryConfig struct {
	URL         string        `yaml:"url"`
	InstallPath string        `yaml:"install_path"`
	StatusURL   string        `yaml:"status_url,omitempty"`
	Timeout     time.Duration `yaml:"timeout"`
}

// HookConfig tunes error-channel handling.
type HookConfig struct {
	FinalizeDelay time.Duration `yaml:"finalize_delay"`
	SystemPrefix  string        `yaml:"system_prefix"`

	// Secrets maps hook names to HMAC secrets; a hook listed here only runs
	// for requests signed in SignatureHeader.
	Secrets         map[string]string `yaml:"secrets,omitempty"`
	SignatureHeader string            `yaml:"signature_header"`
}

// WorkerConfig defines how a hook worker process is started.
// The hook's script path is appended to Args.
type WorkerConfig struct {
	Command       string        `yaml:"command"`
	Args          []string      `yaml:"args,omitempty"`
	HooksDir      string        `yaml:"hooks_dir"`
	Env           []string      `yaml:"env,omitempty"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxChunkBytes int           `yaml:"max_chunk_bytes"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
}

// DebugConfig defines debug log storage.
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Retain  int    `yaml:"retain"`
	Buffer  int    `yaml:"buffer"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "hookrelay",
			LogLevel: "info",
			Listen:   "127.0.0.1:9999",
			PIDFile:  "./data/hookrelay.pid",
		},
		Registry: RegistryConfig{
			URL:         "http://localhost:8888",
			InstallPath: "./node_modules",
			Timeout:     10 * time.Second,
		},
		Hook: HookConfig{
			FinalizeDelay:   200 * time.Millisecond,
			SystemPrefix:    "\nmodule.js:333",
			SignatureHeader: "X-Hub-Signature-256",
		},
		Worker: WorkerConfig{
			Command:       "node",
			HooksDir:      "./hooks",
			Timeout:       10 * time.Second,
			MaxChunkBytes: 32 * 1024,
			MaxBodyBytes:  1 << 20,
		},
		Debug: DebugConfig{
			Enabled: true,
			Path:    "./data/debug.db",
			Retain:  500,
			Buffer:  1024,
		},
	}
}
