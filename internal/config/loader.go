package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, and validates the configuration at configPath.
// When a .checksums manifest sits next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	if err := VerifyChecksum(absPath); err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	cfg.Hash = HashBytes(data)
	return cfg, nil
}

// Parse decodes YAML on top of Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with its value. Unset variables are left in
// place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return invalid("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.Listen == "" {
		return invalid("service.listen is required")
	}
	for i, t := range cfg.Service.Tokens {
		if strings.TrimSpace(t.Token) == "" {
			return invalid("service.tokens[%d].token is empty", i)
		}
		if len(t.Scopes) == 0 {
			return invalid("service.tokens[%d] has no scopes", i)
		}
	}

	if m := envVarPattern.FindStringSubmatch(cfg.Registry.URL); m != nil {
		return invalid("registry.url: environment variable ${%s} is not set", m[1])
	}
	u, err := url.Parse(cfg.Registry.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("registry.url must be an absolute http(s) URL (got %q)", cfg.Registry.URL)
	}
	if cfg.Registry.InstallPath == "" {
		return invalid("registry.install_path is required")
	}
	if cfg.Registry.Timeout <= 0 {
		return invalid("registry.timeout must be positive")
	}

	if cfg.Hook.FinalizeDelay <= 0 {
		return invalid("hook.finalize_delay must be positive")
	}
	for name, secret := range cfg.Hook.Secrets {
		if secret == "" {
			return invalid("hook.secrets.%s is empty", name)
		}
	}
	if len(cfg.Hook.Secrets) > 0 && cfg.Hook.SignatureHeader == "" {
		return invalid("hook.signature_header is required when hook.secrets is set")
	}

	if cfg.Worker.Command == "" {
		return invalid("worker.command is required")
	}
	if cfg.Worker.HooksDir == "" {
		return invalid("worker.hooks_dir is required")
	}
	if cfg.Worker.Timeout <= 0 {
		return invalid("worker.timeout must be positive")
	}
	if cfg.Worker.MaxChunkBytes <= 0 {
		return invalid("worker.max_chunk_bytes must be positive")
	}
	if cfg.Worker.MaxBodyBytes < 0 {
		return invalid("worker.max_body_bytes must not be negative")
	}

	if cfg.Debug.Enabled && cfg.Debug.Path == "" {
		return invalid("debug.path is required when debug is enabled")
	}
	if cfg.Debug.Retain < 0 || cfg.Debug.Buffer < 0 {
		return invalid("debug.retain and debug.buffer must not be negative")
	}
	return nil
}
