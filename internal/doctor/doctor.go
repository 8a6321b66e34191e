// Package doctor checks that a loaded hookrelay configuration can actually
// serve hooks: the worker command resolves, hooks exist, and secrets and
// tokens refer to real things.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mattjoyce/hookrelay/internal/config"
	"github.com/mattjoyce/hookrelay/internal/worker"
)

var unresolvedEnv = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration against the local machine.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateWorker(r)
	hooks := d.validateHooksDir(r)
	d.validateSecrets(r, hooks)
	d.validateTokenScopes(r)
	d.warnRelativePaths(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateWorker(r *Result) {
	if _, err := d.lookPath(d.cfg.Worker.Command); err != nil {
		d.addError(r, "worker", "worker.command",
			fmt.Sprintf("command %q not found: %v", d.cfg.Worker.Command, err))
	}
}

// validateHooksDir returns the hook names found in the hooks directory.
func (d *Doctor) validateHooksDir(r *Result) map[string]bool {
	dir := d.cfg.Worker.HooksDir
	info, err := os.Stat(dir)
	if err != nil {
		d.addError(r, "worker", "worker.hooks_dir", fmt.Sprintf("hooks directory %q: %v", dir, err))
		return nil
	}
	if !info.IsDir() {
		d.addError(r, "worker", "worker.hooks_dir", fmt.Sprintf("%q is not a directory", dir))
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		d.addError(r, "worker", "worker.hooks_dir", fmt.Sprintf("read hooks directory: %v", err))
		return nil
	}

	runner := worker.New(d.cfg.Worker)
	hooks := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".js")
		if _, err := runner.ScriptPath(name); err == nil {
			hooks[name] = true
		}
	}
	if len(hooks) == 0 {
		d.addWarning(r, "worker", "worker.hooks_dir", fmt.Sprintf("no hooks found in %q", dir))
	}
	return hooks
}

func (d *Doctor) validateSecrets(r *Result, hooks map[string]bool) {
	names := make([]string, 0, len(d.cfg.Hook.Secrets))
	for name := range d.cfg.Hook.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if hooks != nil && !hooks[name] {
			d.addWarning(r, "secrets", "hook.secrets."+name,
				fmt.Sprintf("secret configured for unknown hook %q", name))
		}
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	for i, t := range d.cfg.Service.Tokens {
		for _, scope := range t.Scopes {
			if !scope.Known() {
				d.addWarning(r, "auth", fmt.Sprintf("service.tokens[%d].scopes", i),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

// warnRelativePaths flags paths that depend on the directory hookrelay is started from.
func (d *Doctor) warnRelativePaths(r *Result) {
	paths := []struct{ field, value string }{
		{"registry.install_path", d.cfg.Registry.InstallPath},
		{"worker.hooks_dir", d.cfg.Worker.HooksDir},
		{"service.pid_file", d.cfg.Service.PIDFile},
	}
	if d.cfg.Debug.Enabled {
		paths = append(paths, struct{ field, value string }{"debug.path", d.cfg.Debug.Path})
	}
	for _, p := range paths {
		if p.value != "" && !filepath.IsAbs(p.value) {
			d.addWarning(r, "paths", p.field,
				fmt.Sprintf("%q is relative to the working directory", p.value))
		}
	}
}

func (d *Doctor) warnMissingEnvVars(r *Result) {
	check := func(field, value string) {
		for _, m := range unresolvedEnv.FindAllStringSubmatch(value, -1) {
			d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
		}
	}
	for i, t := range d.cfg.Service.Tokens {
		check(fmt.Sprintf("service.tokens[%d].token", i), t.Token)
	}
	for name, secret := range d.cfg.Hook.Secrets {
		check("hook.secrets."+name, secret)
	}
	for i, env := range d.cfg.Worker.Env {
		check(fmt.Sprintf("worker.env[%d]", i), env)
	}
}
