package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/hookrelay/internal/api"
	"github.com/mattjoyce/hookrelay/internal/config"
	"github.com/mattjoyce/hookrelay/internal/debuglog"
	"github.com/mattjoyce/hookrelay/internal/doctor"
	"github.com/mattjoyce/hookrelay/internal/hook"
	"github.com/mattjoyce/hookrelay/internal/hpm"
	"github.com/mattjoyce/hookrelay/internal/lock"
	"github.com/mattjoyce/hookrelay/internal/log"
	"github.com/mattjoyce/hookrelay/internal/metrics"
	"github.com/mattjoyce/hookrelay/internal/respond"
	"github.com/mattjoyce/hookrelay/internal/storage"
	"github.com/mattjoyce/hookrelay/internal/worker"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const configEnvVar = "HOOKRELAY_CONFIG"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: hookrelay version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("hookrelay %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `hookrelay - run hook workers and relay their output to HTTP clients

Usage:
  hookrelay <noun> <action> [flags]

System Commands:
  system start      Start the relay in the foreground

Config Commands:
  config check      Validate syntax and integrity
  config hash       Print the BLAKE3 hash of the config file
  config lock       Record the current hash in .checksums

General:
  version           Show version information
  help              Show this help message

Use 'hookrelay <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "help", "--help", "-h":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "hash":
		return runConfigHash(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	case "help", "--help", "-h":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printSystemNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: hookrelay system <action> [flags]

Actions:
  start     Start the relay in the foreground
`)
}

func printSystemStartHelp() {
	fmt.Printf(`Usage: hookrelay system start [--config PATH]

Starts the HTTP relay. The config path defaults to $%s, then ./config.yaml.
`, configEnvVar)
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: hookrelay config <action> [--config PATH]

Actions:
  check     Validate syntax and integrity (--json for machine output)
  hash      Print the BLAKE3 hash of the config file
  lock      Record the current hash in .checksums next to the file
`)
}

func isHelpToken(arg string) bool {
	return arg == "help" || arg == "--help" || arg == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if isHelpToken(a) {
			return true
		}
	}
	return false
}

// resolveConfigPath applies the --config, env var, working directory order.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(configEnvVar)); env != "" {
		return env
	}
	return "config.yaml"
}

// --- CONFIG ACTIONS ---

type checkResult struct {
	Valid    bool           `json:"valid"`
	Path     string         `json:"path,omitempty"`
	Hash     string         `json:"hash,omitempty"`
	Listen   string         `json:"listen,omitempty"`
	Error    string         `json:"error,omitempty"`
	Errors   []doctor.Issue `json:"errors,omitempty"`
	Warnings []doctor.Issue `json:"warnings,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var res checkResult
	cfg, err := config.Load(resolveConfigPath(*configPath))
	if err != nil {
		res.Error = err.Error()
	} else {
		report := doctor.New(cfg).Validate()
		res = checkResult{
			Valid:    report.Valid,
			Path:     cfg.SourcePath,
			Hash:     cfg.Hash,
			Listen:   cfg.Service.Listen,
			Errors:   report.Errors,
			Warnings: report.Warnings,
		}
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
	} else {
		printCheckResult(res)
	}

	if !res.Valid {
		return 1
	}
	return 0
}

func printCheckResult(res checkResult) {
	if res.Error != "" {
		fmt.Fprintf(os.Stderr, "Configuration check FAILED: %s\n", res.Error)
		return
	}
	fmt.Printf("Config: %s\nhash: %s\n", res.Path, res.Hash)
	for _, issue := range res.Errors {
		fmt.Fprintf(os.Stderr, "ERROR   [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
	}
	for _, issue := range res.Warnings {
		fmt.Printf("WARNING [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
	}
	if res.Valid {
		fmt.Println("Status: Configuration check PASSED.")
	} else {
		fmt.Fprintln(os.Stderr, "Status: Configuration check FAILED.")
	}
}

func runConfigHash(args []string) int {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	hash, err := config.ComputeBlake3Hash(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Hash failed: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := resolveConfigPath(*configPath)
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	// Refuse to lock a file that would not load.
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid config: %v\n", err)
		return 1
	}

	hash, err := config.WriteChecksum(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s\nhash: %s\n", path, hash)
	return 0
}

// --- SYSTEM START ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("hookrelay starting", "version", version, "config", cfg.SourcePath, "config_hash", cfg.Hash)

	if cfg.Service.PIDFile != "" {
		pidLock, err := lock.Acquire(cfg.Service.PIDFile)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.PIDFile, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		logger.Error("hookrelay stopped with error", "error", err)
		return 1
	}
	logger.Info("hookrelay stopped")
	return 0
}

// serve runs the API and the debug writer until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")
	m := metrics.New()

	var (
		store *debuglog.Store
		hub   *debuglog.Hub
	)
	if cfg.Debug.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.Debug.Path)
		if err != nil {
			return fmt.Errorf("open debug log: %w", err)
		}
		defer db.Close()
		logger.Info("debug log opened", "path", cfg.Debug.Path, "retain", cfg.Debug.Retain)

		store = debuglog.NewStore(db, cfg.Debug.Retain)
		hub = debuglog.NewHub(256)
	}
	writer := debuglog.NewWriter(store, hub, cfg.Debug.Buffer, m)

	deps := api.Deps{
		Runner:   worker.New(cfg.Worker),
		Registry: hpm.New(cfg.Registry.URL, cfg.Registry.Timeout),
		Methods:  respond.Default(),
		Metrics:  m,
	}
	if cfg.Debug.Enabled {
		deps.Debug = writer
		deps.Logs = store
		deps.Hub = hub
	}

	server := api.New(api.Config{
		Listen: cfg.Service.Listen,
		Tokens: cfg.Service.Tokens,
		Session: hook.Config{
			FinalizeDelay:   cfg.Hook.FinalizeDelay,
			RegistryTimeout: cfg.Registry.Timeout,
			InstallPath:     cfg.Registry.InstallPath,
			StatusURL:       cfg.Registry.StatusURL,
			SystemPrefix:    cfg.Hook.SystemPrefix,
		},
		MaxBodyBytes:    cfg.Worker.MaxBodyBytes,
		WriteTimeout:    cfg.Worker.Timeout + cfg.Registry.Timeout + time.Minute,
		Secrets:         cfg.Hook.Secrets,
		SignatureHeader: cfg.Hook.SignatureHeader,
	}, deps, log.WithComponent("api"))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Debug.Enabled {
		g.Go(func() error {
			return writer.Run(gctx)
		})
	}
	g.Go(func() error {
		if err := server.Start(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	})
	return g.Wait()
}
