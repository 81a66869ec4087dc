package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/topicexec/internal/api"
	"github.com/mattjoyce/topicexec/internal/auth"
	"github.com/mattjoyce/topicexec/internal/config"
	"github.com/mattjoyce/topicexec/internal/dispatch"
	"github.com/mattjoyce/topicexec/internal/doctor"
	"github.com/mattjoyce/topicexec/internal/events"
	"github.com/mattjoyce/topicexec/internal/inspect"
	"github.com/mattjoyce/topicexec/internal/journal"
	"github.com/mattjoyce/topicexec/internal/lock"
	"github.com/mattjoyce/topicexec/internal/log"
	"github.com/mattjoyce/topicexec/internal/metrics"
	"github.com/mattjoyce/topicexec/internal/storage"
	"github.com/mattjoyce/topicexec/internal/supervisor"
	"github.com/mattjoyce/topicexec/internal/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

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
	case "start":
		return runStart(args)
	case "config":
		return runConfigNoun(args)
	case "watch":
		return runWatch(args)
	case "inspect":
		return runInspect(args)
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

func printUsage(w io.Writer) {
	fmt.Fprint(w, `topicexec - run an external command for every MQTT message

Usage:
  topicexec <command> [flags]

Commands:
  start             Subscribe every configured connection and dispatch messages
  config check      Validate the service config, broker and connection documents
  config lock       Record BLAKE3 checksums of the config files
  watch             Live monitor of a running instance (needs api.enabled)
  inspect [id]      Show recent dispatches, or one dispatch in detail
  version           Show version information
  help              Show this help message

Flags:
  --config <path>   Service config file or directory (default: discovered)

Without a config file, ./ConfigurationBroker.json and ./Configuration.json
are read with default settings.
`)
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

	fmt.Printf("topicexec %s\n", info.Version)
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
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

// loadConfig resolves --config, falling back to discovery and then defaults.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfig()
		if err != nil {
			return nil, fmt.Errorf("discover config: %w", err)
		}
		if discovered != "" {
			fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", discovered)
		}
		configPath = discovered
	}
	return config.LoadOrDefaults(configPath)
}

// lockPath places the instance lock next to the journal, or in the log dir when
// the journal is disabled.
func lockPath(cfg *config.Config) string {
	dir := cfg.Service.LogDir
	if cfg.State.Path != "" {
		dir = filepath.Dir(cfg.State.Path)
	}
	return lock.PathFor(dir, cfg.Service.Name)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("topicexec starting", "version", version, "config", cfg.SourcePath)

	instanceLock, err := lock.Acquire(lockPath(cfg))
	if err != nil {
		logger.Error("failed to acquire instance lock", "error", err)
		return 1
	}
	defer instanceLock.Release()
	logger.Info("acquired instance lock", "path", instanceLock.Path())

	bs, err := config.LoadBroker(cfg.BrokerFile)
	if err != nil {
		logger.Error("failed to load broker settings", "path", cfg.BrokerFile, "error", err)
		return 1
	}
	conns, invalid, err := config.LoadConnections(cfg.ConnectionsFile)
	if err != nil {
		logger.Error("failed to load connections", "path", cfg.ConnectionsFile, "error", err)
		return 1
	}
	for _, e := range invalid {
		logger.Error("invalid connection definition skipped", "error", e)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub(256)
	// Metrics are only reachable through the API.
	var reg *metrics.Metrics
	if cfg.API.Enabled {
		reg = metrics.New()
	}
	deps := supervisor.Deps{
		Dispatcher: dispatch.New(dispatch.CommandFromConfig(cfg.Command), dispatch.ExitMode(cfg.Dispatch.ExitStatus)),
		Events:     hub,
		Metrics:    reg,
	}

	var dispatchLog api.DispatchLog
	if cfg.State.Path != "" {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.State.Path, "error", err)
			return 1
		}
		defer db.Close()

		j := journal.New(db)
		pruner := &journal.Pruner{Journal: j, Retention: cfg.State.Retention, Logger: log.WithComponent("journal")}
		go pruner.Run(ctx)
		deps.Journal = j
		dispatchLog = j
		logger.Info("journal opened", "path", cfg.State.Path)
	}

	sup := supervisor.New(cfg, *bs, conns, deps)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	apiErr := make(chan error, 1)
	apiDone := make(chan struct{})
	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, sup, dispatchLog, hub, log.WithComponent("api")).WithMetrics(reg)
		go func() {
			defer close(apiDone)
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				apiErr <- err
			}
		}()
	} else {
		close(apiDone)
	}

	supDone := make(chan error, 1)
	go func() { supDone <- sup.Run(ctx) }()

	logger.Info("topicexec running (press Ctrl+C to stop)")

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
		if err := <-supDone; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("supervisor stopped with error", "error", err)
		}
	case err := <-supDone:
		if err != nil {
			logger.Error("supervisor failed", "error", err)
			code = 1
		} else {
			logger.Info("all sessions ended")
		}
		cancel()
	case err := <-apiErr:
		logger.Error("api failed", "error", err)
		cancel()
		<-supDone
		code = 1
	}
	<-apiDone

	logger.Info("topicexec stopped")
	return code
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return 1
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "lock":
		return runConfigLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

// runConfigCheck validates everything start would read, without connecting.
func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Show the hashes without writing them")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
	}

	// Load without verification so a stale manifest can be replaced.
	cfg, err := config.LoadUnverified(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	report, err := config.GenerateChecksums(cfg.ConfigDir(), cfg.Files(), *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate checksums: %v\n", err)
		return 1
	}
	for _, f := range report.Files {
		if !f.Exists {
			fmt.Printf("  skip %s (missing)\n", f.Filename)
			continue
		}
		fmt.Printf("  %s  %s\n", f.Hash[:16], f.Filename)
	}
	if report.Written {
		fmt.Printf("Wrote %s\n", report.ChecksumPath)
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	apiURL := fs.String("api-url", "", "Status API base URL (default: from api.listen)")
	apiKey := fs.String("api-key", "", "Bearer token (default: api.auth.api_key)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *apiURL == "" || *apiKey == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		if *apiURL == "" {
			*apiURL = "http://" + cfg.API.Listen
		}
		if *apiKey == "" {
			*apiKey = cfg.API.Auth.APIKey
		}
	}

	if err := watch.Run(*apiURL, *apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
	return 0
}

func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	list := fs.String("list", "", "Only this connection (List name)")
	limit := fs.Int("limit", journal.DefaultLimit, "Number of dispatches to list")
	jsonOut := fs.Bool("json", false, "Output a single dispatch as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "Usage: topicexec inspect [--list name] [--limit n] [--json] [dispatch-id]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.State.Path == "" {
		fmt.Fprintln(os.Stderr, "Dispatch journal is disabled (state.path is empty)")
		return 1
	}
	if _, err := os.Stat(cfg.State.Path); err != nil {
		fmt.Fprintf(os.Stderr, "No journal at %s: %v\n", cfg.State.Path, err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer db.Close()
	j := journal.New(db)

	var out string
	switch {
	case fs.NArg() == 1 && *jsonOut:
		out, err = inspect.BuildJSONReport(ctx, j, fs.Arg(0))
		out += "\n"
	case fs.NArg() == 1:
		out, err = inspect.BuildReport(ctx, j, fs.Arg(0))
	default:
		out, err = inspect.BuildListing(ctx, j, *list, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	return 0
}
