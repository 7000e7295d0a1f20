// Package main is the CLI entry point for Dev Proxy — a developer-facing
// MITM HTTP/HTTPS proxy that intercepts outbound API traffic and, for
// configured URL patterns, synthesizes or annotates responses through an
// ordered plugin pipeline (latency, rate limiting, random error injection,
// mock responses, a CRUD API simulator, OData paging guidance).
//
// CLI commands (cobra):
//
//	devproxy start   - Start the proxy (foreground)
//	devproxy stop    - Print how to stop the foreground proxy
//	devproxy status  - Show whether the proxy is reachable
//	devproxy cert    - Ensure the root certificate exists and install it
//	devproxy record  - Print how recording windows are opened and flushed
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nivlark/devproxy/internal/ca"
	"github.com/nivlark/devproxy/internal/config"
	"github.com/nivlark/devproxy/internal/configstore"
	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/lifecycle"
	"github.com/nivlark/devproxy/internal/logstream"
	"github.com/nivlark/devproxy/internal/mitm"
	"github.com/nivlark/devproxy/internal/plugins/crudapi"
	"github.com/nivlark/devproxy/internal/plugins/latency"
	"github.com/nivlark/devproxy/internal/plugins/mockresponder"
	"github.com/nivlark/devproxy/internal/plugins/odataguidance"
	"github.com/nivlark/devproxy/internal/plugins/randomerror"
	"github.com/nivlark/devproxy/internal/plugins/ratelimit"
	"github.com/nivlark/devproxy/internal/pluginhost"
	"github.com/nivlark/devproxy/internal/reqlog"
	"github.com/nivlark/devproxy/internal/sharedstate"
	"github.com/nivlark/devproxy/internal/throttle"
	"github.com/nivlark/devproxy/internal/watch"
)

var (
	version = "dev"
	commit  = "unknown"
)

func defaultAppFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devproxy"
	}
	return filepath.Join(home, ".devproxy")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var appFolder string
var configFile string
var logLevel string

var rootCmd = &cobra.Command{
	Use:     "devproxy",
	Short:   "Dev Proxy — a developer-facing MITM HTTP/HTTPS proxy",
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&appFolder, "app-folder", defaultAppFolder(), "Directory for CA material, config, and state")
	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", "", "Path to devproxy.yaml (default: <app-folder>/devproxy.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(recordCmd)
}

func resolvedConfigPath() string {
	if configFile != "" {
		return configFile
	}
	return filepath.Join(appFolder, "devproxy.yaml")
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ----------------------------------------------------------------------------
// devproxy start
// ----------------------------------------------------------------------------

var (
	flagPort              int
	flagIPAddress         string
	flagRecord            bool
	flagWatchPIDs         []int
	flagWatchProcessNames []string
	flagFailureRate       int
	flagNoFirstRun        bool
	flagAsSystemProxy     bool
	flagInstallCert       bool
	flagAllowedErrors     []int
	flagLiveLogWSPort     int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Dev Proxy MITM transport and plugin pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

func init() {
	startCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "Listen port (overrides devproxy.yaml)")
	startCmd.Flags().StringVar(&flagIPAddress, "ip-address", "", "Bind address (overrides devproxy.yaml)")
	startCmd.Flags().BoolVarP(&flagRecord, "record", "r", false, "Open a recording window at startup")
	startCmd.Flags().IntSliceVar(&flagWatchPIDs, "watch-pids", nil, "Exit once none of these PIDs remain alive")
	startCmd.Flags().StringSliceVar(&flagWatchProcessNames, "watch-process-names", nil, "Exit once none of these process names remain alive")
	startCmd.Flags().IntVarP(&flagFailureRate, "failure-rate", "f", -1, "Percent chance (0-100) the random-error plugin fires")
	startCmd.Flags().BoolVar(&flagNoFirstRun, "no-first-run", false, "Skip installing the root certificate into the OS trust store (the root CA is still generated if missing)")
	startCmd.Flags().BoolVar(&flagAsSystemProxy, "as-system-proxy", true, "Register as the OS system HTTP/HTTPS proxy")
	startCmd.Flags().BoolVar(&flagInstallCert, "install-cert", false, "Install the root certificate into the OS trust store")
	startCmd.Flags().IntSliceVarP(&flagAllowedErrors, "allowed-errors", "a", nil, "Status codes the random-error plugin may draw from")
	startCmd.Flags().IntVar(&flagLiveLogWSPort, "live-log-ws-port", 0, "Serve a live WebSocket tail of request logs on this port (0 disables it)")
}

func runStart(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	if err := os.MkdirAll(appFolder, 0o755); err != nil {
		return fmt.Errorf("creating app folder %s: %w", appFolder, err)
	}

	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cmd, cfg)

	caDir := configstore.ResolvePath(cfg.CA.Dir, appFolder)
	rootCA, err := ca.EnsureRoot(caDir)
	if err != nil {
		return fmt.Errorf("provisioning root CA: %w", err)
	}
	if cfg.CA.InstallCert && !cfg.Process.NoFirstRun {
		if err := rootCA.InstallToOSTrust(); err != nil {
			logger.Warn("failed to install root certificate into OS trust store", "error", err)
		}
	}

	registry := sharedstate.New()
	bus := events.New(logger)
	coordinator := throttle.New(registry, http.StatusTooManyRequests)
	coordinator.Register(bus)

	reqLog := reqlog.New(logger, reqlog.WithBus(bus))
	var hub *logstream.Hub
	if flagLiveLogWSPort != 0 {
		hub = logstream.NewHub(logger)
		bus.Subscribe(events.AfterRequestLog, "logstream", hub.HandleAfterRequestLog)
		mux := http.NewServeMux()
		mux.HandleFunc("/logs", hub.HandleWebSocket)
		go func() {
			addr := fmt.Sprintf(":%d", flagLiveLogWSPort)
			logger.Info("live log WebSocket listening", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("live log WebSocket server stopped", "error", err)
			}
		}()
	}

	watcher, err := configstore.NewFileWatcher(appFolder, logger)
	if err != nil {
		return fmt.Errorf("starting config file watcher: %w", err)
	}
	defer watcher.Close()

	factories, err := buildPluginFactories(cfg, registry, coordinator, reqLog, watcher, logger)
	if err != nil {
		return err
	}

	host, err := pluginhost.Load(bus, cfg.Plugins, factories)
	if err != nil {
		return fmt.Errorf("loading plugins: %w", err)
	}
	host.Init(cmd)
	host.OptionsLoaded(cmd)

	watchMatcher, err := watch.NewMatcher(cfg.WatchPatterns)
	if err != nil {
		return fmt.Errorf("building transport watch matcher: %w", err)
	}

	transport := &mitm.Transport{
		Addr:     fmt.Sprintf("%s:%d", cfg.Server.IPAddress, cfg.Server.Port),
		Watcher:  watchMatcher,
		CA:       rootCA,
		Host:     host,
		Bus:      bus,
		ReqLog:   reqLog,
		Logger:   logger,
	}

	if cfg.Recording.Enabled {
		registry.SetRecording(true)
		reportPath := configstore.ResolvePath(cfg.Recording.ReportPath, appFolder)
		bus.Subscribe(events.AfterRecordingStop, "recording-report-writer", func(ctx context.Context, rawArgs any) error {
			args, ok := rawArgs.(*events.RecordingArgs)
			if !ok {
				return fmt.Errorf("main: unexpected args type %T", rawArgs)
			}
			return writeRecordingReport(reportPath, args)
		})
		defer func() {
			if !registry.Recording() {
				return
			}
			registry.SetRecording(false)
			bus.Dispatch(context.Background(), events.AfterRecordingStop, &events.RecordingArgs{
				Reports: registry.Reports().Snapshot(),
			})
		}()
	}

	l := &lifecycle.Lifecycle{
		SystemProxy: cfg.Process.AsSystemProxy,
		WatchPIDs:   cfg.Process.WatchPIDs,
		WatchNames:  cfg.Process.WatchProcessNames,
		Logger:      logger,
	}

	logger.Info("starting Dev Proxy", "addr", transport.Addr, "plugins", host.Names())
	return l.Start(context.Background(), transport)
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = flagPort
	}
	if cmd.Flags().Changed("ip-address") {
		cfg.Server.IPAddress = flagIPAddress
	}
	if cmd.Flags().Changed("record") {
		cfg.Recording.Enabled = flagRecord
	}
	if cmd.Flags().Changed("watch-pids") {
		cfg.Process.WatchPIDs = flagWatchPIDs
	}
	if cmd.Flags().Changed("watch-process-names") {
		cfg.Process.WatchProcessNames = flagWatchProcessNames
	}
	if cmd.Flags().Changed("failure-rate") {
		cfg.FailureRate = flagFailureRate
	}
	if cmd.Flags().Changed("no-first-run") {
		cfg.Process.NoFirstRun = flagNoFirstRun
	}
	if cmd.Flags().Changed("as-system-proxy") {
		cfg.Process.AsSystemProxy = flagAsSystemProxy
	}
	if cmd.Flags().Changed("install-cert") {
		cfg.CA.InstallCert = flagInstallCert
	}
	if cmd.Flags().Changed("allowed-errors") {
		cfg.AllowedErrors = flagAllowedErrors
	}
}

// buildPluginFactories wires the in-process factories map pluginhost.Load
// resolves Descriptor.Name against. Descriptor.ConfigSection is not read:
// the JSON documents come from the app folder, the rate limiter's settings
// are fixed here, and the latency plugin gets a zero Config (no delay).
func buildPluginFactories(
	cfg *config.Config,
	registry *sharedstate.Registry,
	coordinator *throttle.Coordinator,
	reqLog *reqlog.Logger,
	watcher *configstore.FileWatcher,
	logger *slog.Logger,
) (map[string]pluginhost.Factory, error) {
	errorsDoc := configstore.NewLoader(filepath.Join(appFolder, "errors.json"), configstore.ParseErrorsDocument)
	if err := errorsDoc.Load(); err != nil {
		logger.Warn("failed to load errors.json", "error", err)
	}
	configstore.RegisterLoader(watcher, errorsDoc)

	mocksDoc := configstore.NewLoader(filepath.Join(appFolder, "mocks.json"), configstore.ParseMocksDocument)
	if err := mocksDoc.Load(); err != nil {
		logger.Warn("failed to load mocks.json", "error", err)
	}
	configstore.RegisterLoader(watcher, mocksDoc)

	// Only wired up when the document actually exists on disk: an empty
	// *Loader would otherwise hand the rate limiter a zero-value document
	// (statusCode 0, no body) and silently replace its generic 429 with an
	// empty one.
	var rateLimitResponseDoc *configstore.Loader[configstore.RateLimitResponseDocument]
	if _, err := os.Stat(filepath.Join(appFolder, "rate-limit-response.json")); err == nil {
		rateLimitResponseDoc = configstore.NewLoader(filepath.Join(appFolder, "rate-limit-response.json"), configstore.ParseRateLimitResponseDocument)
		if err := rateLimitResponseDoc.Load(); err != nil {
			logger.Warn("failed to load rate-limit-response.json", "error", err)
		}
		configstore.RegisterLoader(watcher, rateLimitResponseDoc)
	}

	crudDefPath := filepath.Join(appFolder, "crud-api.json")
	crudDef := configstore.CrudApiDefinition{}
	if data, err := os.ReadFile(crudDefPath); err == nil {
		parsed, err := configstore.ParseCrudApiDefinition(data)
		if err != nil {
			logger.Warn("failed to parse crud-api.json", "error", err)
		} else {
			crudDef = *parsed
		}
	}

	allowedErrors := cfg.AllowedErrors
	if len(allowedErrors) == 0 {
		allowedErrors = []int{429, 500, 502, 503, 504}
	}

	factories := map[string]pluginhost.Factory{
		latency.Name: func(desc pluginhost.Descriptor) (pluginhost.Plugin, error) {
			var lc latency.Config
			return latency.New(desc, lc)
		},
		ratelimit.Name: ratelimit.Factory(ratelimit.Config{
			WindowSeconds:    60,
			Limit:            100,
			WarningThreshold: 0.2,
			CostPerRequest:   1,
		}, registry, coordinator, rateLimitResponseDoc, appFolder, logger),
		randomerror.Name: randomerror.Factory(randomerror.Config{
			FailureRate:   cfg.FailureRate,
			AllowedErrors: allowedErrors,
		}, coordinator, errorsDoc, registry),
		mockresponder.Name: mockresponder.Factory(mocksDoc, appFolder, reqLog, logger),
		crudapi.Name: func(desc pluginhost.Descriptor) (pluginhost.Plugin, error) {
			dbPath := filepath.Join(appFolder, "crud.db")
			return crudapi.New(desc, crudDef, dbPath)
		},
		odataguidance.Name: odataguidance.Factory(registry, reqLog),
	}
	return factories, nil
}

// writeRecordingReport is the built-in default AfterRecordingStop subscriber
// (design doc Section 6/7.2: "a summary report... written to disk by the
// reporter plugins" — Markdown/JSON/plain-text report transformers are
// external collaborators out of scope per spec.md's Non-goals, so this is
// the minimal in-core stand-in that actually consumes the dispatched event).
func writeRecordingReport(path string, args *events.RecordingArgs) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(args.Reports, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling recording report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ----------------------------------------------------------------------------
// devproxy stop / status
// ----------------------------------------------------------------------------

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running Dev Proxy (best-effort, foreground processes only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("devproxy runs in the foreground — press Ctrl+C or send SIGTERM to the process to stop it")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a Dev Proxy is reachable at the configured address",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(resolvedConfigPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		addr := fmt.Sprintf("%s:%d", cfg.Server.IPAddress, cfg.Server.Port)
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get("http://" + addr)
		if err != nil {
			fmt.Printf("devproxy is not reachable at %s\n", addr)
			return nil
		}
		resp.Body.Close()
		fmt.Printf("devproxy is reachable at %s\n", addr)
		return nil
	},
}

// ----------------------------------------------------------------------------
// devproxy cert
// ----------------------------------------------------------------------------

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Ensure the Dev Proxy root certificate exists and install it into the OS trust store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(resolvedConfigPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		caDir := configstore.ResolvePath(cfg.CA.Dir, appFolder)
		rootCA, err := ca.EnsureRoot(caDir)
		if err != nil {
			return fmt.Errorf("provisioning root CA: %w", err)
		}
		if err := rootCA.InstallToOSTrust(); err != nil {
			return fmt.Errorf("installing root certificate: %w", err)
		}
		fmt.Println("root certificate installed into the OS trust store")
		return nil
	},
}

// ----------------------------------------------------------------------------
// devproxy record
// ----------------------------------------------------------------------------

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Recording windows are controlled by devproxy.yaml's recording.enabled and --record",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("start devproxy with --record to open a recording window; it is flushed to recording.reportPath on shutdown")
		return nil
	},
}
