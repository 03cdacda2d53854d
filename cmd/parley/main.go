// Parley is a session coordinator for hosted realtime voice
// assistants.
//
// The daemon brokers ephemeral credentials and SDP for a browser
// voice client, holds the control channel to the speech service,
// tracks session vitality, classifies disconnects, reconnects
// according to a configurable strategy, and coordinates cancellation
// of remote tool work. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley serve             Start the daemon
//	parley version           Print version and build information
//	parley -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/parley-ai/parley/internal/api"
	"github.com/parley-ai/parley/internal/approval"
	"github.com/parley-ai/parley/internal/buildinfo"
	"github.com/parley-ai/parley/internal/cancel"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/connwatch"
	"github.com/parley-ai/parley/internal/disconnect"
	"github.com/parley-ai/parley/internal/eventlog"
	"github.com/parley-ai/parley/internal/events"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/httpkit"
	"github.com/parley-ai/parley/internal/mic"
	"github.com/parley-ai/parley/internal/mqtt"
	"github.com/parley-ai/parley/internal/reconnect"
	"github.com/parley-ai/parley/internal/runner"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/speech"
	"github.com/parley-ai/parley/internal/transcript"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run], so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the parley command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which makes it impossible to call run() concurrently from tests,
// and the argument surface here is tiny.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - Voice Session Coordinator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the daemon")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml")
	return nil
}

// loadConfig discovers and parses the config file.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// noopSignaler stands in for the runner's cancel endpoint when no
// runner is configured. Without a runner there is no remote work to
// cancel, so accepting the signal is correct.
type noopSignaler struct {
	logger *slog.Logger
}

func (n noopSignaler) CancelWork(ctx context.Context, forced bool) error {
	n.logger.Debug("cancel signal with no runner configured", "forced", forced)
	return nil
}

// runServe handles the "parley serve" subcommand: load config, build
// the event pipeline and coordinators, start the control surface, and
// block until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Parley",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known; the initial logger only covered the startup banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, _ = config.ParseLogLevel(cfg.LogLevel) // validated by config.Validate
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"strategy", cfg.Reconnect.Strategy,
		"model", cfg.Speech.Model,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	clk := clock.New()

	// --- Event pipeline ---
	// One dispatcher goroutine owns the ordered queue; the bus carries
	// the same events to diagnostics subscribers.
	bus := events.NewBus()
	dispatcher := events.NewDispatcher(256, bus, logger)
	enqueue := dispatcher.Enqueue

	sessions := session.NewClock(clk)
	elog := eventlog.New(eventlog.DefaultCapacity, clk)

	// --- Transcript store ---
	var store *transcript.Store
	if *cfg.Transcripts.Enabled {
		dbPath := filepath.Join(cfg.DataDir, "transcripts.db")
		store, err = transcript.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open transcript database %s: %w", dbPath, err)
		}
		defer store.Close()
		logger.Info("transcript database opened", "path", dbPath)
	} else {
		logger.Info("transcript persistence disabled")
	}

	// --- Tool runner ---
	var runnerClient *runner.Client
	var runnerStream *runner.Stream
	if cfg.Runner.Configured() {
		runnerClient = runner.NewClient(cfg.Runner.URL, cfg.Runner.Token, cfg.Runner.InvokeTimeout, logger)
		runnerStream = runner.NewStream(cfg.Runner.URL, cfg.Runner.Token, enqueue, logger)
		logger.Info("tool runner configured", "url", cfg.Runner.URL)
	} else {
		logger.Warn("tool runner not configured - model tool calls will fail")
	}

	// --- Speech service ---
	var mgr *speech.Manager
	if cfg.Speech.Configured() {
		client := speech.NewClient(cfg.Speech.BaseURL, cfg.Speech.APIKey, cfg.Speech.Model,
			cfg.Speech.Instructions, cfg.Speech.CredentialTTL, logger)

		// The cache's mint closure runs only after mgr is assigned; it
		// needs the manager to attach the current tool definitions.
		creds := speech.NewCredentialCache(func(mintCtx context.Context) (speech.Credential, error) {
			return mgr.MintCredential(mintCtx)
		}, cfg.Speech.CredentialRefreshMargin, clk, logger)

		var invoker speech.ToolInvoker
		if runnerClient != nil {
			invoker = runnerClient
		}
		mgr = speech.NewManager(client, creds, cfg.Speech.APIKey, cfg.Speech.BaseURL,
			cfg.Speech.Model, cfg.Speech.Voice, invoker, cfg.Runner.InvokeTimeout, enqueue, logger)
	} else {
		logger.Warn("speech service not configured - serving control surface only")
	}

	// --- Tool approval ---
	gate := approval.NewGate(cfg.Approval.Policy, cfg.Approval.Timeout, clk, enqueue, logger)
	if mgr != nil {
		mgr.SetApprovalGate(gate)
	}

	// --- Cancellation ---
	var signaler cancel.Signaler = noopSignaler{logger: logger}
	if runnerClient != nil {
		signaler = runnerClient
	}
	cancels := cancel.NewCoordinator(signaler, cfg.Cancel.AckTimeout, clk, elog, logger)
	gesture := cancel.NewPressTracker(cfg.Cancel.HoldThreshold, clk)

	// --- Microphone ---
	restore := mic.RestorePremute
	if cfg.Mic.UnmuteRestore == "normal" {
		restore = mic.RestoreNormal
	}
	micMachine := mic.NewMachine(restore, func() {
		if mgr != nil {
			mgr.RequestResponse()
		}
	}, elog, logger)

	// --- Health ---
	monitor := health.NewMonitor(sessions, health.Thresholds{
		IdleThreshold:     cfg.Health.IdleThreshold,
		WarnStaleness:     cfg.Health.WarnStaleness,
		CriticalStaleness: cfg.Health.CriticalStaleness,
	}, cfg.Health.TickInterval, clk, enqueue, logger)

	detector := disconnect.NewDetector()

	// --- Lifecycle bridge and reconnection engine ---
	br := &bridge{
		sessions:      sessions,
		detector:      detector,
		monitor:       monitor,
		store:         store,
		elog:          elog,
		logger:        logger,
		ceiling:       cfg.Speech.SessionCeiling,
		idleThreshold: cfg.Health.IdleThreshold,
		staleness:     cfg.Health.CriticalStaleness,
		resumeEntries: cfg.Transcripts.ResumeEntries,
	}

	var engine *reconnect.Engine
	if mgr != nil {
		engine = reconnect.NewEngine(mgr, mgr, reconnect.Config{
			Strategy:          cfg.Reconnect.Strategy,
			KeepaliveEnabled:  cfg.Reconnect.KeepaliveEnabled,
			KeepaliveInterval: cfg.Reconnect.KeepaliveInterval,
			Delay:             cfg.Reconnect.Delay,
			Ceiling:           cfg.Speech.SessionCeiling,
			ProactiveMargin:   cfg.Reconnect.ProactiveMargin,
			MaxAttemptRetries: cfg.Reconnect.MaxAttemptRetries,
		}, clk, br.Handoff, enqueue, elog, logger)
		br.engine = engine
	}

	// --- Handler registration ---
	// Order matters: the session clock records timestamps first so
	// every later handler reads durations that include this event.
	dispatcher.Register("session-clock", sessionClockHandler(sessions))
	dispatcher.Register("cancel", cancels.HandleEvent)
	dispatcher.Register("mic", micMachine.HandleEvent)
	if store != nil {
		recorder := transcript.NewRecorder(store, br.TranscriptID, logger)
		dispatcher.Register("recorder", recorder.HandleEvent)
	}
	dispatcher.Register("bridge", br.HandleEvent)

	// --- External service watchers ---
	connMgr := connwatch.NewManager(clk, logger)
	defer connMgr.Stop()
	probeClient := httpkit.NewClient(httpkit.WithTimeout(10 * time.Second))
	if cfg.Speech.Configured() {
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "speech",
			Probe:   connwatch.HTTPProbe(probeClient, cfg.Speech.BaseURL),
			OnReady: func() { elog.Appendf("speech service reachable") },
			OnDown:  func(err error) { elog.Appendf("speech service unreachable: %v", err) },
		})
	}
	if cfg.Runner.Configured() {
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "runner",
			Probe:   connwatch.HTTPProbe(probeClient, cfg.Runner.URL),
			OnReady: func() { elog.Appendf("tool runner reachable") },
			OnDown:  func(err error) { elog.Appendf("tool runner unreachable: %v", err) },
		})
	}

	// --- Signal handling ---
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	go monitor.Run(ctx)
	if engine != nil {
		engine.Start(ctx)
	}
	if runnerStream != nil {
		go runnerStream.Run(ctx)
	}

	// --- MQTT diagnostics ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		stats := &mqttStats{
			monitor:  monitor,
			detector: detector,
			engine:   engine,
			cancels:  cancels,
			mic:      micMachine,
			sessions: sessions,
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, stats, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Control surface ---
	server := api.NewServer(cfg.Listen, api.Deps{
		Sessions: sessions,
		Health:   monitor,
		Detector: detector,
		Cancels:  cancels,
		Gesture:  gesture,
		Mic:      micMachine,
		Engine:   engine,
		Speech:   mgr,
		Approval: gate,
		Store:    store,
		Log:      elog,
		Bus:      bus,
		Enqueue:  enqueue,
		Services: connMgr.Status,
		OnResume: br.QueueResume,
	}, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if mgr != nil {
			mgr.Close()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Blocks until shutdown or a fatal listener error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("control surface failed: %w", err)
		}
	}

	// Let the dispatcher drain so the transcript of the final moments
	// is persisted before the store closes.
	dispatcher.Wait()

	logger.Info("Parley stopped")
	return nil
}

// newLogger creates a structured logger writing to w at the given
// level and format ("text" or "json"; anything else falls back to
// text). All log output goes through slog.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
