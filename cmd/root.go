package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"claudebridge/internal/agent"
	"claudebridge/internal/config"
	"claudebridge/internal/log"
	"claudebridge/internal/pool"
	"claudebridge/internal/pubsub"
	"claudebridge/internal/server"
	"claudebridge/internal/session"
	"claudebridge/internal/stdio"
	"claudebridge/internal/tracing"
	"claudebridge/internal/watcher"
)

var (
	version   = "dev"
	cfgFile   string
	cfg       config.Config
	debugMode bool
)

var rootCmd = &cobra.Command{
	Use:     "claudebridge",
	Short:   "OpenAI-compatible HTTP gateway for the claude CLI",
	Long:    `Claudebridge serves an OpenAI-compatible chat completion API and an interactive agent API, backed by a pool of locally spawned claude CLI processes.`,
	Version: version,
	RunE:    runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/claudebridge/config.yaml)")
	rootCmd.Flags().String("addr", "", "listen address")
	rootCmd.Flags().String("binary", "", "path to the claude binary")
	rootCmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.Flags().Bool("debug", false, "force debug level and mirror the log to stderr")

	// Bind flags to viper
	_ = viper.BindPFlag("server.addr", rootCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("cli.binary", rootCmd.Flags().Lookup("binary"))
	_ = viper.BindPFlag("logging.level", rootCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.debug", rootCmd.Flags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.heartbeat", defaults.Server.Heartbeat)
	viper.SetDefault("cli.binary", defaults.CLI.Binary)
	viper.SetDefault("pool.max_processes", defaults.Pool.MaxProcesses)
	viper.SetDefault("pool.max_pty_processes", defaults.Pool.MaxPtyProcesses)
	viper.SetDefault("pool.grace_period", defaults.Pool.GracePeriod)
	viper.SetDefault("pty.cols", defaults.PTY.Cols)
	viper.SetDefault("pty.rows", defaults.PTY.Rows)
	viper.SetDefault("pty.term", defaults.PTY.Term)
	viper.SetDefault("pty.prompt_timeout", defaults.PTY.PromptTimeout)
	viper.SetDefault("pty.stream_timeout", defaults.PTY.StreamTimeout)
	viper.SetDefault("pty.check_interval", defaults.PTY.CheckInterval)
	viper.SetDefault("pty.stability_threshold", defaults.PTY.StabilityThreshold)
	viper.SetDefault("pty.stable_count", defaults.PTY.StableCount)
	viper.SetDefault("session.max_age", defaults.Session.MaxAge)
	viper.SetDefault("session.cleanup_interval", defaults.Session.CleanupInterval)
	viper.SetDefault("session.screen_history", defaults.Session.ScreenHistory)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.debug", defaults.Logging.Debug)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .claudebridge/config.yaml (current directory)
		// 2. ~/.config/claudebridge/config.yaml (user config)
		if _, err := os.Stat(".claudebridge/config.yaml"); err == nil {
			viper.SetConfigFile(".claudebridge/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "claudebridge"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .claudebridge/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".claudebridge/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logPath := cfg.Logging.File
	if logPath == "" {
		logPath = config.DefaultLogFilePath()
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return fmt.Errorf("initializing log: %w", err)
	}
	defer cleanup()
	debugMode = cfg.Logging.Debug || os.Getenv("CLAUDEBRIDGE_DEBUG") != ""
	if debugMode {
		log.SetMinLevel(log.LevelDebug)
	} else {
		log.SetMinLevel(log.ParseLevel(cfg.Logging.Level))
	}
	log.Info(log.CatHTTP, "Starting claudebridge", "version", version)

	traceFile := cfg.Tracing.FilePath
	if traceFile == "" {
		traceFile = config.DefaultTracesFilePath()
	}
	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     traceFile,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	p := pool.New(pool.Config{
		BinaryPath:      cfg.CLI.Binary,
		MaxProcesses:    cfg.Pool.MaxProcesses,
		MaxPtyProcesses: cfg.Pool.MaxPtyProcesses,
		GracePeriod:     cfg.Pool.GracePeriod,
		Cols:            cfg.PTY.Cols,
		Rows:            cfg.PTY.Rows,
		TermType:        cfg.PTY.Term,
	})
	store := session.NewStore(session.Config{
		MaxAge:          cfg.Session.MaxAge,
		CleanupInterval: cfg.Session.CleanupInterval,
		HistoryBound:    cfg.Session.ScreenHistory,
	}, p.Release)
	chat := stdio.NewAdapter(p)
	agents := agent.NewAdapter(p, store, agent.Config{
		PromptTimeout:      cfg.PTY.PromptTimeout,
		StreamTimeout:      cfg.PTY.StreamTimeout,
		CheckInterval:      cfg.PTY.CheckInterval,
		StabilityThreshold: cfg.PTY.StabilityThreshold,
		StableCount:        cfg.PTY.StableCount,
		Cols:               cfg.PTY.Cols,
		Rows:               cfg.PTY.Rows,
	})

	var tracer = provider.Tracer()
	if !provider.Enabled() {
		tracer = nil
	}
	srv := server.New(server.Config{
		Addr:         cfg.Server.Addr,
		SharedSecret: cfg.Server.SharedSecret,
		Heartbeat:    cfg.Server.Heartbeat,
		Tracer:       tracer,
	}, chat, agents, p, store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go logPoolEvents(ctx, p)
	if debugMode {
		go mirrorLogToStderr(ctx)
	}
	startConfigReload(ctx)

	serveErr := srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	store.Close()
	p.Shutdown(shutdownCtx)
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatTrace, "Tracing shutdown", err)
	}
	return serveErr
}

// logPoolEvents mirrors process lifecycle events into the debug log.
func logPoolEvents(ctx context.Context, p *pool.Pool) {
	events := p.Broker().Subscribe(ctx)
	for {
		ev, ok := pubsub.Next(ctx, events)
		if !ok {
			return
		}
		if ev.Payload.Err != "" {
			log.Warn(log.CatPool, "Process event",
				"type", string(ev.Type),
				"handleID", ev.Payload.HandleID,
				"pid", ev.Payload.PID,
				"err", ev.Payload.Err,
			)
			continue
		}
		log.Debug(log.CatPool, "Process event",
			"type", string(ev.Type),
			"handleID", ev.Payload.HandleID,
			"kind", string(ev.Payload.Kind),
			"pid", ev.Payload.PID,
		)
	}
}

// mirrorLogToStderr copies every log entry published on the log broker to
// stderr. Active only under --debug or CLAUDEBRIDGE_DEBUG.
func mirrorLogToStderr(ctx context.Context) {
	listener := log.NewListener(ctx)
	if listener == nil {
		return
	}
	for {
		ev, ok := listener.Next()
		if !ok {
			return
		}
		fmt.Fprint(os.Stderr, ev.Payload)
	}
}

// startConfigReload watches the loaded config file and applies the settings
// that are safe to change at runtime. Everything else needs a restart.
func startConfigReload(ctx context.Context) {
	path := viper.ConfigFileUsed()
	if path == "" {
		return
	}

	w, err := watcher.New(watcher.DefaultConfig(path))
	if err != nil {
		log.ErrorErr(log.CatConfig, "Config watcher init failed", err)
		return
	}
	onChange, err := w.Start()
	if err != nil {
		log.ErrorErr(log.CatConfig, "Config watcher start failed", err)
		_ = w.Stop()
		return
	}

	go func() {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-onChange:
				if !ok {
					return
				}
				reloadConfig()
			}
		}
	}()
}

func reloadConfig() {
	if err := viper.ReadInConfig(); err != nil {
		log.ErrorErr(log.CatConfig, "Config reload read failed", err)
		return
	}
	var next config.Config
	if err := viper.Unmarshal(&next); err != nil {
		log.ErrorErr(log.CatConfig, "Config reload parse failed", err)
		return
	}
	if err := next.Validate(); err != nil {
		log.ErrorErr(log.CatConfig, "Config reload rejected", err)
		return
	}

	// Debug mode pins the level; the reload still validates the file.
	if !debugMode {
		log.SetMinLevel(log.ParseLevel(next.Logging.Level))
	}
	cfg.Logging.Level = next.Logging.Level
	log.Info(log.CatConfig, "Configuration reloaded", "level", next.Logging.Level)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
