package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/logs"
)

var (
	configFile        string
	dataDir           string
	listen            string
	logLevel          string
	logToFile         bool
	logDir            string
	toolResponseLimit int

	version = "v0.1.0" // injected by -ldflags at build time
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcpbridge",
		Short:   "OAuth-aware connection broker for Model Context Protocol servers",
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcpbridge)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "OAuth callback / metrics listen address")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", true, "Enable logging to a rotated file in the log directory")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path")
	rootCmd.PersistentFlags().IntVar(&toolResponseLimit, "tool-response-limit", 0, "Tool response limit in characters (0 = use config value)")

	if err := config.BindFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the OAuth callback and metrics server",
		Long: `Run the bridge in server mode: binds the OAuth callback endpoint,
exposes Prometheus metrics on /metrics, and keeps app-level connections
warm for the configured servers.`,
		RunE: runServe,
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(GetToolsCommand())
	rootCmd.AddCommand(GetCallCommand())
	rootCmd.AddCommand(GetAuthCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Logging == nil {
		cfg.Logging = logs.DefaultLogConfig()
	}
	cfg.Logging.Level = logLevel
	cfg.Logging.EnableFile = logToFile
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting mcpbridge",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.Int("servers", len(cfg.Servers)))

	b, err := newBridge(cfg, logger, cfg.Listen, nil)
	if err != nil {
		return err
	}
	b.start()

	logger.Info("mcpbridge ready",
		zap.String("redirect_uri", b.callback.RedirectURI()),
		zap.String("metrics", "http://"+b.callback.Addr()+"/metrics"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Warm the app-level pool so tool inventories are ready before the
	// first agent request.
	go func() {
		tools, err := b.manager.AppToolFunctions(ctx)
		if err != nil {
			logger.Warn("App-level tool listing failed", zap.Error(err))
			return
		}
		logger.Info("App-level tools discovered", zap.Int("count", len(tools)))
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	cancel()
	b.close()
	return nil
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	// Command-line flags win over file and environment values.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if toolResponseLimit != 0 {
		cfg.ToolResponseLimit = toolResponseLimit
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
