package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/config"
	"github.com/openclaw-oversight/oversight-go/internal/logs"
	"github.com/openclaw-oversight/oversight-go/internal/server"
)

var (
	configFile  string
	pluginsRoot string
	listen      string
	logLevel    string
	logToFile   bool
	logDir      string

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "oversight",
		Short:   "Oversight - governance, trace analysis and knowledge plugins for the OpenClaw agent runtime",
		Version: version,
		RunE:    runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&pluginsRoot, "plugins-root", "d", "", "Plugin workspace root (default: ~/.openclaw/plugins)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Gateway listen address")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", true, "Enable logging to file in standard OS location")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path (overrides standard OS location)")

	rootCmd.AddCommand(
		getServeCommand(),
		getCallCommand(),
		getCommandsCommand(),
		getHookCommand(),
		getTraceCommand(),
		getCortexCommand(),
		getTopCommand(),
		GetSecretsCommand(),
	)
	for _, passthrough := range passthroughCommands() {
		rootCmd.AddCommand(passthrough)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getServeCommand is an explicit alias for the default run mode, so that
// `oversight serve` works the way process managers expect.
func getServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the oversight daemon",
		RunE:  runDaemon,
	}
}

func runDaemon(_ *cobra.Command, _ []string) error {
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

	logger.Info("starting oversight",
		zap.String("version", version),
		zap.String("log_level", logLevel),
		zap.String("plugins_root", cfg.PluginsRoot))

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	<-ctx.Done()
	if err := srv.Stop(context.Background()); err != nil {
		logger.Error("error stopping server", zap.Error(err))
	}
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

	if pluginsRoot != "" {
		cfg.PluginsRoot = pluginsRoot
	}
	if listen != "" {
		cfg.Listen = listen
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func init() {
	server.Version = version
}
