package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/config"
	"github.com/openclaw-oversight/oversight-go/internal/gateway"
	"github.com/openclaw-oversight/oversight-go/internal/logs"
	"github.com/openclaw-oversight/oversight-go/internal/server"
)

const commandTimeout = 2 * time.Minute

// cliConfig loads the daemon config the way one-shot commands need it:
// file and env resolved, CLI flag overrides applied, but nothing created.
func cliConfig() *config.Config {
	cfg, err := loadConfig()
	if err != nil {
		cfg = config.DefaultConfig()
	}
	return cfg
}

// gatewayEndpoint resolves where a running daemon would be listening.
func gatewayEndpoint(cfg *config.Config) string {
	if v := os.Getenv("OVERSIGHT_ENDPOINT"); v != "" {
		return v
	}
	return cfg.Listen
}

// runDaemonCommand executes a registered plugin command against a running
// daemon when one answers, and otherwise falls back to an in-process
// assembly: the same plugin suite bootstrapped without binding the gateway.
// The fallback sees the daemon's persisted state (trust, facts, audit) but
// not its in-memory buffers, which is the expected offline view.
func runDaemonCommand(ctx context.Context, name string, args []string) (string, error) {
	cfg := cliConfig()

	client := gateway.NewClient(gatewayEndpoint(cfg), cfg.APIKey)
	if err := client.Ping(ctx); err == nil {
		return client.Command(ctx, name, args)
	}

	logger, err := logs.SetupCommandLogger(false, logLevel, false, "")
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return "", fmt.Errorf("no daemon reachable and in-process fallback failed: %w", err)
	}
	if err := srv.Bootstrap(ctx); err != nil {
		return "", fmt.Errorf("failed to bootstrap plugins: %w", err)
	}
	defer srv.Shutdown(ctx)

	cmd, ok := srv.Registry().Command(name)
	if !ok {
		return "", fmt.Errorf("unknown command: %s", name)
	}
	return cmd.Handler(ctx, args)
}

// listDaemonCommands mirrors runDaemonCommand for the command listing.
func listDaemonCommands(ctx context.Context) ([]gateway.CommandInfo, error) {
	cfg := cliConfig()

	client := gateway.NewClient(gatewayEndpoint(cfg), cfg.APIKey)
	if err := client.Ping(ctx); err == nil {
		return client.Commands(ctx)
	}

	srv, err := server.NewServer(cfg, zap.NewNop())
	if err != nil {
		return nil, err
	}
	if err := srv.Bootstrap(ctx); err != nil {
		return nil, err
	}
	defer srv.Shutdown(ctx)

	cmds := srv.Registry().Commands()
	out := make([]gateway.CommandInfo, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, gateway.CommandInfo{
			Name:        cmd.Name,
			Description: cmd.Description,
			RequireAuth: cmd.RequireAuth,
		})
	}
	return out, nil
}
