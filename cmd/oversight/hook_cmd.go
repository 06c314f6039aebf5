package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openclaw-oversight/oversight-go/internal/gateway"
	"github.com/openclaw-oversight/oversight-go/internal/plugin"
)

// getHookCommand posts an event payload at a hook on the running daemon.
// This is the integration path for runtimes that shell out instead of
// speaking HTTP, and doubles as a probe while wiring policies.
func getHookCommand() *cobra.Command {
	var eventFile string

	cmd := &cobra.Command{
		Use:   "hook <name>",
		Short: "Dispatch an event to a lifecycle hook",
		Long:  "Read an event payload (JSON) from --file or stdin and dispatch it to the named hook on the running daemon. Prints the merged verdict.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !plugin.IsKnownHook(name) {
				return fmt.Errorf("unknown hook: %s", name)
			}

			var payload []byte
			var err error
			if eventFile != "" {
				payload, err = os.ReadFile(eventFile)
			} else {
				payload, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return fmt.Errorf("failed to read event payload: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			cfg := cliConfig()
			client := gateway.NewClient(gatewayEndpoint(cfg), cfg.APIKey)
			result, err := client.DispatchHook(ctx, name, payload)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render result: %w", err)
			}
			fmt.Println(string(out))

			if result.Block {
				// Non-zero exit lets shell integrations treat deny as failure.
				return fmt.Errorf("blocked: %s", result.BlockReason)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&eventFile, "file", "f", "", "Event payload file (default: stdin)")
	return cmd
}
