package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// getCallCommand invokes an arbitrary registered plugin command by name.
func getCallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "call <command> [args...]",
		Short: "Invoke a plugin command by name",
		Long:  "Invoke any command registered by the plugin suite, against the running daemon when one answers or in-process otherwise.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			text, err := runDaemonCommand(ctx, args[0], args[1:])
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
}

// getCommandsCommand lists every command the plugin suite registered.
func getCommandsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "List registered plugin commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			cmds, err := listDaemonCommands(ctx)
			if err != nil {
				return err
			}
			for _, c := range cmds {
				marker := " "
				if c.RequireAuth {
					marker = "*"
				}
				fmt.Printf("%s %-18s %s\n", marker, c.Name, c.Description)
			}
			if len(cmds) > 0 {
				fmt.Println("\n(* requires an API key)")
			}
			return nil
		},
	}
}

// passthroughCommands exposes the suite's chat commands as first-class CLI
// subcommands, so `oversight sitrep` works without knowing the command table.
func passthroughCommands() []*cobra.Command {
	specs := []struct {
		use   string
		name  string
		short string
	}{
		{"sitrep [refresh|collectors]", "sitrep", "Render the situation report"},
		{"governance", "governance", "Show governance engine status"},
		{"trace-analyze [full=true]", "trace-analyze", "Run a trace analysis pass"},
		{"trace-status", "trace-status", "Show trace analyzer state"},
		{"cortexstatus", "cortexstatus", "Show knowledge store status"},
		{"cortex-search <query>", "cortex-search", "Search stored facts"},
		{"reboot-snapshot", "reboot-snapshot", "Render the boot-context snapshot"},
	}

	out := make([]*cobra.Command, 0, len(specs))
	for _, spec := range specs {
		name := spec.name
		cmd := &cobra.Command{
			Use:   spec.use,
			Short: spec.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPassthrough(cmd, name, args)
			},
		}
		if name == "governance" {
			cmd.AddCommand(
				&cobra.Command{
					Use:   "status",
					Short: "Show governance engine status",
					RunE: func(cmd *cobra.Command, _ []string) error {
						return runPassthrough(cmd, "governance", nil)
					},
				},
				getAuditCommand(),
			)
		}
		out = append(out, cmd)
	}
	return out
}
