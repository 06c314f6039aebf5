package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// runPassthrough executes a registered plugin command and prints the blob.
func runPassthrough(cmd *cobra.Command, name string, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	text, err := runDaemonCommand(ctx, name, args)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

// getTraceCommand groups the trace analyzer verbs.
func getTraceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Trace analyzer operations",
	}

	var full bool
	analyze := &cobra.Command{
		Use:   "analyze",
		Short: "Run a trace analysis pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var args []string
			if full {
				args = []string{"full=true"}
			}
			return runPassthrough(cmd, "trace-analyze", args)
		},
	}
	analyze.Flags().BoolVar(&full, "full", false, "Analyze the whole stream instead of the incremental window")

	cmd.AddCommand(analyze, &cobra.Command{
		Use:   "status",
		Short: "Show trace analyzer state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPassthrough(cmd, "trace-status", nil)
		},
	})
	return cmd
}

// getCortexCommand groups the knowledge store verbs.
func getCortexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cortex",
		Short: "Knowledge store operations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show knowledge store status",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runPassthrough(cmd, "cortexstatus", nil)
			},
		},
		&cobra.Command{
			Use:   "search <query>",
			Short: "Search stored facts",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPassthrough(cmd, "cortex-search", args)
			},
		},
	)
	return cmd
}
