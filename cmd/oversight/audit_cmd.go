package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/gateway"
	"github.com/openclaw-oversight/oversight-go/internal/server"
)

// getAuditCommand queries the governance audit journal.
func getAuditCommand() *cobra.Command {
	var (
		agent   string
		verdict string
		limit   int
		since   string
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query governance audit records",
		Long:  "Query the governance audit journal, newest first, filtered by agent, verdict, and time range.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			params := map[string]interface{}{"limit": limit}
			if agent != "" {
				params["agent"] = agent
			}
			if verdict != "" {
				params["verdict"] = verdict
			}
			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid --since duration: %w", err)
				}
				params["sinceMs"] = time.Now().Add(-d).UnixMilli()
			}

			data, err := queryAuditMethod(ctx, params)
			if err != nil {
				return err
			}

			var pretty interface{}
			if err := json.Unmarshal(data, &pretty); err != nil {
				return fmt.Errorf("failed to parse audit reply: %w", err)
			}
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "Filter by agent id")
	cmd.Flags().StringVar(&verdict, "verdict", "", "Filter by verdict (allow, deny, audit, ...)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum records to return")
	cmd.Flags().StringVar(&since, "since", "", "Only records newer than this duration (e.g. 24h)")

	return cmd
}

// queryAuditMethod invokes governance.audit_query against the running daemon
// or the in-process assembly.
func queryAuditMethod(ctx context.Context, params map[string]interface{}) (json.RawMessage, error) {
	cfg := cliConfig()

	client := gateway.NewClient(gatewayEndpoint(cfg), cfg.APIKey)
	if err := client.Ping(ctx); err == nil {
		return client.Method(ctx, "governance.audit_query", params)
	}

	srv, err := server.NewServer(cfg, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("no daemon reachable and in-process fallback failed: %w", err)
	}
	if err := srv.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("failed to bootstrap plugins: %w", err)
	}
	defer srv.Shutdown(ctx)

	method, ok := srv.Registry().GatewayMethod("governance.audit_query")
	if !ok {
		return nil, fmt.Errorf("governance plugin is not enabled")
	}
	result, err := method(ctx, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}
