package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/vericase/deepresearch/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for assistant integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP-capable assistant start research sessions, review and
approve plans, and fetch reports. Configure it with:

  {
    "mcpServers": {
      "deepresearch": { "command": "deepresearch", "args": ["mcp"] }
    }
  }

Available tools: dr_start_session, dr_approve_session,
dr_request_modification, dr_session_status, dr_cancel_session,
dr_list_sessions, dr_session_report

Logs go to stderr and the optional log file; stdout carries the protocol.
Research approved over MCP runs in this process, so sessions still running
when the client disconnects are resumed by the next 'serve' or 'mcp' start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
		defer stop()

		mgr, err := getManager()
		if err != nil {
			return err
		}
		if _, err := mgr.Resume(ctx); err != nil {
			return err
		}
		return mcp.NewServer(mgr, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
