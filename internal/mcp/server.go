package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vericase/deepresearch/internal/api"
	"github.com/vericase/deepresearch/internal/models"
	"github.com/vericase/deepresearch/internal/research"
)

// Server exposes research sessions as MCP tools.
type Server struct {
	svc     api.Service
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(svc api.Service, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{svc: svc, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("deepresearch", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.startSessionTool())
	srv.AddTool(s.approveSessionTool())
	srv.AddTool(s.requestModificationTool())
	srv.AddTool(s.sessionStatusTool())
	srv.AddTool(s.cancelSessionTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.sessionReportTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// dr_start_session
func (s *Server) startSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dr_start_session",
		mcp.WithDescription("Start a deep research session for a case or project. Generates a research plan and returns it for human review; research does not begin until the plan is approved."),
		mcp.WithString("scope", mcp.Required(), mcp.Description(`Scope as "case:<id>" or "project:<id>"`)),
		mcp.WithString("topic", mcp.Required(), mcp.Description("The investigative question")),
		mcp.WithArray("focus_areas",
			mcp.Description("Optional focus areas restricting the plan"),
			mcp.WithStringItems(mcp.Enum(focusAreaNames()...)),
		),
	)
	return tool, s.handleStartSession
}

func (s *Server) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawScope, err := request.RequireString("scope")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: scope"), nil
	}
	topic, err := request.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: topic"), nil
	}
	scope, err := models.ParseScope(rawScope)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := s.svc.StartSession(ctx, research.StartRequest{
		Scope:      scope,
		Topic:      topic,
		FocusAreas: request.GetStringSlice("focus_areas", nil),
	})
	if err != nil {
		var pge *research.PlanGenerationError
		if errors.As(err, &pge) {
			return mcp.NewToolResultError(fmt.Sprintf("%v (session %s can be resumed)", err, pge.SessionID)), nil
		}
		return toolError("start session", err), nil
	}
	return jsonResult(sess.Status())
}

// dr_approve_session
func (s *Server) approveSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dr_approve_session",
		mcp.WithDescription("Approve the current plan version of a session in plan_review. Research then runs in the background; poll dr_session_status."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithNumber("plan_version", mcp.Required(), mcp.Min(1), mcp.Description("The plan version being approved")),
	)
	return tool, s.handleApproveSession
}

func (s *Server) handleApproveSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	version, err := request.RequireInt("plan_version")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: plan_version"), nil
	}
	sess, err := s.svc.ApproveSession(ctx, id, version)
	if err != nil {
		return toolError("approve session", err), nil
	}
	return jsonResult(sess.Status())
}

// dr_request_modification
func (s *Server) requestModificationTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dr_request_modification",
		mcp.WithDescription("Reject the current plan version with feedback. A revised plan version is generated and returned for review."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithNumber("plan_version", mcp.Required(), mcp.Min(1), mcp.Description("The plan version being rejected")),
		mcp.WithString("feedback", mcp.Required(), mcp.Description("What should change in the plan")),
	)
	return tool, s.handleRequestModification
}

func (s *Server) handleRequestModification(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	version, err := request.RequireInt("plan_version")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: plan_version"), nil
	}
	feedback, err := request.RequireString("feedback")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: feedback"), nil
	}
	sess, err := s.svc.RequestModification(ctx, id, version, feedback)
	if err != nil {
		return toolError("request modification", err), nil
	}
	return jsonResult(sess.Status())
}

// dr_session_status
func (s *Server) sessionStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dr_session_status",
		mcp.WithDescription("Get a session's state, current plan, findings count and report if complete. Read-only."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleSessionStatus
}

func (s *Server) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	status, err := s.svc.GetSessionStatus(ctx, id)
	if err != nil {
		return toolError("get status", err), nil
	}
	return jsonResult(status)
}

// dr_cancel_session
func (s *Server) cancelSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dr_cancel_session",
		mcp.WithDescription("Cancel a session that has not finished. In-flight planning or research is stopped."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleCancelSession
}

func (s *Server) handleCancelSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	sess, err := s.svc.CancelSession(ctx, id)
	if err != nil {
		return toolError("cancel session", err), nil
	}
	return jsonResult(sess.Status())
}

// dr_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dr_list_sessions",
		mcp.WithDescription("List research sessions for a case or project, newest first."),
		mcp.WithString("scope", mcp.Required(), mcp.Description(`Scope as "case:<id>" or "project:<id>"`)),
		mcp.WithString("state", mcp.Description("Only return sessions in this state")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawScope, err := request.RequireString("scope")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: scope"), nil
	}
	scope, err := models.ParseScope(rawScope)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	list, err := s.svc.ListSessionHistory(ctx, scope)
	if err != nil {
		return toolError("list sessions", err), nil
	}

	if state := request.GetString("state", ""); state != "" {
		filtered := make([]models.SessionSummary, 0, len(list))
		for _, row := range list {
			if string(row.State) == strings.ToLower(state) {
				filtered = append(filtered, row)
			}
		}
		list = filtered
	}
	return jsonResult(list)
}

// dr_session_report
func (s *Server) sessionReportTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dr_session_report",
		mcp.WithDescription("Get the final report of a completed session: themes with cited finding indices, models used and citation validation."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleSessionReport
}

func (s *Server) handleSessionReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	report, err := s.svc.GetSessionReport(ctx, id)
	if err != nil {
		return toolError("get report", err), nil
	}
	return jsonResult(report)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func toolError(action string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("failed to %s: %v", action, err))
}

func focusAreaNames() []string {
	names := make([]string, len(models.FocusAreas))
	for i, f := range models.FocusAreas {
		names[i] = string(f)
	}
	return names
}
