package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/imsgd/internal/daemon"
	"github.com/kalambet/imsgd/internal/protocol"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Dispatcher daemon.Dispatcher
	Version    string
}

// NewMCPServer creates an MCP server whose tools forward to the dispatcher.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"imsgd",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("imsgd: read-only access to the local iMessage history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("daemon_health",
			mcp.WithDescription("Report daemon process id, uptime, version and loaded contact count."),
		),
		mcpForward(deps, "health"),
	)

	s.AddTool(
		mcp.NewTool("messages_recent",
			mcp.WithDescription("List the most recent messages, newest first."),
			mcp.WithNumber("days", mcp.Description("Look-back window in days (default 7)")),
			mcp.WithNumber("limit", mcp.Description("Maximum messages to return (default 20, max 500)")),
		),
		mcpForward(deps, "recent"),
	)

	s.AddTool(
		mcp.NewTool("messages_unread",
			mcp.WithDescription("List unread incoming messages."),
			mcp.WithNumber("limit", mcp.Description("Maximum messages to return (default 50, max 500)")),
		),
		mcpForward(deps, "unread"),
	)

	s.AddTool(
		mcp.NewTool("messages_analytics",
			mcp.WithDescription("Message counts, busiest hour and day, and top contacts over a window."),
			mcp.WithNumber("days", mcp.Description("Look-back window in days (default 30)")),
			mcp.WithString("contact", mcp.Description("Contact name or handle to restrict the analysis to")),
		),
		mcpForward(deps, "analytics"),
	)

	s.AddTool(
		mcp.NewTool("messages_followup",
			mcp.WithDescription("Find unanswered questions and conversations waiting on a reply."),
			mcp.WithNumber("days", mcp.Description("Look-back window in days (default 30)")),
			mcp.WithNumber("stale", mcp.Description("Days without a reply before a conversation is stale (default 3)")),
		),
		mcpForward(deps, "followup"),
	)

	s.AddTool(
		mcp.NewTool("messages_handles",
			mcp.WithDescription("List distinct handles seen in a window with message counts."),
			mcp.WithNumber("days", mcp.Description("Look-back window in days (default 30)")),
			mcp.WithNumber("limit", mcp.Description("Maximum handles to return (default 50, max 500)")),
		),
		mcpForward(deps, "handles"),
	)

	s.AddTool(
		mcp.NewTool("messages_unknown",
			mcp.WithDescription("List senders that are not in the contact list."),
			mcp.WithNumber("days", mcp.Description("Look-back window in days (default 30)")),
			mcp.WithNumber("limit", mcp.Description("Maximum senders to return (default 20, max 500)")),
		),
		mcpForward(deps, "unknown"),
	)

	s.AddTool(
		mcp.NewTool("messages_discover",
			mcp.WithDescription("Suggest frequent unknown senders worth adding as contacts."),
			mcp.WithNumber("days", mcp.Description("Look-back window in days (default 90)")),
			mcp.WithNumber("limit", mcp.Description("Maximum senders to return (default 20, max 500)")),
			mcp.WithNumber("min_messages", mcp.Description("Minimum messages from a sender (default 3)")),
		),
		mcpForward(deps, "discover"),
	)

	s.AddTool(
		mcp.NewTool("messages_bundle",
			mcp.WithDescription("Run several summaries in one call."),
			mcp.WithString("include", mcp.Description("Comma-separated sections: unread_count, recent, analytics, followup_count (default unread_count,recent)")),
		),
		mcpForward(deps, "bundle"),
	)

	return s
}

func mcpForward(deps MCPDeps, method string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := protocol.Params(req.GetArguments())
		if params == nil {
			params = protocol.Params{}
		}

		result, err := deps.Dispatcher.Dispatch(ctx, method, params)
		if err != nil {
			return mcpError(fmt.Sprintf("%s failed: %s: %v", method, protocol.CodeOf(err), err)), nil
		}

		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal %s result: %v", method, err)), nil
		}
		return mcpText(string(data)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
