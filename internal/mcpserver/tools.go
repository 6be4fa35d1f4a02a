package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the insider-detect MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolScoreSession = mcp.NewTool("score_session",
	mcp.WithDescription(
		"Score a user activity session for insider threat risk. "+
			"Submits the event sequence to the detection ensemble and returns the fused "+
			"risk score, alert decision, and any post-filter demotion. "+
			"Use this to triage a suspicious session."),
	mcp.WithString("session_key",
		mcp.Required(),
		mcp.Description("Caller-chosen identifier for the session (e.g. 'alice-2024-03-15-a')")),
	mcp.WithArray("events",
		mcp.Required(),
		mcp.Description("Ordered events, oldest first. Each event: {\"timestamp\": RFC3339, \"userId\": \"alice\", \"action\": \"file_download\", \"sourceIp\": \"10.0.0.5\", \"attributes\": {...}}")),
)

var ToolListAlerts = mcp.NewTool("list_alerts",
	mcp.WithDescription(
		"List recent scoring verdicts, most recent first. "+
			"Shows fused scores, alert decisions, and filter reasons. "+
			"Use this to review what the detector has flagged recently."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 20)")),
	mcp.WithBoolean("alerts_only",
		mcp.Description("When true, only return records where the verdict was an alert")),
)

var ToolGetVerdict = mcp.NewTool("get_verdict",
	mcp.WithDescription(
		"Fetch a single stored verdict record by its ID. "+
			"Returns the per-model scores, fused score, confidence, and filter outcome."),
	mcp.WithString("prediction_id",
		mcp.Required(),
		mcp.Description("The record ID from a previous score_session or list_alerts result (e.g. 'pred_...')")),
)

var ToolGetStatistics = mcp.NewTool("get_statistics",
	mcp.WithDescription(
		"Get service-wide detection statistics: total sessions scored, alert count and rate, "+
			"filtered count, recent request throughput, and service uptime."),
)

var ToolGetModelInfo = mcp.NewTool("get_model_info",
	mcp.WithDescription(
		"Get the active model version: version ID, load time, and artifact names for the "+
			"tree and sequence models. Use this to confirm which ensemble is scoring sessions."),
)
