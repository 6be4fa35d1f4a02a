package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *DetectClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *DetectClient) *Handlers {
	return &Handlers{client: client}
}

// HandleScoreSession submits a session for scoring.
func (h *Handlers) HandleScoreSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionKey := req.GetString("session_key", "")
	if sessionKey == "" {
		return mcp.NewToolResultError("session_key is required"), nil
	}

	rawEvents := req.GetArguments()["events"]
	events, ok := rawEvents.([]any)
	if !ok || len(events) == 0 {
		return mcp.NewToolResultError("events must be a non-empty array"), nil
	}

	body := map[string]any{
		"sessionKey": sessionKey,
		"events":     events,
	}

	raw, err := h.client.ScoreSession(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Scoring failed: %v", err)), nil
	}

	text, err := formatVerdict(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verdict: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListAlerts lists recent verdict records.
func (h *Handlers) HandleListAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	alertsOnly := req.GetBool("alerts_only", false)

	raw, err := h.client.ListPredictions(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list verdicts: %v", err)), nil
	}

	text, err := formatRecordList(raw, alertsOnly)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verdicts: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetVerdict fetches a single stored verdict record.
func (h *Handlers) HandleGetVerdict(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("prediction_id", "")
	if id == "" {
		return mcp.NewToolResultError("prediction_id is required"), nil
	}

	raw, err := h.client.GetPrediction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get verdict: %v", err)), nil
	}

	text, err := formatVerdict(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verdict: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetStatistics returns service-wide detection statistics.
func (h *Handlers) HandleGetStatistics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetStatistics(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get statistics: %v", err)), nil
	}

	text, err := formatStatistics(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse statistics: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetModelInfo returns the active model version metadata.
func (h *Handlers) HandleGetModelInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetModelInfo(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get model info: %v", err)), nil
	}

	text, err := formatModelInfo(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse model info: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// -----------------------------------------------------------------------------
// Formatters
// -----------------------------------------------------------------------------

func formatVerdict(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	if id := getString(m, "id"); id != "" {
		fmt.Fprintf(&sb, "Record: %s\n", id)
	}
	fmt.Fprintf(&sb, "Session: %s\n", getString(m, "sessionKey"))
	if user := getString(m, "userId"); user != "" {
		fmt.Fprintf(&sb, "User: %s\n", user)
	}

	if v, ok := getFloat(m, "fusedScore"); ok {
		fmt.Fprintf(&sb, "Fused score: %.4f", v)
		if conf, ok := getFloat(m, "confidence"); ok {
			fmt.Fprintf(&sb, " (confidence %.2f)", conf)
		}
		sb.WriteString("\n")
	}
	if xgb, ok := getFloat(m, "xgbScore"); ok {
		lstm, _ := getFloat(m, "lstmScore")
		fmt.Fprintf(&sb, "Model scores: tree %.4f, sequence %.4f\n", xgb, lstm)
	}

	switch {
	case m["isAlert"] == true:
		sb.WriteString("Verdict: ALERT\n")
	case m["filtered"] == true:
		fmt.Fprintf(&sb, "Verdict: filtered (%s)\n", getString(m, "filterReason"))
	default:
		sb.WriteString("Verdict: clean\n")
	}

	if v := getString(m, "modelVersion"); v != "" {
		fmt.Fprintf(&sb, "Model version: %s\n", v)
	}
	if m["cached"] == true {
		sb.WriteString("Served from cache\n")
	}

	return sb.String(), nil
}

func formatRecordList(raw json.RawMessage, alertsOnly bool) (string, error) {
	var resp struct {
		Predictions []map[string]any `json:"predictions"`
	}
	// Try as {"predictions": [...]}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Predictions == nil {
		// Try as direct array
		if err := json.Unmarshal(raw, &resp.Predictions); err != nil {
			return "", fmt.Errorf("unexpected predictions response format")
		}
	}

	records := resp.Predictions
	if alertsOnly {
		filtered := records[:0]
		for _, r := range records {
			if r["isAlert"] == true {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	if len(records) == 0 {
		return "No verdicts found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d verdict(s):\n\n", len(records))
	for i, r := range records {
		score, _ := getFloat(r, "fusedScore")
		outcome := "clean"
		if r["isAlert"] == true {
			outcome = "ALERT"
		} else if r["filtered"] == true {
			outcome = "filtered (" + getString(r, "filterReason") + ")"
		}
		fmt.Fprintf(&sb, "%d. %s  session=%s  user=%s  score=%.4f  %s\n",
			i+1, getString(r, "id"), getString(r, "sessionKey"), getString(r, "userId"), score, outcome)
	}
	return sb.String(), nil
}

func formatStatistics(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Detection statistics:\n")
	if v, ok := getFloat(m, "totalRequests"); ok {
		fmt.Fprintf(&sb, "  Sessions scored: %.0f\n", v)
	}
	if v, ok := getFloat(m, "alerts"); ok {
		fmt.Fprintf(&sb, "  Alerts: %.0f\n", v)
	}
	if v, ok := getFloat(m, "filtered"); ok {
		fmt.Fprintf(&sb, "  Filtered: %.0f\n", v)
	}
	if v, ok := getFloat(m, "alertRate"); ok {
		fmt.Fprintf(&sb, "  Alert rate: %.1f%%\n", v*100)
	}
	if v, ok := getFloat(m, "requestsPerMin"); ok {
		fmt.Fprintf(&sb, "  Requests/min: %.0f\n", v)
	}
	if v, ok := getFloat(m, "uptimeSeconds"); ok {
		fmt.Fprintf(&sb, "  Uptime: %.0fs\n", v)
	}
	return sb.String(), nil
}

func formatModelInfo(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Active model version:\n")
	fmt.Fprintf(&sb, "  Version: %s\n", getString(m, "versionId"))
	if v := getString(m, "loadedAt"); v != "" {
		fmt.Fprintf(&sb, "  Loaded: %s\n", v)
	}
	if v := getString(m, "xgbArtifact"); v != "" {
		fmt.Fprintf(&sb, "  Tree artifact: %s\n", v)
	}
	if v := getString(m, "lstmArtifact"); v != "" {
		fmt.Fprintf(&sb, "  Sequence artifact: %s\n", v)
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
