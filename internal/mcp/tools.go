package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/batchload/internal/storage"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
	maxBatchesShown     = 20
)

// RegisterTools registers all batchload tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client, history History) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerHistory(s, history)
	registerRun(s, history)
	registerDeleteRun(s, history)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("batchload_status",
		gomcp.WithDescription("Get the live status of a running batchload instance: phase, batches, TXs sent/failed, nonce range, send latency."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("batchload unreachable: %v\n\nIs a run in progress with -listen set?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("batchload_health",
		gomcp.WithDescription("Quick readiness check of a running batchload instance and its RPC provider."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("batchload unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerHistory(s *server.MCPServer, history History) {
	tool := gomcp.NewTool("batchload_history",
		gomcp.WithDescription("List completed runs with their results (paginated, newest first)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", defaultHistoryLimit)
		if limit <= 0 || limit > maxHistoryLimit {
			limit = defaultHistoryLimit
		}
		offset := req.GetInt("offset", 0)
		if offset < 0 {
			offset = 0
		}

		raw, err := history.List(ctx, limit, offset)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(raw)), nil
	})
}

func registerRun(s *server.MCPServer, history History) {
	tool := gomcp.NewTool("batchload_run",
		gomcp.WithDescription("Get the results and per-batch breakdown of one run by ID."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := history.Run(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return gomcp.NewToolResultError("Run not found: " + id), nil
			}
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, history History) {
	tool := gomcp.NewTool("batchload_delete_run",
		gomcp.WithDescription("Delete a run and its batch log from the history. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if err := history.Delete(ctx, id); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	})
}

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	txSent := getNum(m, "txSent")
	txFailed := getNum(m, "txFailed")
	lines := joinLines(
		section("batchload Status"),
		kv("Phase", getStr(m, "phase")),
		kv("Run ID", getStr(m, "runId")),
		kv("Provider", getStr(m, "provider")),
		kv("From", getStr(m, "from")),
		kv("To", getStr(m, "to")),
		kv("Batch Size", formatNumber(getNum(m, "batchSize"))),
		kv("Interval", fmt.Sprintf("%.0fms", getNum(m, "intervalMs"))),
		kv("Elapsed", fmt.Sprintf("%.1fs / %.1fs", getNum(m, "elapsedMs")/1000, getNum(m, "durationMs")/1000)),
		kv("Batches", formatNumber(getNum(m, "batches"))),
		kv("TXs Sent", formatNumber(txSent)),
		kv("TXs Failed", fmt.Sprintf("%s (%s)", formatNumber(txFailed), formatPct(ratio(txFailed, txSent)))),
		kv("Nonces", fmt.Sprintf("%.0f .. %.0f", getNum(m, "startNonce"), getNum(m, "nextNonce"))),
	)
	if e := getStr(m, "error"); e != "" {
		lines += "\n" + kv("Error", e)
	}

	if b, ok := m["lastBatch"].(map[string]any); ok {
		lines += "\n\n" + joinLines(
			section("Last Batch"),
			kv("Index", formatNumber(getNum(b, "index"))),
			kv("Nonces", fmt.Sprintf("%.0f .. %.0f", getNum(b, "firstNonce"), getNum(b, "lastNonce"))),
			kv("Errors", formatNumber(getNum(b, "errors"))),
			kv("Elapsed", fmt.Sprintf("%.0fms", getNum(b, "elapsedMs"))),
			kv("Sleep", fmt.Sprintf("%.0fms", getNum(b, "sleepMs"))),
		)
	}

	if lat, ok := m["sendLatency"].(map[string]any); ok {
		lines += "\n\n" + formatLatency(lat)
	}

	if r, ok := m["report"].(map[string]any); ok {
		lines += "\n\n" + section("Results") + "\n" + formatReport(r)
	}

	return lines
}

func formatLatency(lat map[string]any) string {
	lines := joinLines(
		section("Send Latency"),
		kv("Samples", formatNumber(getNum(lat, "count"))),
		kv("Min", formatMs(getNum(lat, "min"))),
		kv("Avg", formatMs(getNum(lat, "avg"))),
		kv("P50", formatMs(getNum(lat, "p50"))),
		kv("P90", formatMs(getNum(lat, "p90"))),
		kv("P99", formatMs(getNum(lat, "p99"))),
		kv("Max", formatMs(getNum(lat, "max"))),
	)
	if buckets, ok := lat["buckets"].([]any); ok {
		for _, raw := range buckets {
			if b, ok := raw.(map[string]any); ok {
				lines += fmt.Sprintf("\n  %-12s %s", getStr(b, "label"), formatNumber(getNum(b, "count")))
			}
		}
	}
	return lines
}

// formatReport renders the results.json fields, which carry counts and
// wei amounts as decimal strings.
func formatReport(r map[string]any) string {
	return joinLines(
		kv("Duration", fmt.Sprintf("%.1fs", getNum(r, "duration")/1000)),
		kv("Transactions", formatNumber(getStr(r, "transactions"))),
		kv("Errors", formatNumber(getStr(r, "errors"))),
		kv("Wei Spent", formatNumber(getStr(r, "weiSpent"))),
		kv("Wei Transferred", formatNumber(getStr(r, "weiTransferred"))),
		kv("Finished", formatTimestamp(getStr(r, "timestamp"))),
	)
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("batchload Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			if check, ok := c.(map[string]any); ok {
				line := fmt.Sprintf("  %-15s %s (%dms)", getStr(check, "name"), getStr(check, "status"), int64(getNum(check, "latency_ms")))
				if errMsg := getStr(check, "error"); errMsg != "" {
					line += " - " + errMsg
				}
				lines += "\n" + line
			}
		}
	}

	return lines
}

func formatHistory(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(getNum(m, "total"))),
		"",
	)

	runs, ok := m["runs"].([]any)
	if !ok || len(runs) == 0 {
		lines += "\nNo runs found."
		return lines
	}

	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}
		lines += fmt.Sprintf("\n\n### %s\n", getStr(run, "id"))
		lines += joinLines(
			kv("Batches", fmt.Sprintf("%.0f x %.0f every %.0fms", getNum(run, "batches"), getNum(run, "batchSize"), getNum(run, "intervalMs"))),
			formatReport(run),
		)
	}

	return lines
}

func formatRunDetail(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}

	run, ok := m["run"].(map[string]any)
	if !ok {
		return "Run not found"
	}

	lines := joinLines(
		section("Run: "+getStr(run, "id")),
		kv("Provider", getStr(run, "provider")),
		kv("From", getStr(run, "from")),
		kv("To", getStr(run, "to")),
		kv("Started", formatTimestamp(getStr(run, "startedAt"))),
		kv("Batch Size", formatNumber(getNum(run, "batchSize"))),
		kv("Interval", fmt.Sprintf("%.0fms", getNum(run, "intervalMs"))),
		kv("Batches", formatNumber(getNum(run, "batches"))),
		formatReport(run),
	)

	batches, _ := m["batches"].([]any)
	if len(batches) == 0 {
		return lines
	}

	lines += "\n\n" + section("Batches")
	for i, b := range batches {
		if i >= maxBatchesShown {
			lines += fmt.Sprintf("\n... and %d more", len(batches)-maxBatchesShown)
			break
		}
		batch, ok := b.(map[string]any)
		if !ok {
			continue
		}
		lines += fmt.Sprintf("\n  [%d] nonces %.0f..%.0f  errors=%.0f  elapsed=%.0fms  sleep=%.0fms",
			int64(getNum(batch, "index")),
			getNum(batch, "firstNonce"), getNum(batch, "lastNonce"),
			getNum(batch, "errors"), getNum(batch, "elapsedMs"), getNum(batch, "sleepMs"))
	}

	return lines
}

// formatTimestamp shortens an RFC 3339 timestamp for display.
func formatTimestamp(s string) string {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().Format("2006-01-02 15:04:05")
	}
	return s
}

func ratio(part, total float64) float64 {
	if total == 0 {
		return 0
	}
	return part / total * 100
}

// Helper functions
func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
