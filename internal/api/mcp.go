package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/localstore"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/syncer"
)

const (
	defaultToolLimit = 20
	maxToolLimit     = 200
)

// MCPSync is the part of the sync engine exposed over MCP. Implemented by
// *syncer.Engine.
type MCPSync interface {
	Records(col storage.Collection, q localstore.Query) []storage.Record
	Pending() []storage.Action
	Dropped(limit int) ([]storage.Action, error)
	Status() syncer.Status
	Sync(ctx context.Context) (syncer.SyncReport, error)
	SubmitReport(ctx context.Context, fields map[string]any) (storage.Record, error)
	PatchResource(ctx context.Context, id string, fields map[string]any) (storage.Record, error)
	UpdateAlert(ctx context.Context, id string, fields map[string]any) (storage.Record, error)
	DeleteReport(ctx context.Context, id string) error
}

type MCPDeps struct {
	Sync MCPSync
}

// NewMCPServer creates an MCP server exposing the local relief data and the
// offline queue to assistants.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"relief",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("relief: alerts, incident reports and relief resources, readable and writable while offline."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_records",
			mcp.WithDescription("List cached alerts, reports or resources with their sync state."),
			mcp.WithString("collection", mcp.Description("alerts, reports or resources"), mcp.Required()),
			mcp.WithString("state", mcp.Description("Only records in this sync state: confirmed, pending or failed")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 20)")),
		),
		mcpListRecords(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_report",
			mcp.WithDescription("Report an incident. Queued for delivery when the server is unreachable."),
			mcp.WithString("title", mcp.Description("Short headline"), mcp.Required()),
			mcp.WithString("description", mcp.Description("What happened"), mcp.Required()),
			mcp.WithString("type", mcp.Description("incident, damage, blocked-road, flooding, resource or other"), mcp.Required()),
			mcp.WithNumber("lat", mcp.Description("Latitude"), mcp.Required()),
			mcp.WithNumber("lng", mcp.Description("Longitude"), mcp.Required()),
			mcp.WithNumber("severity", mcp.Description("1 (minor) to 5 (critical)")),
			mcp.WithString("address", mcp.Description("Street address or landmark")),
			mcp.WithBoolean("anonymous", mcp.Description("Submit without contact details")),
		),
		mcpSubmitReport(deps),
	)

	s.AddTool(
		mcp.NewTool("update_resource",
			mcp.WithDescription("Update the status or availability of a relief resource."),
			mcp.WithString("id", mcp.Description("Resource id"), mcp.Required()),
			mcp.WithString("status", mcp.Description("active, inactive or full")),
			mcp.WithNumber("available", mcp.Description("Remaining capacity")),
		),
		mcpUpdateResource(deps),
	)

	s.AddTool(
		mcp.NewTool("update_alert",
			mcp.WithDescription("Change the severity or description of an alert."),
			mcp.WithString("id", mcp.Description("Alert id"), mcp.Required()),
			mcp.WithString("severity", mcp.Description("info, warning, critical or emergency")),
			mcp.WithString("description", mcp.Description("New description")),
		),
		mcpUpdateAlert(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_report",
			mcp.WithDescription("Delete a report. Reports that never reached the server are discarded locally."),
			mcp.WithString("id", mcp.Description("Report id"), mcp.Required()),
		),
		mcpDeleteReport(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Replay queued actions and pull server changes."),
		),
		mcpSyncNow(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Show queued and recently dropped actions."),
		),
		mcpQueueStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"relief://status",
			"Sync Status",
			mcp.WithResourceDescription("Connectivity, queue length and per-collection sync state"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"relief://queue",
			"Offline Queue",
			mcp.WithResourceDescription("Actions waiting to be delivered, oldest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQueue(deps),
	)

	return s
}

func mcpListRecords(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("collection")
		if err != nil {
			return mcpError("collection is required"), nil
		}
		col, err := storage.ParseCollection(name)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		state := storage.SyncState(req.GetString("state", ""))
		switch state {
		case "", storage.StateConfirmed, storage.StatePending, storage.StateFailed:
		default:
			return mcpError(fmt.Sprintf("unknown state %q", state)), nil
		}

		limit := req.GetInt("limit", defaultToolLimit)
		if limit <= 0 {
			limit = defaultToolLimit
		}
		if limit > maxToolLimit {
			limit = maxToolLimit
		}

		recs := deps.Sync.Records(col, localstore.Query{
			Filter: func(r storage.Record) bool { return state == "" || r.Meta.State == state },
			Less:   newestFirst,
		})
		if len(recs) > limit {
			recs = recs[:limit]
		}
		if len(recs) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(recs)
	}
}

func mcpSubmitReport(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fields := make(map[string]any)
		for _, key := range []string{"title", "description", "type"} {
			v, err := req.RequireString(key)
			if err != nil || strings.TrimSpace(v) == "" {
				return mcpError(key + " is required"), nil
			}
			fields[key] = v
		}
		lat, err := req.RequireFloat("lat")
		if err != nil {
			return mcpError("lat is required"), nil
		}
		lng, err := req.RequireFloat("lng")
		if err != nil {
			return mcpError("lng is required"), nil
		}
		fields["location"] = map[string]any{"lat": lat, "lng": lng}
		if sev := req.GetInt("severity", 0); sev > 0 {
			fields["severity"] = sev
		}
		if addr := req.GetString("address", ""); addr != "" {
			fields["address"] = addr
		}
		if req.GetBool("anonymous", false) {
			fields["isAnonymous"] = true
		}

		rec, err := deps.Sync.SubmitReport(ctx, fields)
		return mutationResult("report", rec, err)
	}
}

func mcpUpdateResource(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		fields := make(map[string]any)
		if status := req.GetString("status", ""); status != "" {
			fields["status"] = status
		}
		if avail := req.GetFloat("available", -1); avail >= 0 {
			capacity := map[string]any{}
			cur := deps.Sync.Records(storage.Resources, localstore.Query{
				Filter: func(r storage.Record) bool { return r.ID == id },
			})
			if len(cur) == 1 {
				if c, ok := cur[0].Fields["capacity"].(map[string]any); ok {
					capacity = c
				}
			}
			capacity["available"] = avail
			fields["capacity"] = capacity
		}
		if len(fields) == 0 {
			return mcpError("nothing to update: set status or available"), nil
		}
		rec, err := deps.Sync.PatchResource(ctx, id, fields)
		return mutationResult("resource", rec, err)
	}
}

func mcpUpdateAlert(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		fields := make(map[string]any)
		for _, key := range []string{"severity", "description"} {
			if v := req.GetString(key, ""); v != "" {
				fields[key] = v
			}
		}
		if len(fields) == 0 {
			return mcpError("nothing to update: set severity or description"), nil
		}
		rec, err := deps.Sync.UpdateAlert(ctx, id, fields)
		return mutationResult("alert", rec, err)
	}
}

func mcpDeleteReport(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		err = deps.Sync.DeleteReport(ctx, id)
		switch {
		case errors.Is(err, syncer.ErrQueued):
			return mcpText(fmt.Sprintf("Deletion of report %s queued: %v", id, err)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("delete failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted report %s", id)), nil
	}
}

func mcpSyncNow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rep, err := deps.Sync.Sync(ctx)
		if err != nil && rep.Pulled == nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Delivered %d, retrying %d, dropped %d queued actions.",
			len(rep.Drain.Succeeded), len(rep.Drain.Retried), len(rep.Drain.Dropped))
		for _, col := range storage.Collections {
			if n, ok := rep.Pulled[col]; ok {
				fmt.Fprintf(&b, "\nPulled %d %s.", n, col)
			}
		}
		if err != nil {
			fmt.Fprintf(&b, "\nSome pulls failed: %v", err)
		}
		return mcpText(b.String()), nil
	}
}

func mcpQueueStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dropped, err := deps.Sync.Dropped(10)
		if err != nil {
			return mcpError(fmt.Sprintf("reading dropped actions: %v", err)), nil
		}
		return mcpJSON(map[string]any{
			"online":  deps.Sync.Status().Online,
			"pending": actionSummaries(deps.Sync.Pending()),
			"dropped": actionSummaries(dropped),
		})
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Sync.Status())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceQueue(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(actionSummaries(deps.Sync.Pending()))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queue: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

type actionSummary struct {
	ID         int64  `json:"id"`
	Action     string `json:"action"`
	Target     string `json:"target"`
	CreatedAt  string `json:"createdAt"`
	RetryCount int    `json:"retryCount"`
	Status     string `json:"status"`
	LastError  string `json:"lastError,omitempty"`
	DroppedAt  string `json:"droppedAt,omitempty"`
}

func actionSummaries(actions []storage.Action) []actionSummary {
	out := make([]actionSummary, len(actions))
	for i, a := range actions {
		out[i] = actionSummary{
			ID:         a.ID,
			Action:     string(a.Kind),
			Target:     a.TargetID(),
			CreatedAt:  a.CreatedAt.Format(time.RFC3339),
			RetryCount: a.RetryCount,
			Status:     string(a.Status),
			LastError:  a.LastError,
		}
		if !a.DroppedAt.IsZero() {
			out[i].DroppedAt = a.DroppedAt.Format(time.RFC3339)
		}
	}
	return out
}

func newestFirst(a, b storage.Record) bool {
	return a.Meta.LastModified.After(b.Meta.LastModified)
}

// mutationResult reports a mutation. Queued mutations are not errors.
func mutationResult(kind string, rec storage.Record, err error) (*mcp.CallToolResult, error) {
	switch {
	case errors.Is(err, syncer.ErrQueued):
		return mcpText(fmt.Sprintf("Saved %s %s locally; delivery queued (%v)", kind, rec.ID, err)), nil
	case err != nil:
		return mcpError(fmt.Sprintf("%s not saved: %v", kind, err)), nil
	}
	verb := "Saved"
	if rec.Meta.State == storage.StatePending {
		verb = "Saved offline, pending sync:"
	}
	return mcpText(fmt.Sprintf("%s %s %s", verb, kind, rec.ID)), nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
