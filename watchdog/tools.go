package watchdog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edgemcp/mcpd/catalog"
	"github.com/edgemcp/mcpd/mcp"
)

// RegisterTools exposes w as three built-in tools (watchdog_status,
// watchdog_kick, watchdog_list), per the firmware's MCPWatchdogTool: the
// software watchdog is both an internal mechanism the dispatcher kicks on
// calls to tools that declare a WatchdogName and something an operator or
// another tool can inspect and kick directly.
func RegisterTools(tools *catalog.ToolRegistry, w *Watchdog) error {
	if err := tools.Register(catalog.ToolEntry{
		Descriptor: mcp.Tool{
			Name:        "watchdog_status",
			Description: "Report the health state and timeout count of a named watchdog entry.",
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]mcp.SchemaProperty{"name": {Type: "string", Description: "Watchdog entry name"}},
				Required:   []string{"name"},
			},
		},
		Handler: func(_ context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			var args struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(req.Arguments, &args); err != nil {
				return nil, fmt.Errorf("watchdog_status: decode arguments: %w", err)
			}
			if !w.Exists(args.Name) {
				return &mcp.CallToolResult{IsError: true, Content: []mcp.ContentBlock{{Type: "text", Text: "no such watchdog entry: " + args.Name}}}, nil
			}
			state := w.State(args.Name)
			count := w.TimeoutCount(args.Name)
			return &mcp.CallToolResult{
				StructuredContent: map[string]any{"name": args.Name, "state": string(state), "timeoutCount": count},
				Content:           []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf("%s: %s (timeouts=%d)", args.Name, state, count)}},
			}, nil
		},
	}); err != nil {
		return err
	}

	if err := tools.Register(catalog.ToolEntry{
		Descriptor: mcp.Tool{
			Name:        "watchdog_kick",
			Description: "Kick a named watchdog entry to prove it is still making progress.",
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]mcp.SchemaProperty{"name": {Type: "string", Description: "Watchdog entry name"}},
				Required:   []string{"name"},
			},
		},
		Handler: func(_ context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			var args struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(req.Arguments, &args); err != nil {
				return nil, fmt.Errorf("watchdog_kick: decode arguments: %w", err)
			}
			if !w.Kick(args.Name) {
				return &mcp.CallToolResult{IsError: true, Content: []mcp.ContentBlock{{Type: "text", Text: "no such watchdog entry: " + args.Name}}}, nil
			}
			return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "kicked " + args.Name}}}, nil
		},
	}); err != nil {
		return err
	}

	return tools.Register(catalog.ToolEntry{
		Descriptor: mcp.Tool{
			Name:        "watchdog_list",
			Description: "List every registered watchdog entry and its current state.",
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		},
		Handler: func(_ context.Context, _ *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			snaps := w.Snapshots()
			entries := make([]map[string]any, 0, len(snaps))
			for _, s := range snaps {
				entries = append(entries, map[string]any{
					"name":         s.Name,
					"state":        string(s.State),
					"timeoutCount": s.TimeoutCount,
				})
			}
			return &mcp.CallToolResult{StructuredContent: map[string]any{"entries": entries}}, nil
		},
	})
}
