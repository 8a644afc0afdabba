package watchdog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/edgemcp/mcpd/catalog"
	"github.com/edgemcp/mcpd/internal/clock"
	"github.com/edgemcp/mcpd/mcp"
)

func TestRegisterToolsStatusKickList(t *testing.T) {
	fake := clock.NewFake(time.Now())
	w := New(8, fake)
	if err := w.Add("sensor-poll", time.Minute, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	tools := catalog.NewToolRegistry(50)
	if err := RegisterTools(tools, w); err != nil {
		t.Fatalf("RegisterTools: %v", err)
	}
	for _, name := range []string{"watchdog_status", "watchdog_kick", "watchdog_list"} {
		if !tools.Has(name) {
			t.Fatalf("expected %s to be registered", name)
		}
	}

	statusEntry, _ := tools.Get("watchdog_status")
	args, _ := json.Marshal(map[string]string{"name": "sensor-poll"})
	res, err := statusEntry.Handler(context.Background(), &mcp.CallToolRequestReceived{Name: "watchdog_status", Arguments: args})
	if err != nil {
		t.Fatalf("watchdog_status: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if res.StructuredContent["state"] != string(StateHealthy) {
		t.Fatalf("expected healthy state, got %+v", res.StructuredContent)
	}

	kickEntry, _ := tools.Get("watchdog_kick")
	res, err = kickEntry.Handler(context.Background(), &mcp.CallToolRequestReceived{Name: "watchdog_kick", Arguments: args})
	if err != nil {
		t.Fatalf("watchdog_kick: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error kicking known entry: %+v", res)
	}

	unknownArgs, _ := json.Marshal(map[string]string{"name": "does-not-exist"})
	res, err = kickEntry.Handler(context.Background(), &mcp.CallToolRequestReceived{Name: "watchdog_kick", Arguments: unknownArgs})
	if err != nil {
		t.Fatalf("watchdog_kick on unknown entry: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result for an unknown entry")
	}

	listEntry, _ := tools.Get("watchdog_list")
	res, err = listEntry.Handler(context.Background(), &mcp.CallToolRequestReceived{Name: "watchdog_list"})
	if err != nil {
		t.Fatalf("watchdog_list: %v", err)
	}
	entries, ok := res.StructuredContent["entries"].([]map[string]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("expected one listed entry, got %+v", res.StructuredContent)
	}
}
