package catalog

import (
	"context"
	"testing"

	"github.com/edgemcp/mcpd/mcp"
)

func TestRegisterRejectsMissingHandler(t *testing.T) {
	r := NewToolRegistry(10)
	err := r.Register(ToolEntry{Descriptor: mcp.Tool{Name: "noop"}})
	if err == nil {
		t.Fatal("expected registration without a handler to fail")
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewToolRegistry(10)
	entry := ToolEntry{
		Descriptor: mcp.Tool{Name: "ping"},
		Handler: func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{}, nil
		},
	}
	if err := r.Register(entry); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := r.Register(entry); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRequiredTaskSupportNeedsTaskHandler(t *testing.T) {
	r := NewToolRegistry(10)
	entry := ToolEntry{
		Descriptor: mcp.Tool{Name: "flash", TaskSupport: mcp.TaskSupportRequired},
		Handler: func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{}, nil
		},
	}
	if err := r.Register(entry); err == nil {
		t.Fatal("expected task-required tool without a task handler to fail registration")
	}
}

func TestListPagination(t *testing.T) {
	r := NewToolRegistry(2)
	for _, name := range []string{"a", "b", "c"} {
		n := name
		r.Register(ToolEntry{
			Descriptor: mcp.Tool{Name: n},
			Handler: func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
				return &mcp.CallToolResult{}, nil
			},
		})
	}
	page, next, err := r.List("")
	if err != nil || len(page) != 2 || next != "2" {
		t.Fatalf("unexpected first page: page=%v next=%q err=%v", page, next, err)
	}
	page2, next2, err := r.List(next)
	if err != nil || len(page2) != 1 || next2 != "" {
		t.Fatalf("unexpected second page: page=%v next=%q err=%v", page2, next2, err)
	}
}

func TestUnregisterRemovesTool(t *testing.T) {
	r := NewToolRegistry(10)
	r.Register(ToolEntry{
		Descriptor: mcp.Tool{Name: "a"},
		Handler: func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{}, nil
		},
	})
	if !r.Unregister("a") {
		t.Fatal("expected unregister to succeed")
	}
	if r.Has("a") {
		t.Fatal("expected tool to be gone")
	}
}
