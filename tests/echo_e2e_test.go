package tests

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/edgemcp/mcpd/catalog"
	"github.com/edgemcp/mcpd/dispatcher"
	"github.com/edgemcp/mcpd/internal/clock"
	"github.com/edgemcp/mcpd/mcp"
	"github.com/edgemcp/mcpd/sessions"
	"github.com/edgemcp/mcpd/transport/httpsse"
)

type echoArgs struct {
	Message string `json:"message"`
}

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	fake := clock.NewFake(time.Now())
	sessionMgr := sessions.New(sessions.Config{MaxSessions: 16, IdleTTL: time.Hour}, fake)
	tools := catalog.NewToolRegistry(50)
	resources := catalog.NewResourceRegistry(50)
	prompts := catalog.NewPromptRegistry(50)
	roots := catalog.NewRootRegistry()
	completions := catalog.NewCompletionRegistry()

	if err := tools.Register(catalog.ToolEntry{
		Descriptor: mcp.Tool{
			Name:        "echo",
			Description: "Echoes the given message back.",
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]mcp.SchemaProperty{"message": {Type: "string"}},
				Required:   []string{"message"},
			},
		},
		Handler: func(_ context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			var args echoArgs
			if err := json.Unmarshal(req.Arguments, &args); err != nil {
				return nil, err
			}
			return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: args.Message}}}, nil
		},
	}); err != nil {
		t.Fatalf("register echo tool: %v", err)
	}

	h := httpsse.NewHandler()
	d := dispatcher.New(sessionMgr, tools, resources, prompts, roots, completions, fake,
		dispatcher.WithServerInfo(mcp.ImplementationInfo{Name: "mcpd-e2e", Version: "0.0.0"}, ""),
		dispatcher.WithNotifier(h.Push))
	h.SetCore(d)

	return httptest.NewServer(h)
}

// TestEchoToolOverHTTPSSE spins up the httpsse transport with a dispatcher
// serving a single echo tool and drives it with the reference client from
// modelcontextprotocol/go-sdk, end to end over real HTTP.
func TestEchoToolOverHTTPSSE(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	ctx := context.Background()
	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{Endpoint: srv.URL + "/mcp"}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cs.Close()

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(lt.Tools) != 1 || lt.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", lt.Tools)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "echo", Arguments: map[string]any{"message": "hello"}})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("unexpected empty call result: %+v", res)
	}
}
