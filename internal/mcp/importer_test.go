package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/audiorelay/pkg/fault"
	"github.com/MrWong99/audiorelay/pkg/tool"
)

// ── helpers ──

type greetArgs struct {
	Name string `json:"name" jsonschema:"who to greet"`
}

type lookupArgs struct {
	Key string `json:"key,omitempty"`
}

// startServer runs an in-memory MCP server and connects imp to it as name.
func startServer(t *testing.T, imp *Importer, name string) {
	t.Helper()
	ctx := context.Background()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: "test"}, nil)
	mcpsdk.AddTool(server, &mcpsdk.Tool{Name: "greet", Description: "says hello"},
		func(_ context.Context, _ *mcpsdk.CallToolRequest, in greetArgs) (*mcpsdk.CallToolResult, any, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "hello " + in.Name}},
			}, nil, nil
		})
	mcpsdk.AddTool(server, &mcpsdk.Tool{Name: "lookup", Description: "returns json"},
		func(_ context.Context, _ *mcpsdk.CallToolRequest, in lookupArgs) (*mcpsdk.CallToolResult, any, error) {
			if in.Key == "" {
				return &mcpsdk.CallToolResult{
					IsError: true,
					Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "key required"}},
				}, nil, nil
			}
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: `{"key":"` + in.Key + `","found":true}`}},
			}, nil, nil
		})

	serverT, clientT := mcpsdk.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatalf("server Connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	if err := imp.ConnectTransport(ctx, name, clientT); err != nil {
		t.Fatalf("ConnectTransport: %v", err)
	}
}

// ── import ──

func TestImporter_RegistersServerTools(t *testing.T) {
	t.Parallel()

	imp := NewImporter()
	t.Cleanup(func() { _ = imp.Close() })
	startServer(t, imp, "kb")

	defs := imp.Definitions()
	if len(defs) != 2 || defs[0].Name != "greet" || defs[1].Name != "lookup" {
		t.Fatalf("definitions = %+v", defs)
	}
	props, _ := defs[0].Parameters["properties"].(map[string]any)
	if _, ok := props["name"]; !ok {
		t.Errorf("greet schema lacks the name property: %v", defs[0].Parameters)
	}

	reg := tool.NewRegistry()
	if err := imp.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := reg.Invoke(context.Background(), "greet", `{"name":"Ada"}`)
	if err != nil {
		t.Fatalf("Invoke greet: %v", err)
	}
	if out != `"hello Ada"` {
		t.Errorf("greet = %s", out)
	}

	out, err = reg.Invoke(context.Background(), "lookup", `{"key":"k1"}`)
	if err != nil {
		t.Fatalf("Invoke lookup: %v", err)
	}
	if out != `{"found":true,"key":"k1"}` {
		t.Errorf("lookup = %s", out)
	}
}

func TestImporter_ToolErrorIsInvocationFault(t *testing.T) {
	t.Parallel()

	imp := NewImporter()
	t.Cleanup(func() { _ = imp.Close() })
	startServer(t, imp, "kb")

	reg := tool.NewRegistry()
	if err := imp.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := reg.Invoke(context.Background(), "lookup", `{}`)
	if !errors.Is(err, fault.ErrToolInvocation) {
		t.Fatalf("err = %v, want tool invocation fault", err)
	}
	if !strings.Contains(err.Error(), "key required") {
		t.Errorf("err = %v, want the server's message", err)
	}
}

func TestImporter_CloseDropsTools(t *testing.T) {
	t.Parallel()

	imp := NewImporter()
	startServer(t, imp, "kb")
	if err := imp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(imp.Definitions()); n != 0 {
		t.Errorf("definitions after Close = %d", n)
	}
	if _, err := imp.Call(context.Background(), "greet", nil); err == nil {
		t.Error("Call after Close succeeded")
	}
}

// ── configuration ──

func TestConnect_InvalidConfigsReportedTogether(t *testing.T) {
	t.Parallel()

	imp := NewImporter()
	t.Cleanup(func() { _ = imp.Close() })

	err := imp.Connect(context.Background(), []ServerConfig{
		{Name: "", Transport: TransportStdio, Command: "x"},
		{Name: "nocmd", Transport: TransportStdio},
		{Name: "nourl", Transport: TransportStreamableHTTP},
		{Name: "weird", Transport: "carrier-pigeon"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"must have a name", `"nocmd"`, `"nourl"`, "carrier-pigeon"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestTransport_IsValid(t *testing.T) {
	t.Parallel()
	for tr, want := range map[Transport]bool{
		TransportStdio:          true,
		TransportStreamableHTTP: true,
		"sse":                   false,
		"":                      false,
	} {
		if got := tr.IsValid(); got != want {
			t.Errorf("%q.IsValid() = %v, want %v", tr, got, want)
		}
	}
}

func TestSchemaToMap(t *testing.T) {
	t.Parallel()

	if m := schemaToMap(nil); m["type"] != "object" {
		t.Errorf("nil schema = %v", m)
	}
	in := map[string]any{"type": "object", "required": []any{"a"}}
	if m := schemaToMap(in); m["required"] == nil {
		t.Errorf("map schema not passed through: %v", m)
	}
	type s struct {
		Type string `json:"type"`
	}
	if m := schemaToMap(s{Type: "object"}); m["type"] != "object" {
		t.Errorf("struct schema = %v", m)
	}
	if m := schemaToMap(make(chan int)); m["type"] != "object" {
		t.Errorf("unencodable schema = %v", m)
	}
}
