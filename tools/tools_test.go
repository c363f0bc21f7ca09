package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/mcp"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"required"`
}

func echoTool() Tool {
	return NewTool("echo", func(_ context.Context, a echoArgs) (*mcp.CallToolResult, error) {
		return TextResult(a.Message), nil
	}, WithDescription("Echo the message back"))
}

func TestNewTool_SchemaAndDecode(t *testing.T) {
	tool := echoTool()

	var schema map[string]any
	if err := json.Unmarshal(tool.Descriptor.InputSchema, &schema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if schema["type"] != "object" {
		t.Fatalf("want object schema, got %v", schema)
	}
	props, _ := schema["properties"].(map[string]any)
	if _, ok := props["message"]; !ok {
		t.Fatalf("message property missing: %v", schema)
	}

	res, err := tool.Handler(context.Background(), &mcp.CallToolRequest{Name: "echo", Arguments: json.RawMessage(`{"message":"hi"}`)})
	if err != nil || res.IsError || res.Content[0].Text != "hi" {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}

	res, err = tool.Handler(context.Background(), &mcp.CallToolRequest{Name: "echo", Arguments: json.RawMessage(`{"nope":1}`)})
	if err != nil || !res.IsError {
		t.Fatalf("unknown field should be a tool error, got %+v err=%v", res, err)
	}
}

func TestRegistry_ListPagesAndCall(t *testing.T) {
	r := NewRegistry(echoTool(), Whoami())
	r.SetPageSize(1)

	first := r.List("")
	if len(first.Tools) != 1 || first.NextCursor != "1" {
		t.Fatalf("unexpected first page %+v", first)
	}
	second := r.List(first.NextCursor)
	if len(second.Tools) != 1 || second.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", second)
	}

	if _, err := r.Call(context.Background(), &mcp.CallToolRequest{Name: "missing"}); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("want ErrToolNotFound, got %v", err)
	}
}

func TestRegistry_ChangesSignalled(t *testing.T) {
	r := NewRegistry()
	ch := r.Changes()

	if !r.Add(echoTool()) {
		t.Fatalf("add failed")
	}
	if r.Add(echoTool()) {
		t.Fatalf("duplicate add succeeded")
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("no change signal")
	}

	if !r.Remove("echo") {
		t.Fatalf("remove failed")
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("no change signal after remove")
	}

	r.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed")
	}
}

func TestWhoami_ReadsCurrentIdentity(t *testing.T) {
	r := NewRegistry(Whoami())

	res, err := r.Call(context.Background(), &mcp.CallToolRequest{Name: "whoami"})
	if err != nil || res.Content[0].Text != "anonymous" {
		t.Fatalf("want anonymous, got %+v err=%v", res, err)
	}

	ctx := auth.WithIdentity(context.Background(), auth.Identity{UserID: "u-42", Scopes: []string{"a", "b"}})
	res, err = r.Call(ctx, &mcp.CallToolRequest{Name: "whoami", Arguments: json.RawMessage(`{"include_scopes":true}`)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content[0].Text != "u-42" || !strings.Contains(res.Content[1].Text, "a b") {
		t.Fatalf("unexpected whoami result %+v", res)
	}
}

func TestLoadManifests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.json"), `{"name":"greet","response":"hello $who"}`)
	writeFile(t, filepath.Join(dir, "b.json"), `[{"name":"one","response":"1"},{"name":"two","response":"2"}]`)
	writeFile(t, filepath.Join(dir, "bad.json"), `{`)
	writeFile(t, filepath.Join(dir, "ignored.txt"), `nope`)

	defs, err := LoadManifests(dir)
	if err == nil {
		t.Fatalf("expected error for bad.json")
	}
	if len(defs) != 3 {
		t.Fatalf("want 3 tools, got %d", len(defs))
	}

	res, err := defs[0].Handler(context.Background(), &mcp.CallToolRequest{Name: "greet", Arguments: json.RawMessage(`{"who":"ada"}`)})
	if err != nil || res.Content[0].Text != "hello ada" {
		t.Fatalf("unexpected %+v err=%v", res, err)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.json"), `{"name":"first","response":"x"}`)

	r := NewRegistry()
	changes := r.Changes()
	w := NewWatcher(dir, r, WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, changes)
	if got := r.List("").Tools; len(got) != 1 || got[0].Name != "first" {
		t.Fatalf("initial load: %+v", got)
	}

	writeFile(t, filepath.Join(dir, "b.json"), `{"name":"second","response":"y"}`)
	deadline := time.Now().Add(5 * time.Second)
	for len(r.List("").Tools) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher did not pick up new manifest")
		}
		waitFor(t, changes)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for change")
	}
}
