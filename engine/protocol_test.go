package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/tools"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []*jsonrpc.Message
}

func (r *recordingTransport) Send(_ context.Context, msg *jsonrpc.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingTransport) Close() error { return nil }

func newEngine(t *testing.T, reg *tools.Registry) (Engine, *recordingTransport) {
	t.Helper()
	tr := &recordingTransport{}
	e, err := NewFactory(reg)(context.Background(), "s1", tr)
	if err != nil {
		t.Fatal(err)
	}
	return e, tr
}

func request(t *testing.T, ctx context.Context, e Engine, frame string) *jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.Decode([]byte(frame))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp, err := e.Handle(ctx, msg)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	return resp
}

const initFrame = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"t","version":"1"}}}`

func TestProtocol_InitializeNegotiatesVersion(t *testing.T) {
	e, _ := newEngine(t, tools.NewRegistry())

	resp := request(t, context.Background(), e, initFrame)
	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.ProtocolVersion != "2025-03-26" || res.Capabilities.Tools == nil || !res.Capabilities.Tools.ListChanged {
		t.Fatalf("unexpected initialize result %+v", res)
	}

	resp = request(t, context.Background(), e, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`)
	_ = json.Unmarshal(resp.Result, &res)
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("unsupported version should fall back to latest, got %s", res.ProtocolVersion)
	}
}

func TestProtocol_RequiresInitialize(t *testing.T) {
	e, _ := newEngine(t, tools.NewRegistry())

	resp := request(t, context.Background(), e, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("want invalid request, got %+v", resp)
	}
	resp = request(t, context.Background(), e, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	if resp.Error != nil {
		t.Fatalf("ping before initialize failed: %+v", resp.Error)
	}
}

func TestProtocol_ToolsCallRunsAsCaller(t *testing.T) {
	e, _ := newEngine(t, tools.NewRegistry(tools.Whoami()))
	request(t, context.Background(), e, initFrame)

	ctx := auth.WithIdentity(context.Background(), auth.Identity{UserID: "alice"})
	resp := request(t, ctx, e, `{"jsonrpc":"2.0","id":"c1","method":"tools/call","params":{"name":"whoami"}}`)
	var res mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.Content[0].Text != "alice" {
		t.Fatalf("want alice, got %+v", res)
	}
	if resp.ID.String() != "c1" {
		t.Fatalf("response id not preserved: %s", resp.ID)
	}

	resp = request(t, ctx, e, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"missing"}}`)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("want invalid params, got %+v", resp)
	}
}

func TestProtocol_UnknownMethodAndNotifications(t *testing.T) {
	e, _ := newEngine(t, tools.NewRegistry())
	request(t, context.Background(), e, initFrame)

	resp := request(t, context.Background(), e, `{"jsonrpc":"2.0","id":9,"method":"resources/list"}`)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("want method not found, got %+v", resp)
	}
	if resp := request(t, context.Background(), e, `{"jsonrpc":"2.0","method":"notifications/initialized"}`); resp != nil {
		t.Fatalf("notification produced a response: %+v", resp)
	}
}

func TestProtocol_NotifyToolsListChanged(t *testing.T) {
	e, tr := newEngine(t, tools.NewRegistry())

	if err := e.NotifyToolsListChanged(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent) != 0 {
		t.Fatalf("uninitialized session was notified")
	}

	request(t, context.Background(), e, initFrame)
	if err := e.NotifyToolsListChanged(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent) != 1 || tr.sent[0].Method != string(mcp.ToolsListChangedNotificationMethod) {
		t.Fatalf("unexpected sent %+v", tr.sent)
	}

	_ = e.Close()
	if err := e.NotifyToolsListChanged(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	msg, _ := jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if _, err := e.Handle(context.Background(), msg); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed from Handle, got %v", err)
	}
}

func TestProtocol_FramesSerialized(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		overlap bool
	)
	slow := tools.NewTool("slow", func(ctx context.Context, _ struct{}) (*mcp.CallToolResult, error) {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			active--
			mu.Unlock()
		}()
		for i := 0; i < 1000; i++ {
			_ = ctx.Err()
		}
		return tools.TextResult("ok"), nil
	})
	e, _ := newEngine(t, tools.NewRegistry(slow))
	request(t, context.Background(), e, initFrame)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, _ := jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"slow"}}`))
			_, _ = e.Handle(context.Background(), msg)
		}()
	}
	wg.Wait()
	if overlap {
		t.Fatalf("frames of one session overlapped")
	}
}

func TestProtocol_VersionReadableDuringFrame(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	block := tools.NewTool("block", func(ctx context.Context, _ struct{}) (*mcp.CallToolResult, error) {
		close(entered)
		<-release
		return tools.TextResult("ok"), nil
	})
	e, _ := newEngine(t, tools.NewRegistry(block))
	request(t, context.Background(), e, initFrame)

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, _ := jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"block"}}`))
		_, _ = e.Handle(context.Background(), msg)
	}()
	<-entered

	got := make(chan string, 1)
	go func() { got <- e.(*Protocol).ProtocolVersion() }()
	select {
	case v := <-got:
		if want := "2025-03-26"; v != want {
			t.Fatalf("want %q, got %q", want, v)
		}
	case <-time.After(time.Second):
		t.Fatalf("ProtocolVersion waited behind the running frame")
	}
	close(release)
	<-done
}
