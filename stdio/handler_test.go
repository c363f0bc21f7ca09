package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/engine"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/tools"
)

// testHarness wires a Handler to io.Pipes and exposes line-oriented access.
type testHarness struct {
	t      *testing.T
	reg    *sessions.Registry
	tools  *tools.Registry
	stdinW *io.PipeWriter
	lines  chan string
	done   chan error
	cancel context.CancelFunc
}

func newHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()

	treg := tools.NewRegistry(tools.Whoami())
	reg := sessions.NewRegistry(engine.NewFactory(treg), sessions.WithLogger(slog.Default()))

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	opts = append([]Option{WithIO(inR, outW), WithUserProvider(StaticUser{UserID: "ada", Username: "ada"})}, opts...)
	h := NewHandler(reg, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, reg: reg, tools: treg, stdinW: inW, lines: make(chan string, 16), done: make(chan error, 1), cancel: cancel}

	go func() { th.done <- h.Serve(ctx) }()
	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			th.lines <- sc.Text()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
		treg.Close()
	})
	return th
}

func (th *testHarness) send(frame string) {
	th.t.Helper()
	if _, err := io.WriteString(th.stdinW, frame+"\n"); err != nil {
		th.t.Fatalf("write stdin: %v", err)
	}
}

func (th *testHarness) recv() *jsonrpc.Message {
	th.t.Helper()
	select {
	case line := <-th.lines:
		msg, err := jsonrpc.Decode([]byte(line))
		if err != nil {
			th.t.Fatalf("decode %q: %v", line, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		th.t.Fatalf("timed out waiting for output")
		return nil
	}
}

const initFrame = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"t","version":"1"}}}`

func TestServe_SingleSessionLifecycle(t *testing.T) {
	th := newHarness(t)

	th.send(initFrame)
	resp := th.recv()
	if resp.Error != nil {
		t.Fatalf("initialize failed: %v", resp.Error)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("unexpected protocol version %q", res.ProtocolVersion)
	}

	if n := th.reg.ActiveSessionCount(); n != 1 {
		t.Fatalf("want 1 session, got %d", n)
	}
	if _, ok := th.reg.Lookup(sessions.StdioSessionID); !ok {
		t.Fatalf("stdio session not registered under %q", sessions.StdioSessionID)
	}

	th.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	th.send(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if n := th.reg.ActiveSessionCount(); n != 1 {
		t.Fatalf("frames created extra sessions: %d", n)
	}
	resp = th.recv()
	if resp.ID.String() != "2" || resp.Error != nil {
		t.Fatalf("unexpected tools/list response: %+v", resp)
	}

	_ = th.stdinW.Close()
	select {
	case err := <-th.done:
		if err != nil {
			t.Fatalf("Serve returned %v on EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return on EOF")
	}
	if n := th.reg.ActiveSessionCount(); n != 1 {
		t.Fatalf("EOF should not remove the session, count=%d", n)
	}
}

func TestServe_FramesRunAsProvidedUser(t *testing.T) {
	th := newHarness(t)

	th.send(initFrame)
	th.recv()
	th.send(`{"jsonrpc":"2.0","id":"w","method":"tools/call","params":{"name":"whoami","arguments":{}}}`)
	resp := th.recv()

	var res mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Content) == 0 || res.Content[0].Text != "ada" {
		t.Fatalf("whoami did not see the stdio identity: %+v", res)
	}
}

func TestServe_InvalidFrame(t *testing.T) {
	th := newHarness(t)

	th.send(`{not json`)
	resp := th.recv()
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("want parse error, got %+v", resp)
	}

	// The loop keeps going after a bad frame.
	th.send(initFrame)
	if resp := th.recv(); resp.Error != nil {
		t.Fatalf("initialize after bad frame failed: %v", resp.Error)
	}
}

func TestServe_ServerInitiatedNotification(t *testing.T) {
	th := newHarness(t)

	th.send(initFrame)
	th.recv()

	res := th.reg.BroadcastToolsListChanged(context.Background())
	if res.Delivered != 1 {
		t.Fatalf("want 1 delivery, got %+v", res)
	}
	msg := th.recv()
	if msg.Method != string(mcp.ToolsListChangedNotificationMethod) {
		t.Fatalf("unexpected notification %q", msg.Method)
	}
}

func TestServe_SecondServeRejected(t *testing.T) {
	reg := sessions.NewRegistry(engine.NewFactory(tools.NewRegistry()))
	h := NewHandler(reg, WithIO(strings.NewReader(""), io.Discard), WithUserProvider(StaticUser{UserID: "u"}))

	if err := h.Serve(context.Background()); err != nil {
		t.Fatalf("first Serve: %v", err)
	}
	if err := h.Serve(context.Background()); !errors.Is(err, ErrAlreadyServed) {
		t.Fatalf("want ErrAlreadyServed, got %v", err)
	}
}

func TestServe_ContextCancel(t *testing.T) {
	th := newHarness(t)
	th.send(initFrame)
	th.recv()

	th.cancel()
	select {
	case err := <-th.done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not stop on cancel")
	}
}

var _ UserProvider = StaticUser(auth.Identity{})
