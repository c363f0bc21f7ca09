package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/auth/authtest"
	"github.com/ggoodman/mcp-gateway/engine"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/tools"
)

type fixture struct {
	srv *httptest.Server
	reg *sessions.Registry
}

func newFixture(t *testing.T, factory engine.Factory) *fixture {
	t.Helper()
	if factory == nil {
		treg := tools.NewRegistry(tools.Whoami())
		t.Cleanup(treg.Close)
		factory = engine.NewFactory(treg)
	}
	reg := sessions.NewRegistry(factory)
	h := NewHandler(reg, WithAuthenticator(authtest.TokenIsUser{}))

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", h.ServeStream)
	mux.HandleFunc("/messages", h.ServeMessages)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, reg: reg}
}

type event struct {
	name string
	data string
}

type stream struct {
	resp   *http.Response
	events chan event
	cancel context.CancelFunc
}

func (f *fixture) open(t *testing.T, token string) *stream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/sse", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("GET /sse: %v", err)
	}
	s := &stream{resp: resp, events: make(chan event, 16), cancel: cancel}
	go func() {
		defer close(s.events)
		rd := bufio.NewReader(resp.Body)
		var ev event
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				if ev.name != "" || ev.data != "" {
					s.events <- ev
				}
				ev = event{}
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = resp.Body.Close()
	})
	return s
}

func (s *stream) next(t *testing.T) event {
	t.Helper()
	select {
	case ev, ok := <-s.events:
		if !ok {
			t.Fatalf("stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return event{}
	}
}

func (f *fixture) post(t *testing.T, endpoint, token, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+endpoint, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", endpoint, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

const initFrame = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"t","version":"1"}}}`

func TestStream_EndpointAndRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t, "user:ada")

	if ct := s.resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	ev := s.next(t)
	if ev.name != "endpoint" || !strings.HasPrefix(ev.data, "/messages?sessionId=") {
		t.Fatalf("unexpected first event %+v", ev)
	}
	if f.reg.ActiveSessionCount() != 1 {
		t.Fatalf("session not registered")
	}

	resp := f.post(t, ev.data, "", initFrame)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("want 202, got %d", resp.StatusCode)
	}
	msgEv := s.next(t)
	if msgEv.name != "message" {
		t.Fatalf("want message event, got %+v", msgEv)
	}
	msg, err := jsonrpc.Decode([]byte(msgEv.data))
	if err != nil || msg.ID.String() != "1" || msg.Error != nil {
		t.Fatalf("unexpected response %q (%v)", msgEv.data, err)
	}

	// The stream's identity applies to anonymous POSTs.
	f.post(t, ev.data, "", `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"whoami","arguments":{}}}`)
	msg, _ = jsonrpc.Decode([]byte(s.next(t).data))
	var res mcp.CallToolResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Content) == 0 || res.Content[0].Text != "ada" {
		t.Fatalf("whoami = %+v", res)
	}
}

func TestMessages_SessionNotFound(t *testing.T) {
	f := newFixture(t, nil)

	for _, endpoint := range []string{"/messages", "/messages?sessionId=nope"} {
		resp := f.post(t, endpoint, "", initFrame)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: want 404, got %d", endpoint, resp.StatusCode)
		}
		var body map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["error"] != "Session not found" {
			t.Fatalf("%s: unexpected body %v", endpoint, body)
		}
	}
}

func TestStream_DisconnectRemovesSession(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t, "")
	ev := s.next(t)

	s.cancel()
	waitFor(t, func() bool { return f.reg.ActiveSessionCount() == 0 })

	resp := f.post(t, ev.data, "", initFrame)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404 after disconnect, got %d", resp.StatusCode)
	}
}

func TestStream_CreateFailureIs500(t *testing.T) {
	failing := func(context.Context, string, engine.Transport) (engine.Engine, error) {
		return nil, errors.New("boom")
	}
	f := newFixture(t, failing)

	resp, err := http.Get(f.srv.URL + "/sse")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	if n := f.reg.ActiveSessionCount(); n != 0 {
		t.Fatalf("failed create left %d sessions", n)
	}
}

func TestMessages_Auth(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t, "user:ada")
	ev := s.next(t)

	if resp := f.post(t, ev.data, "garbage", initFrame); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: want 401, got %d", resp.StatusCode)
	}
	if resp := f.post(t, ev.data, "user:eve", initFrame); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("other user: want 403, got %d", resp.StatusCode)
	}
	if resp := f.post(t, ev.data, "user:ada", initFrame); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("owner: want 202, got %d", resp.StatusCode)
	}
}

func TestMessages_InvalidFrame(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t, "")
	ev := s.next(t)

	if resp := f.post(t, ev.data, "", `{"nope":true}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
	if f.reg.ActiveSessionCount() != 1 {
		t.Fatalf("invalid frame affected the session")
	}
}

func TestStream_Broadcast(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t, "")
	ev := s.next(t)
	f.post(t, ev.data, "", initFrame)
	s.next(t)

	res := f.reg.BroadcastToolsListChanged(context.Background())
	if res.Delivered != 1 || res.Failed != 0 {
		t.Fatalf("unexpected broadcast result %+v", res)
	}
	msg, _ := jsonrpc.Decode([]byte(s.next(t).data))
	if msg.Method != string(mcp.ToolsListChangedNotificationMethod) {
		t.Fatalf("unexpected method %q", msg.Method)
	}
}
