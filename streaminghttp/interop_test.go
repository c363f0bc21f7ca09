package streaminghttp_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (b bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+b.token)
	return b.base.RoundTrip(r)
}

func TestSDKClient(t *testing.T) {
	srv := mustServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	changed := make(chan struct{}, 8)
	client := sdk.NewClient(&sdk.Implementation{Name: "sdk-client", Version: "1.0.0"}, &sdk.ClientOptions{
		ToolListChangedHandler: func(context.Context, *sdk.ToolListChangedRequest) {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
	})
	cs, err := client.Connect(ctx, &sdk.StreamableClientTransport{
		Endpoint:   srv.URL + "/mcp",
		HTTPClient: &http.Client{Transport: bearerTransport{token: "user:ada", base: http.DefaultTransport}},
	}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cs.Close()

	if want, got := "mcp-gateway", cs.InitializeResult().ServerInfo.Name; want != got {
		t.Fatalf("server name: want %q, got %q", want, got)
	}
	if want, got := 1, srv.reg.ActiveSessionCount(); want != got {
		t.Fatalf("active sessions: want %d, got %d", want, got)
	}

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(lt.Tools) != 1 || lt.Tools[0].Name != "whoami" {
		t.Fatalf("unexpected tools %+v", lt.Tools)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "whoami", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError || len(res.Content) == 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	text, ok := res.Content[0].(*sdk.TextContent)
	if !ok {
		t.Fatalf("want text content, got %T", res.Content[0])
	}
	if want, got := "ada", text.Text; want != got {
		t.Fatalf("whoami: want %q, got %q", want, got)
	}

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		srv.reg.BroadcastToolsListChanged(ctx)
		select {
		case <-changed:
			return
		case <-tick.C:
		case <-ctx.Done():
			t.Fatalf("client never saw tools/list_changed")
		}
	}
}
