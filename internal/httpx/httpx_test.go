package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/auth/authtest"
)

func TestCommitWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := Track(rec)
	if cw.Committed() {
		t.Fatalf("fresh writer committed")
	}
	cw.WriteHeader(http.StatusAccepted)
	cw.WriteHeader(http.StatusInternalServerError)
	if !cw.Committed() || rec.Code != http.StatusAccepted {
		t.Fatalf("want committed 202, got committed=%v code=%d", cw.Committed(), rec.Code)
	}
	if Track(cw) != cw {
		t.Fatalf("Track re-wrapped a CommitWriter")
	}
}

func TestEventWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	ew, err := NewEventWriter(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := ew.WriteEvent("7", "message", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	want := "id: 7\nevent: message\ndata: {\"a\":1}\n\n"
	if rec.Body.String() != want {
		t.Fatalf("got %q want %q", rec.Body.String(), want)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ew2, _ := NewEventWriter(ctx, httptest.NewRecorder())
	cancel()
	if err := ew2.WriteEvent("", "", []byte("x")); err == nil {
		t.Fatalf("write after cancel succeeded")
	}
}

func TestAuthenticate(t *testing.T) {
	cases := []struct {
		name       string
		header     string
		wantOK     bool
		wantStatus int
	}{
		{name: "anonymous"},
		{name: "valid", header: "Bearer user:ada", wantOK: true},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusBadRequest},
		{name: "empty token", header: "Bearer   ", wantStatus: http.StatusBadRequest},
		{name: "rejected", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{}"))
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			id, ok, ch := Authenticate(context.Background(), r, authtest.TokenIsUser{}, "mcp")
			if ok != tc.wantOK {
				t.Fatalf("ok=%v want %v", ok, tc.wantOK)
			}
			if ok && id.UserID != "ada" {
				t.Fatalf("unexpected identity %+v", id)
			}
			if tc.wantStatus == 0 && ch != nil {
				t.Fatalf("unexpected challenge %+v", ch)
			}
			if tc.wantStatus != 0 && (ch == nil || ch.Status != tc.wantStatus) {
				t.Fatalf("want challenge %d, got %+v", tc.wantStatus, ch)
			}
		})
	}
}

var _ auth.Authenticator = authtest.TokenIsUser{}
