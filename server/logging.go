package server

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ggoodman/mcp-gateway/internal/logctx"
)

// NewLogger builds the process logger: a JSON or text handler on w wrapped
// so that request, session and rpc context is attached to every record.
func NewLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}
