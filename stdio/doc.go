// Package stdio serves exactly one MCP session over a process's standard
// input and output.
//
// Frames are newline-delimited JSON-RPC messages. The session is registered
// under the fixed id sessions.StdioSessionID before the first frame is read
// and stays live until the gateway shuts down. Every frame is handled inside
// the identity returned by the configured UserProvider; by default that is
// the operating system user running the process.
//
//	h := stdio.NewHandler(registry)
//	if err := h.Serve(ctx); err != nil { ... }
//
// Standard output carries protocol frames only, so loggers must write to
// standard error.
package stdio
