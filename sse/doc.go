// Package sse implements the legacy HTTP+SSE MCP transport.
//
// A client opens GET /sse and receives an "endpoint" event naming the URL to
// POST frames to. Each POST /messages?sessionId=<id> is handled by that
// session's engine and answered with 202 Accepted; the JSON-RPC response
// travels back over the event stream as a "message" event. Closing the
// stream removes the session.
package sse
