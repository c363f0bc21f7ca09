// Package streaminghttp implements the MCP Streamable HTTP transport on a
// single endpoint.
//
//	POST   /mcp  without Mcp-Session-Id: must be an initialize request; opens a session
//	POST   /mcp  with Mcp-Session-Id:    any frame for that session
//	GET    /mcp  with Mcp-Session-Id:    SSE stream of server-initiated messages
//	DELETE /mcp  with Mcp-Session-Id:    ends the session (204)
//
// A session moves absent -> initializing -> live -> closed. It becomes live
// only once its engine is registered, which happens before the initialize
// frame reaches the engine. Server-initiated messages are published to a
// broker.Broker namespace named after the session so the GET stream can be
// resumed with Last-Event-ID, and with a shared broker, served from any node.
//
// Bearer authentication is optional unless WithRequireAuth is set. When a
// session is opened by an authenticated request its identity is saved in the
// credential store, and later requests on the session that carry no
// Authorization header run as that identity.
package streaminghttp
