// Package mcp declares the Model Context Protocol message shapes the gateway
// speaks: the initialize handshake, ping, tool listing and invocation, and the
// tools list_changed notification.
package mcp
