// Package sessions tracks the live protocol sessions of a gateway process.
//
// A Registry maps session ids to Sessions. Each Session owns exactly one
// engine.Engine bound to exactly one engine.Transport for its whole life.
// Transports create sessions when a client connects (or initializes),
// touch them on every inbound frame, and remove them on disconnect or
// explicit teardown. The process removes whatever is left at shutdown.
//
// The registry also fans notifications out to every live session:
// BroadcastToolsListChanged delivers to each session independently, bounded
// by a per-session timeout, so one stuck client cannot hold up the others.
package sessions
