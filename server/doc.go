// Package server assembles the gateway: authenticators, the credential
// store, the broker, the tool registry, the session registry and the
// transports selected by Config, plus the background loops and the
// shutdown coordinator that tie them together.
package server
