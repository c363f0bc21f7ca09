// Package auth carries the caller's identity through a request.
//
// Transports authenticate a bearer credential with an Authenticator and bind
// the resulting Identity to the request's context.Context with WithIdentity or
// RunWithIdentity. Any code running with that context, including goroutines
// started from it, observes the identity via CurrentIdentity. Concurrent
// requests never share a binding because each carries its own context.
//
// Two authenticators are provided: NewStaticToken for fixed bearer tokens and
// NewFromDiscovery for RFC 9068 access tokens issued by an OIDC provider.
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://mcp.example/mcp",
//	    auth.WithRequiredScopes("mcp:tools"),
//	)
package auth
