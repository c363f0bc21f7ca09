package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-gateway/internal/jwtauth"
)

// AccessTokenAuthOption configures the RFC 9068 access token authenticator.
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
	}
}

// WithAdditionalAudiences accepts tokens minted for other audiences too,
// typically a localhost URL during development.
func WithAdditionalAudiences(aud ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.Audiences = append(c.Audiences, aud...)
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// IssuerAuthenticator is an Authenticator backed by an OAuth authorization
// server, which transports advertise in protected resource metadata.
type IssuerAuthenticator interface {
	Authenticator
	Issuer() string
	ScopesSupported() []string
}

// NewFromDiscovery returns an Authenticator that verifies JWT access tokens
// from issuer, discovered through OpenID Connect. audience is the public URL
// of the MCP endpoint.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (IssuerAuthenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &accessTokenAuth{v: v}, nil
}

type accessTokenAuth struct {
	v *jwtauth.Verifier
}

var _ IssuerAuthenticator = (*accessTokenAuth)(nil)

func (a *accessTokenAuth) Authenticate(ctx context.Context, token string) (Identity, error) {
	c, err := a.v.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return Identity{}, errors.Join(ErrInsufficientScope, err)
		}
		return Identity{}, errors.Join(ErrUnauthorized, err)
	}
	return Identity{
		UserID:   c.Subject,
		Username: c.Username,
		Token:    token,
		Scopes:   c.Scopes,
	}, nil
}

func (a *accessTokenAuth) Issuer() string            { return a.v.Issuer() }
func (a *accessTokenAuth) ScopesSupported() []string { return a.v.ScopesSupported() }
