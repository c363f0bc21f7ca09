// Package jwtauth validates RFC 9068 JWT access tokens against an OIDC issuer.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized indicates the token failed signature, issuer, audience
	// or time validation.
	ErrUnauthorized = errors.New("jwtauth: unauthorized")
	// ErrInsufficientScope indicates a valid token without the required scopes.
	ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")
)

// Config controls how access tokens are validated.
type Config struct {
	Issuer string
	// Audiences lists accepted "aud" values. A token must carry at least one.
	Audiences      []string
	RequiredScopes []string
	AllowedAlgs    []string
	Leeway         time.Duration
}

// DefaultConfig returns a Config accepting RS256 with a one minute leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// Claims is the subset of a validated token the gateway cares about.
type Claims struct {
	Subject  string
	Username string
	Scopes   []string
	Expiry   time.Time
}

// Verifier validates bearer tokens and returns their claims.
type Verifier struct {
	cfg     Config
	issuer  string
	keyfunc jwt.Keyfunc

	authorizationEndpoint string
	tokenEndpoint         string
	scopesSupported       []string
}

// NewFromDiscovery resolves jwks_uri through OIDC discovery and builds a
// Verifier whose JWKS is refreshed in the background until ctx ends.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.Audiences) == 0 {
		return nil, errors.New("at least one audience is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer        string   `json:"issuer"`
		JwksURI       string   `json:"jwks_uri"`
		Authorization string   `json:"authorization_endpoint"`
		Token         string   `json:"token_endpoint"`
		Scopes        []string `json:"scopes_supported"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	v, err := NewWithJWKS(ctx, cfg, meta.JwksURI)
	if err != nil {
		return nil, err
	}
	v.issuer = meta.Issuer
	v.authorizationEndpoint = meta.Authorization
	v.tokenEndpoint = meta.Token
	v.scopesSupported = slices.Clone(meta.Scopes)
	return v, nil
}

// NewWithJWKS builds a Verifier from a known JWKS URI without discovery.
func NewWithJWKS(ctx context.Context, cfg *Config, jwksURI string) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri is required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &Verifier{
		cfg:    c,
		issuer: c.Issuer,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(c.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// Issuer returns the issuer tokens must carry.
func (v *Verifier) Issuer() string { return v.issuer }

// AuthorizationEndpoint is the discovered authorization endpoint, if any.
func (v *Verifier) AuthorizationEndpoint() string { return v.authorizationEndpoint }

// TokenEndpoint is the discovered token endpoint, if any.
func (v *Verifier) TokenEndpoint() string { return v.tokenEndpoint }

// ScopesSupported lists the scopes advertised by the issuer.
func (v *Verifier) ScopesSupported() []string { return slices.Clone(v.scopesSupported) }

// Verify validates tok and returns its claims.
func (v *Verifier) Verify(ctx context.Context, tok string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	scopes := strings.Fields(stringClaim(claims, "scope"))
	for _, want := range v.cfg.RequiredScopes {
		if !slices.Contains(scopes, want) {
			return nil, ErrInsufficientScope
		}
	}

	sub := stringClaim(claims, "sub")
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	out := &Claims{
		Subject:  sub,
		Username: stringClaim(claims, "preferred_username"),
		Scopes:   scopes,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.Expiry = exp.Time
	}
	return out, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
