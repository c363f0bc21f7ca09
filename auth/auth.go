package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// ErrForbidden indicates a valid credential that may not act on the target
// session, e.g. a token for a different user than the one that opened it.
var ErrForbidden = errors.New("forbidden")

// Identity is the authenticated principal on whose behalf a request runs.
// It is immutable once bound to a context.
type Identity struct {
	UserID   string
	Username string
	// Token is the raw bearer credential, kept so domain handlers can
	// call upstream services as the caller.
	Token  string
	Scopes []string
	// CredentialSessionID links the identity to its record in the
	// credential store, when one exists.
	CredentialSessionID string
}

// IsZero reports whether no principal is set.
func (id Identity) IsZero() bool {
	return id.UserID == "" && id.Token == ""
}

// Authenticator validates a bearer token and returns the identity it names.
// It should return an error wrapping ErrUnauthorized for invalid credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// Chain tries each authenticator in order. A token rejected as unauthorized
// falls through to the next one; any other error, such as insufficient
// scope, is returned as is.
func Chain(authenticators ...Authenticator) Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, token string) (Identity, error) {
		err := ErrUnauthorized
		for _, a := range authenticators {
			var id Identity
			id, err = a.Authenticate(ctx, token)
			if err == nil {
				return id, nil
			}
			if !errors.Is(err, ErrUnauthorized) {
				return Identity{}, err
			}
		}
		return Identity{}, err
	})
}
