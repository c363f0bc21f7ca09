// Package authtest provides authenticators for tests and local development.
package authtest

import (
	"context"
	"fmt"
	"strings"

	"github.com/ggoodman/mcp-gateway/auth"
)

// TokenIsUser accepts any token of the form "user:<id>" and yields an
// identity whose UserID is <id>. Anything else is unauthorized.
type TokenIsUser struct{}

var _ auth.Authenticator = TokenIsUser{}

func (TokenIsUser) Authenticate(_ context.Context, token string) (auth.Identity, error) {
	id, ok := strings.CutPrefix(token, "user:")
	if !ok || id == "" {
		return auth.Identity{}, fmt.Errorf("%w: malformed test token", auth.ErrUnauthorized)
	}
	return auth.Identity{UserID: id, Username: id, Token: token}, nil
}
