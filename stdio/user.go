package stdio

import (
	"context"
	"os/user"

	"github.com/ggoodman/mcp-gateway/auth"
)

// UserProvider resolves the identity of the process on the other end of the
// pipe. stdio peers never present bearer tokens.
type UserProvider interface {
	CurrentUser(ctx context.Context) (auth.Identity, error)
}

// OSUserProvider uses the operating system's current user: Username when
// available, falling back to Uid.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUser(context.Context) (auth.Identity, error) {
	u, err := user.Current()
	if err != nil {
		return auth.Identity{}, err
	}
	id := u.Username
	if id == "" {
		id = u.Uid
	}
	return auth.Identity{UserID: id, Username: id}, nil
}

// StaticUser always yields the same identity, e.g. one configured from a
// static token at startup.
type StaticUser auth.Identity

func (s StaticUser) CurrentUser(context.Context) (auth.Identity, error) {
	return auth.Identity(s), nil
}
