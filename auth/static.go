package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
)

type staticToken struct {
	tokens map[string]Identity
}

// NewStaticToken returns an Authenticator accepting exactly the tokens in
// tokens. The returned identity always carries the presented token.
func NewStaticToken(tokens map[string]Identity) Authenticator {
	cp := make(map[string]Identity, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &staticToken{tokens: cp}
}

func (s *staticToken) Authenticate(_ context.Context, token string) (Identity, error) {
	for known, id := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			id.Token = token
			return id, nil
		}
	}
	return Identity{}, fmt.Errorf("%w: unknown token", ErrUnauthorized)
}
