package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Challenge describes an HTTP authentication failure: status plus the
// WWW-Authenticate header value to send.
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// NewAuthenticationRequired builds a challenge indicating credentials are required.
func NewAuthenticationRequired(resourceMetadataURL string) Challenge {
	if resourceMetadataURL == "" {
		return Challenge{Status: http.StatusUnauthorized, WWWAuthenticate: "Bearer"}
	}
	return Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer resource_metadata=%q`, resourceMetadataURL),
	}
}

// NewInvalidAuthorizationHeader builds a challenge for a malformed Authorization header.
func NewInvalidAuthorizationHeader(realm string) Challenge {
	return Challenge{
		Status:          http.StatusBadRequest,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="invalid_request", error_description="Invalid Authorization header"`, realm),
	}
}

// ChallengeFor maps an Authenticate error onto the challenge to return.
func ChallengeFor(err error, realm string) Challenge {
	switch {
	case errors.Is(err, ErrInsufficientScope):
		return Challenge{
			Status:          http.StatusForbidden,
			WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope"`, realm),
		}
	case errors.Is(err, ErrForbidden):
		return Challenge{Status: http.StatusForbidden}
	default:
		return Challenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="invalid_token"`, realm),
		}
	}
}

// Write sends the challenge with an empty body.
func (c Challenge) Write(w http.ResponseWriter) {
	if c.WWWAuthenticate != "" {
		w.Header().Set("WWW-Authenticate", c.WWWAuthenticate)
	}
	w.WriteHeader(c.Status)
}
