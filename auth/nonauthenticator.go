package auth

import (
	"context"
	"net/http"
)

// NonAuthenticator accepts every request. Used when auth is disabled.
type NonAuthenticator struct{}

var _ Authenticator = NonAuthenticator{}

func (NonAuthenticator) Authenticate(r *http.Request) (context.Context, error) {
	return r.Context(), nil
}

func (NonAuthenticator) Authorize(context.Context, string) error { return nil }
