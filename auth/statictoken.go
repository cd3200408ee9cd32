package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

type staticUser struct{ id string }

func (u staticUser) UserID() string { return u.id }

// staticTokenAuthenticator accepts a single shared secret. It is the default
// for single-tenant deployments where the gateway fronts one merchant.
type staticTokenAuthenticator struct {
	token string
}

// NewStaticToken builds an Authenticator that accepts exactly one bearer
// token. Comparison is constant-time.
func NewStaticToken(token string) (Authenticator, error) {
	if token == "" {
		return nil, errors.New("static token must not be empty")
	}
	return &staticTokenAuthenticator{token: token}, nil
}

func (a *staticTokenAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if subtle.ConstantTimeCompare([]byte(tok), []byte(a.token)) != 1 {
		return nil, ErrUnauthorized
	}
	return staticUser{id: "local"}, nil
}

// NewAllowAll builds an Authenticator that admits every caller under a fixed
// principal. Intended for development and for deployments that terminate
// authentication upstream (reverse proxy, service mesh).
func NewAllowAll() Authenticator {
	return allowAll{}
}

type allowAll struct{}

func (allowAll) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	return staticUser{id: "anonymous"}, nil
}
