// Package auth defines how callers of the gateway's RPC endpoint are
// authenticated. Webhook ingresses do not use this package; they are
// authenticated by per-provider HMAC signatures instead.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo represents an authenticated principal. Implementations must be
// safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the principal.
	UserID() string
}

// Authenticator validates bearer tokens presented on the RPC endpoint.
// Implementations return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
