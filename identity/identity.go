// Package identity defines the identity-provider contract consumed by
// the session actors: an opaque token goes in, a resolved identity
// comes out. Provider internals (how tokens are minted, where user
// records live) are an external concern.
package identity

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates the token could not be resolved to a user.
var ErrUnauthorized = errors.New("identity: unauthorized")

// Identity is the minimal resolved identity carried by connections and
// stamped onto edits.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Provider resolves opaque tokens. Implementations MUST return an error
// wrapping ErrUnauthorized for tokens that are syntactically valid but
// not acceptable.
type Provider interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}
