package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Identity is the authenticated member placing or managing orders. UID doubles as the
// order owner id.
type Identity struct {
	UID    string
	Email  string
	Locale string

	token *firebaseauth.Token
}

// Token exposes the decoded Firebase ID token behind this identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// OwnerID returns the trimmed UID used to scope order reads and writes.
func (i *Identity) OwnerID() string {
	if i == nil {
		return ""
	}
	return strings.TrimSpace(i.UID)
}

type identityContextKey struct{}

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
