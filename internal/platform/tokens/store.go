package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const (
	// KeyPrefix namespaces submission tokens in the store.
	KeyPrefix = "order:token:"
	// DefaultTTL bounds how long a minted token remains redeemable.
	DefaultTTL = 30 * time.Minute
)

// Store holds single-use submission tokens.
type Store interface {
	// Register stores value under key until ttl elapses, replacing any previous entry.
	Register(ctx context.Context, key, value string, ttl time.Duration) error
	// DeleteIfEquals removes key only when it currently holds expected and has not expired.
	// Under concurrent callers with the same key at most one observes true.
	DeleteIfEquals(ctx context.Context, key, expected string) (bool, error)
	// CleanupExpired removes up to limit entries whose expiry is at or before now.
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// Key derives the store key for a submission token.
func Key(token string) string {
	return KeyPrefix + strings.TrimSpace(token)
}

func documentID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	Key       string    `firestore:"key"`
	Value     string    `firestore:"value"`
	CreatedAt time.Time `firestore:"created_at"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

func (e entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}
