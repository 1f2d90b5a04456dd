package session

import (
	"context"
	"time"
)

// StoreStats mirrors the backing store's rolling counters for pass-through
// reporting in session stats.
type StoreStats struct {
	Hits          int64
	Misses        int64
	Errors        int64
	TotalRequests int64
	HitRate       float64
	Connected     bool
}

// Repository defines session persistence over the cache store. All session
// state lives in the store; there is no separate persistence path.
type Repository interface {
	// Get retrieves a session by chat id. Returns ErrNotFound when absent
	// or when the stored value no longer deserializes.
	Get(ctx context.Context, chatID int64) (*Session, error)

	// Save stores a session with the given TTL
	Save(ctx context.Context, s *Session, ttl time.Duration) error

	// Delete removes a session row
	Delete(ctx context.Context, chatID int64) error

	// All returns every deserializable session; corrupt rows are skipped
	All(ctx context.Context) ([]*Session, error)

	// ChatIDs returns the chat id of every session key; malformed keys
	// are skipped with a warning.
	ChatIDs(ctx context.Context) ([]int64, error)

	// BindAuth writes the auth index entry national id -> chat id,
	// overwriting any prior binding for that identity.
	BindAuth(ctx context.Context, nationalID string, chatID int64, ttl time.Duration) error

	// ResolveAuth reverse-looks-up the chat bound to a national id
	ResolveAuth(ctx context.Context, nationalID string) (int64, error)

	// UnbindAuth removes the auth index entry
	UnbindAuth(ctx context.Context, nationalID string) error

	// IncrementRate atomically bumps the fixed-window request counter
	// for a chat and returns the post-increment value.
	IncrementRate(ctx context.Context, chatID int64) (int64, error)

	// ExpireRate sets the rate counter's expiry window
	ExpireRate(ctx context.Context, chatID int64, window time.Duration) error

	// RateTTL returns the counter's remaining TTL; ErrNotFound when the
	// key is missing or has no expiry set.
	RateTTL(ctx context.Context, chatID int64) (time.Duration, error)

	// Cached returns the number of sessions held in the in-process mirror
	Cached() int

	// StoreStats returns the backing store's counters
	StoreStats() StoreStats
}
