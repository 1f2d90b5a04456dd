package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	redisadapter "hermes/internal/adapters/redis"
	"hermes/internal/domain/session"
	"hermes/internal/metrics"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// Redis key layout; external tooling depends on these being bit-exact.
const (
	SessionKeyPrefix = "bot:session:"
	AuthKeyPrefix    = "bot:auth:"
	RateKeyPrefix    = "rate:"
)

// maxMirrorSize bounds the in-process session mirror
const maxMirrorSize = 500

// SessionRepository implements session.Repository over the cache store,
// with a bounded in-process mirror for hot reads. Redis remains the source
// of truth; concurrent writers race with last-writer-wins on the whole
// serialized session.
type SessionRepository struct {
	store *redisadapter.Client
	log   *logger.Logger

	mu     sync.Mutex
	mirror map[int64]*session.Session
}

// NewSessionRepository creates a session repository backed by the store
func NewSessionRepository(store *redisadapter.Client, log *logger.Logger) *SessionRepository {
	return &SessionRepository{
		store:  store,
		log:    log.With("repository", "session"),
		mirror: make(map[int64]*session.Session),
	}
}

// Get retrieves a session by chat id, serving unexpired mirror entries
// without a store round-trip. A stored value that no longer deserializes
// is deleted and reported as absent; the next save overwrites it.
func (r *SessionRepository) Get(ctx context.Context, chatID int64) (*session.Session, error) {
	if s := r.mirrorGet(chatID); s != nil {
		metrics.LocalCacheHits.Inc()
		return s, nil
	}

	raw, ok := r.store.Get(ctx, sessionKey(chatID))
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "session not found: chat_id=%d", chatID)
	}

	var s session.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		r.log.Warnw("Session row is corrupted, dropping it",
			"chat_id", chatID,
			"error", err,
		)
		r.store.Delete(ctx, sessionKey(chatID))
		return nil, errors.Wrapf(errors.ErrNotFound, "session corrupted: chat_id=%d", chatID)
	}

	if !s.State.Valid() {
		s.State = session.StateIdle
	}

	r.mirrorPut(&s)
	return &s, nil
}

// Save stores a session with the given TTL and refreshes the mirror
func (r *SessionRepository) Save(ctx context.Context, s *session.Session, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal session: chat_id=%d", s.ChatID)
	}

	if !r.store.Set(ctx, sessionKey(s.ChatID), data, ttl) {
		return errors.Wrapf(errors.ErrUnavailable, "failed to save session: chat_id=%d", s.ChatID)
	}

	r.mirrorPut(s)
	return nil
}

// Delete removes a session row and its mirror entry
func (r *SessionRepository) Delete(ctx context.Context, chatID int64) error {
	r.mu.Lock()
	delete(r.mirror, chatID)
	r.mu.Unlock()

	r.store.Delete(ctx, sessionKey(chatID))
	return nil
}

// All returns every deserializable session in the store. Corrupt rows are
// skipped, not fatal to the scan.
func (r *SessionRepository) All(ctx context.Context) ([]*session.Session, error) {
	keys := r.store.ScanKeys(ctx, SessionKeyPrefix+"*")

	sessions := make([]*session.Session, 0, len(keys))
	for _, key := range keys {
		raw, ok := r.store.Get(ctx, key)
		if !ok {
			continue
		}
		var s session.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			r.log.Warnw("Skipping corrupt session row", "key", key, "error", err)
			continue
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

// ChatIDs parses the chat id out of every session key suffix. Malformed
// keys are skipped with a warning.
func (r *SessionRepository) ChatIDs(ctx context.Context) ([]int64, error) {
	keys := r.store.ScanKeys(ctx, SessionKeyPrefix+"*")

	ids := make([]int64, 0, len(keys))
	for _, key := range keys {
		suffix := strings.TrimPrefix(key, SessionKeyPrefix)
		id, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil {
			r.log.Warnw("Could not parse chat id from session key", "key", key)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// BindAuth writes the auth index entry, overwriting any prior binding.
// At most one chat is bound per identity.
func (r *SessionRepository) BindAuth(ctx context.Context, nationalID string, chatID int64, ttl time.Duration) error {
	if !r.store.Set(ctx, AuthKeyPrefix+nationalID, chatID, ttl) {
		return errors.Wrapf(errors.ErrUnavailable, "failed to bind auth index: national_id=%s", nationalID)
	}
	return nil
}

// ResolveAuth reverse-looks-up the chat bound to a national id
func (r *SessionRepository) ResolveAuth(ctx context.Context, nationalID string) (int64, error) {
	raw, ok := r.store.Get(ctx, AuthKeyPrefix+nationalID)
	if !ok {
		return 0, errors.Wrapf(errors.ErrNotFound, "no auth binding: national_id=%s", nationalID)
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCorrupted, "auth index value is not a chat id: national_id=%s", nationalID)
	}
	return chatID, nil
}

// UnbindAuth removes the auth index entry
func (r *SessionRepository) UnbindAuth(ctx context.Context, nationalID string) error {
	r.store.Delete(ctx, AuthKeyPrefix+nationalID)
	return nil
}

// IncrementRate atomically bumps the fixed-window counter for a chat
func (r *SessionRepository) IncrementRate(ctx context.Context, chatID int64) (int64, error) {
	count, ok := r.store.Increment(ctx, rateKey(chatID), 1)
	if !ok {
		return 0, errors.Wrapf(errors.ErrUnavailable, "rate counter unavailable: chat_id=%d", chatID)
	}
	return count, nil
}

// ExpireRate sets the counter's expiry window
func (r *SessionRepository) ExpireRate(ctx context.Context, chatID int64, window time.Duration) error {
	if !r.store.Expire(ctx, rateKey(chatID), window) {
		return errors.Wrapf(errors.ErrUnavailable, "failed to expire rate counter: chat_id=%d", chatID)
	}
	return nil
}

// RateTTL returns the counter's remaining TTL. ErrNotFound covers both a
// missing key and a key with no expiry set.
func (r *SessionRepository) RateTTL(ctx context.Context, chatID int64) (time.Duration, error) {
	ttl, ok := r.store.TTL(ctx, rateKey(chatID))
	if !ok {
		return 0, errors.Wrapf(errors.ErrNotFound, "rate counter has no ttl: chat_id=%d", chatID)
	}
	return ttl, nil
}

// Cached returns the mirror's current size
func (r *SessionRepository) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mirror)
}

// StoreStats returns the backing store's counters
func (r *SessionRepository) StoreStats() session.StoreStats {
	s := r.store.Stats()
	return session.StoreStats{
		Hits:          s.Hits,
		Misses:        s.Misses,
		Errors:        s.Errors,
		TotalRequests: s.TotalRequests,
		HitRate:       s.HitRate,
		Connected:     s.Connected,
	}
}

// mirrorGet hands out a copy so every caller owns its session instance.
// Concurrent turns for the same chat race on independent copies, with the
// last save winning on the whole row.
func (r *SessionRepository) mirrorGet(chatID int64) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.mirror[chatID]
	if !ok {
		return nil
	}
	if s.IsExpired() {
		delete(r.mirror, chatID)
		return nil
	}
	return s.Clone()
}

// mirrorPut stores a copy; the caller keeps mutating its own instance
func (r *SessionRepository) mirrorPut(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.mirror[s.ChatID] = s.Clone()
	if len(r.mirror) > maxMirrorSize {
		r.evictLocked()
	}
}

// evictLocked drops expired entries first, then the oldest-created half
// if the mirror is still over capacity. Caller holds r.mu.
func (r *SessionRepository) evictLocked() {
	for chatID, s := range r.mirror {
		if s.IsExpired() {
			delete(r.mirror, chatID)
		}
	}
	if len(r.mirror) <= maxMirrorSize {
		return
	}

	entries := make([]*session.Session, 0, len(r.mirror))
	for _, s := range r.mirror {
		entries = append(entries, s)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	for _, s := range entries[:len(entries)-maxMirrorSize/2] {
		delete(r.mirror, s.ChatID)
	}
}

func sessionKey(chatID int64) string {
	return fmt.Sprintf("%s%d", SessionKeyPrefix, chatID)
}

func rateKey(chatID int64) string {
	return fmt.Sprintf("%s%d", RateKeyPrefix, chatID)
}
