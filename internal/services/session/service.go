package session

import (
	"context"
	"sync/atomic"
	"time"

	"hermes/internal/domain/session"
	"hermes/internal/metrics"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// deleteBatchLimit is the Telegram bulk-delete cap per request
const deleteBatchLimit = 100

// Notifier delivers out-of-band session notices to a chat. Implementations
// must not block on user interaction; delivery is best effort.
type Notifier interface {
	RateLimitExceeded(ctx context.Context, chatID int64, retryAfter time.Duration)
	SessionExpired(ctx context.Context, chatID int64)
}

// MessageDeleter removes bot messages from a chat. DeleteMessages is the
// bulk path; DeleteMessage is the per-message fallback when bulk fails.
type MessageDeleter interface {
	DeleteMessages(ctx context.Context, chatID int64, messageIDs []int) (bool, error)
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// Stats is an aggregate snapshot over all stored sessions
type Stats struct {
	TotalSessions         int     `json:"total_sessions"`
	AuthenticatedSessions int     `json:"authenticated_sessions"`
	CachedSessions        int     `json:"cached_sessions"`
	TotalRequests         int64   `json:"total_requests"`
	CacheHitRate          float64 `json:"cache_hit_rate"`
}

// Metrics are the service's own rolling counters plus store stats
type Metrics struct {
	SessionsCreated int64              `json:"sessions_created"`
	AuthSuccess     int64              `json:"auth_success"`
	Store           session.StoreStats `json:"store"`
}

// Service manages conversation sessions: scoped access with save-on-exit,
// authentication, message tracking and cleanup, rate limiting and expiry.
type Service struct {
	repo     session.Repository
	notifier Notifier
	log      *logger.Logger

	defaultTTL time.Duration
	authTTL    time.Duration

	sessionsCreated atomic.Int64
	authSuccess     atomic.Int64
}

// NewService creates a session service. notifier may be nil; notices are
// then dropped.
func NewService(repo session.Repository, notifier Notifier, defaultTTL, authTTL time.Duration, log *logger.Logger) *Service {
	return &Service{
		repo:       repo,
		notifier:   notifier,
		log:        log.With("service", "session"),
		defaultTTL: defaultTTL,
		authTTL:    authTTL,
	}
}

// WithSession runs fn with the chat's session, creating an idle one when
// none exists, and always saves afterwards. The save happens even when fn
// returns an error so partial mutations are not lost; fn's error is what
// the caller sees. Save failures are logged, not returned.
func (s *Service) WithSession(ctx context.Context, chatID, userID int64, fn func(*session.Session) error) error {
	sess := s.loadOrCreate(ctx, chatID, userID)
	if userID != 0 {
		sess.UserID = userID
	}

	defer func() {
		sess.Refresh(s.ttlFor(sess))
		sess.RequestCount++
		if err := s.repo.Save(ctx, sess, s.ttlFor(sess)); err != nil {
			s.log.Errorw("Failed to save session",
				"chat_id", chatID,
				"error", err,
			)
		}
	}()

	return fn(sess)
}

// Get retrieves a session without touching its expiry
func (s *Service) Get(ctx context.Context, chatID int64) (*session.Session, error) {
	sess, err := s.repo.Get(ctx, chatID)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			s.log.Errorw("Failed to get session", "chat_id", chatID, "error", err)
		}
		return nil, err
	}
	return sess, nil
}

// Delete removes a session row entirely
func (s *Service) Delete(ctx context.Context, chatID int64) error {
	if err := s.repo.Delete(ctx, chatID); err != nil {
		s.log.Errorw("Failed to delete session", "chat_id", chatID, "error", err)
		return err
	}
	s.log.Debugw("Session deleted", "chat_id", chatID)
	return nil
}

// Authenticate marks the chat's session as authenticated with the given
// identity and binds the auth index. A national id already bound to
// another chat is rebound here; the index holds at most one chat per
// identity.
func (s *Service) Authenticate(ctx context.Context, chatID int64, nationalID, userName, phone, city string, userID int64) (*session.Session, error) {
	var out *session.Session
	err := s.WithSession(ctx, chatID, userID, func(sess *session.Session) error {
		sess.NationalID = nationalID
		sess.UserName = userName
		sess.PhoneNumber = phone
		sess.City = city
		sess.IsAuthenticated = true
		sess.State = session.StateAuthenticated
		sess.Refresh(s.authTTL)

		if err := s.repo.BindAuth(ctx, nationalID, chatID, s.authTTL); err != nil {
			s.log.Errorw("Failed to bind auth index",
				"chat_id", chatID,
				"national_id", nationalID,
				"error", err,
			)
		}

		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.authSuccess.Add(1)
	metrics.AuthSuccess.Inc()
	s.log.Infow("Session authenticated", "chat_id", chatID, "national_id", nationalID)
	return out, nil
}

// Logout de-authenticates the session in place. The auth index entry is
// removed; the session row survives as anonymous.
func (s *Service) Logout(ctx context.Context, chatID int64) error {
	return s.WithSession(ctx, chatID, 0, func(sess *session.Session) error {
		if sess.NationalID != "" {
			if err := s.repo.UnbindAuth(ctx, sess.NationalID); err != nil {
				s.log.Warnw("Failed to unbind auth index",
					"chat_id", chatID,
					"national_id", sess.NationalID,
					"error", err,
				)
			}
		}
		sess.ClearAuth()
		s.log.Infow("Session logged out", "chat_id", chatID)
		return nil
	})
}

// UpdateState transitions the conversation state and shallow-merges extra
// into the scratch space.
func (s *Service) UpdateState(ctx context.Context, chatID int64, newState session.State, extra map[string]interface{}) error {
	return s.WithSession(ctx, chatID, 0, func(sess *session.Session) error {
		old := sess.State
		sess.State = newState
		sess.MergeTemp(extra)
		s.log.Debugw("Session state changed",
			"chat_id", chatID,
			"from", old,
			"to", newState,
		)
		return nil
	})
}

// TrackMessage records a bot message id for later cleanup
func (s *Service) TrackMessage(ctx context.Context, chatID int64, messageID int) error {
	return s.WithSession(ctx, chatID, 0, func(sess *session.Session) error {
		sess.TrackMessage(messageID)
		return nil
	})
}

// CleanupMessages deletes up to limit of the chat's most recent tracked
// bot messages, keeping keepMessageID if present. Bulk delete runs in
// batches; a failed batch falls back to per-message deletes. Returns how
// many messages were actually removed. Transport failures are logged and
// swallowed; cleanup is cosmetic.
func (s *Service) CleanupMessages(ctx context.Context, deleter MessageDeleter, chatID int64, keepMessageID, limit int) int {
	var deleted int
	err := s.WithSession(ctx, chatID, 0, func(sess *session.Session) error {
		ids := sess.LastBotMessages
		if limit > 0 && len(ids) > limit {
			ids = ids[len(ids)-limit:]
		}

		targets := make([]int, 0, len(ids))
		for _, id := range ids {
			if id != keepMessageID {
				targets = append(targets, id)
			}
		}

		for start := 0; start < len(targets); start += deleteBatchLimit {
			end := start + deleteBatchLimit
			if end > len(targets) {
				end = len(targets)
			}
			deleted += s.deleteBatch(ctx, deleter, chatID, targets[start:end])
		}

		if keepMessageID != 0 && contains(sess.LastBotMessages, keepMessageID) {
			sess.LastBotMessages = []int{keepMessageID}
		} else {
			sess.LastBotMessages = nil
		}
		return nil
	})
	if err != nil {
		s.log.Errorw("Message cleanup failed", "chat_id", chatID, "error", err)
	}

	if deleted > 0 {
		metrics.MessagesDeleted.Add(float64(deleted))
	}
	return deleted
}

func (s *Service) deleteBatch(ctx context.Context, deleter MessageDeleter, chatID int64, batch []int) int {
	if len(batch) == 0 {
		return 0
	}

	ok, err := deleter.DeleteMessages(ctx, chatID, batch)
	if ok && err == nil {
		return len(batch)
	}
	if err != nil {
		s.log.Warnw("Bulk message delete failed, falling back to per-message",
			"chat_id", chatID,
			"count", len(batch),
			"error", err,
		)
	}

	var deleted int
	for _, id := range batch {
		if err := deleter.DeleteMessage(ctx, chatID, id); err != nil {
			s.log.Debugw("Message delete failed", "chat_id", chatID, "message_id", id, "error", err)
			continue
		}
		deleted++
	}
	return deleted
}

// IsRateLimited checks the chat's fixed-window request counter, bumping
// it first. The first request in a window arms its expiry; a counter left
// without a TTL gets the window re-applied. Counter unavailability fails
// open: a degraded store must not lock users out.
func (s *Service) IsRateLimited(ctx context.Context, chatID int64, maxRequests int64, window time.Duration) bool {
	count, err := s.repo.IncrementRate(ctx, chatID)
	if err != nil {
		s.log.Warnw("Rate counter unavailable, allowing request", "chat_id", chatID, "error", err)
		return false
	}

	if count == 1 {
		if err := s.repo.ExpireRate(ctx, chatID, window); err != nil {
			s.log.Warnw("Failed to arm rate window", "chat_id", chatID, "error", err)
		}
	} else if _, err := s.repo.RateTTL(ctx, chatID); errors.Is(err, errors.ErrNotFound) {
		// Crash between INCR and EXPIRE leaves a persistent counter
		if err := s.repo.ExpireRate(ctx, chatID, window); err != nil {
			s.log.Warnw("Failed to re-arm rate window", "chat_id", chatID, "error", err)
		}
	}

	if count <= maxRequests {
		return false
	}

	retryAfter := window
	if ttl, err := s.repo.RateTTL(ctx, chatID); err == nil {
		retryAfter = ttl
	}

	metrics.RateLimited.Inc()
	s.log.Infow("Chat rate limited",
		"chat_id", chatID,
		"count", count,
		"max", maxRequests,
		"retry_after", retryAfter,
	)
	if s.notifier != nil {
		s.notifier.RateLimitExceeded(ctx, chatID, retryAfter)
	}
	return true
}

// CleanupExpired removes every session past its expiry and returns the
// removed sessions so callers can notify their chats.
func (s *Service) CleanupExpired(ctx context.Context) ([]*session.Session, error) {
	all, err := s.repo.All(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions for cleanup")
	}

	var removed []*session.Session
	for _, sess := range all {
		if !sess.IsExpired() {
			continue
		}
		if err := s.repo.Delete(ctx, sess.ChatID); err != nil {
			s.log.Warnw("Failed to delete expired session", "chat_id", sess.ChatID, "error", err)
			continue
		}
		if sess.NationalID != "" {
			if err := s.repo.UnbindAuth(ctx, sess.NationalID); err != nil {
				s.log.Warnw("Failed to unbind auth index of expired session",
					"chat_id", sess.ChatID,
					"error", err,
				)
			}
		}
		removed = append(removed, sess)
	}

	if len(removed) > 0 {
		metrics.SessionsSwept.Add(float64(len(removed)))
		s.log.Infow("Expired sessions removed", "count", len(removed))
	}
	return removed, nil
}

// GetByNationalID resolves the chat currently bound to a national id
func (s *Service) GetByNationalID(ctx context.Context, nationalID string) (int64, error) {
	return s.repo.ResolveAuth(ctx, nationalID)
}

// GetAllChatIDs lists every chat with a stored session
func (s *Service) GetAllChatIDs(ctx context.Context) ([]int64, error) {
	return s.repo.ChatIDs(ctx)
}

// GetStats counts stored sessions; the request and hit-rate figures pass
// through from the backing store's counters.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	all, err := s.repo.All(ctx)
	if err != nil {
		return Stats{}, errors.Wrap(err, "failed to list sessions for stats")
	}

	var authenticated int
	for _, sess := range all {
		if sess.IsAuthenticated {
			authenticated++
		}
	}

	store := s.repo.StoreStats()
	return Stats{
		TotalSessions:         len(all),
		AuthenticatedSessions: authenticated,
		CachedSessions:        s.repo.Cached(),
		TotalRequests:         store.TotalRequests,
		CacheHitRate:          store.HitRate,
	}, nil
}

// GetMetrics returns the service's rolling counters
func (s *Service) GetMetrics() Metrics {
	return Metrics{
		SessionsCreated: s.sessionsCreated.Load(),
		AuthSuccess:     s.authSuccess.Load(),
		Store:           s.repo.StoreStats(),
	}
}

// loadOrCreate returns the stored session or a fresh idle one. Any load
// failure degrades to a fresh session; a conversation must never stall on
// a bad row.
func (s *Service) loadOrCreate(ctx context.Context, chatID, userID int64) *session.Session {
	sess, err := s.repo.Get(ctx, chatID)
	if err == nil {
		return sess
	}
	if !errors.Is(err, errors.ErrNotFound) {
		s.log.Warnw("Session load failed, starting fresh", "chat_id", chatID, "error", err)
	}

	sess = session.New(chatID, userID, s.defaultTTL)
	s.sessionsCreated.Add(1)
	metrics.SessionsCreated.Inc()
	s.log.Debugw("Session created", "chat_id", chatID)
	return sess
}

func (s *Service) ttlFor(sess *session.Session) time.Duration {
	if sess.IsAuthenticated {
		return s.authTTL
	}
	return s.defaultTTL
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
