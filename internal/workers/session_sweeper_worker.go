package workers

import (
	"context"
	"time"

	"hermes/internal/domain/session"
	"hermes/pkg/errors"
)

// ExpiredCleaner removes sessions past their expiry and returns them
type ExpiredCleaner interface {
	CleanupExpired(ctx context.Context) ([]*session.Session, error)
}

// ExpiryNotifier tells a chat its session ended
type ExpiryNotifier interface {
	SessionExpired(ctx context.Context, chatID int64)
}

// SessionSweeperWorker periodically removes expired sessions and notifies
// their chats. Notification is best effort; a chat that blocked the bot
// still gets its session removed.
type SessionSweeperWorker struct {
	*BaseWorker
	cleaner  ExpiredCleaner
	notifier ExpiryNotifier
}

// NewSessionSweeperWorker creates the sweeper. notifier may be nil.
func NewSessionSweeperWorker(cleaner ExpiredCleaner, notifier ExpiryNotifier, interval time.Duration, enabled bool) *SessionSweeperWorker {
	return &SessionSweeperWorker{
		BaseWorker: NewBaseWorker("session_sweeper", interval, enabled),
		cleaner:    cleaner,
		notifier:   notifier,
	}
}

// Run executes one sweep cycle
func (w *SessionSweeperWorker) Run(ctx context.Context) error {
	start := time.Now()

	removed, err := w.cleaner.CleanupExpired(ctx)
	if err != nil {
		w.RecordError(err, time.Since(start))
		return errors.Wrap(err, "session sweep failed")
	}

	if w.notifier != nil {
		for _, sess := range removed {
			w.notifier.SessionExpired(ctx, sess.ChatID)
		}
	}

	if len(removed) > 0 {
		w.Log().Infow("Sweep cycle completed",
			"removed", len(removed),
			"duration", time.Since(start),
		)
	}

	w.RecordRun(time.Since(start))
	return nil
}
