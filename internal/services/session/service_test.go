package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/domain/session"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// fakeRepo is an in-memory session.Repository for deterministic tests
type fakeRepo struct {
	sessions map[int64]*session.Session
	ttls     map[int64]time.Duration
	auth     map[string]int64

	rateCounts  map[int64]int64
	rateWindows map[int64]time.Duration
	expireCalls int

	getErr  error
	saveErr error
	rateErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions:    make(map[int64]*session.Session),
		ttls:        make(map[int64]time.Duration),
		auth:        make(map[string]int64),
		rateCounts:  make(map[int64]int64),
		rateWindows: make(map[int64]time.Duration),
	}
}

func (f *fakeRepo) Get(ctx context.Context, chatID int64) (*session.Session, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	s, ok := f.sessions[chatID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) Save(ctx context.Context, s *session.Session, ttl time.Duration) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	cp := *s
	f.sessions[s.ChatID] = &cp
	f.ttls[s.ChatID] = ttl
	return nil
}

func (f *fakeRepo) Delete(ctx context.Context, chatID int64) error {
	delete(f.sessions, chatID)
	return nil
}

func (f *fakeRepo) All(ctx context.Context) ([]*session.Session, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	out := make([]*session.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRepo) ChatIDs(ctx context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(f.sessions))
	for id := range f.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeRepo) BindAuth(ctx context.Context, nationalID string, chatID int64, ttl time.Duration) error {
	f.auth[nationalID] = chatID
	return nil
}

func (f *fakeRepo) ResolveAuth(ctx context.Context, nationalID string) (int64, error) {
	id, ok := f.auth[nationalID]
	if !ok {
		return 0, errors.ErrNotFound
	}
	return id, nil
}

func (f *fakeRepo) UnbindAuth(ctx context.Context, nationalID string) error {
	delete(f.auth, nationalID)
	return nil
}

func (f *fakeRepo) IncrementRate(ctx context.Context, chatID int64) (int64, error) {
	if f.rateErr != nil {
		return 0, f.rateErr
	}
	f.rateCounts[chatID]++
	return f.rateCounts[chatID], nil
}

func (f *fakeRepo) ExpireRate(ctx context.Context, chatID int64, window time.Duration) error {
	f.expireCalls++
	f.rateWindows[chatID] = window
	return nil
}

func (f *fakeRepo) RateTTL(ctx context.Context, chatID int64) (time.Duration, error) {
	w, ok := f.rateWindows[chatID]
	if !ok {
		return 0, errors.ErrNotFound
	}
	return w, nil
}

func (f *fakeRepo) Cached() int { return len(f.sessions) }

func (f *fakeRepo) StoreStats() session.StoreStats {
	return session.StoreStats{Hits: 8, Misses: 2, TotalRequests: 10, HitRate: 0.8, Connected: true}
}

// fakeNotifier records notices
type fakeNotifier struct {
	rateLimited []int64
	retryAfter  time.Duration
	expired     []int64
}

func (f *fakeNotifier) RateLimitExceeded(ctx context.Context, chatID int64, retryAfter time.Duration) {
	f.rateLimited = append(f.rateLimited, chatID)
	f.retryAfter = retryAfter
}

func (f *fakeNotifier) SessionExpired(ctx context.Context, chatID int64) {
	f.expired = append(f.expired, chatID)
}

// fakeDeleter simulates the Telegram delete surface
type fakeDeleter struct {
	bulkFails   bool
	bulkCalls   [][]int
	singleCalls []int
	singleFail  map[int]bool
}

func (f *fakeDeleter) DeleteMessages(ctx context.Context, chatID int64, ids []int) (bool, error) {
	f.bulkCalls = append(f.bulkCalls, append([]int(nil), ids...))
	if f.bulkFails {
		return false, errors.ErrUnavailable
	}
	return true, nil
}

func (f *fakeDeleter) DeleteMessage(ctx context.Context, chatID int64, id int) error {
	f.singleCalls = append(f.singleCalls, id)
	if f.singleFail[id] {
		return errors.ErrUnavailable
	}
	return nil
}

func newTestService(repo session.Repository, notifier Notifier) *Service {
	return NewService(repo, notifier, 30*time.Minute, time.Hour, logger.Get())
}

func TestWithSession_CreatesAndSaves(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	err := svc.WithSession(context.Background(), 100, 200, func(s *session.Session) error {
		assert.Equal(t, session.StateIdle, s.State)
		s.State = session.StateWaitingNationalID
		return nil
	})
	require.NoError(t, err)

	saved := repo.sessions[100]
	require.NotNil(t, saved)
	assert.Equal(t, session.StateWaitingNationalID, saved.State)
	assert.Equal(t, int64(200), saved.UserID)
	assert.Equal(t, int64(1), saved.RequestCount)
	assert.Equal(t, 30*time.Minute, repo.ttls[100])
}

func TestWithSession_SavesOnError(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	sentinel := errors.New("handler failed")
	err := svc.WithSession(context.Background(), 100, 0, func(s *session.Session) error {
		s.SetTemp("partial", "kept")
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	// Partial mutations survive a failing handler
	saved := repo.sessions[100]
	require.NotNil(t, saved)
	v, ok := saved.TempString("partial")
	require.True(t, ok)
	assert.Equal(t, "kept", v)
}

func TestWithSession_AuthTTLBranch(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	err := svc.WithSession(context.Background(), 100, 0, func(s *session.Session) error {
		s.IsAuthenticated = true
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, time.Hour, repo.ttls[100])
	saved := repo.sessions[100]
	assert.WithinDuration(t, saved.LastActivity.Add(time.Hour), saved.ExpiresAt, time.Second)
}

func TestWithSession_DegradesOnLoadFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.getErr = errors.ErrUnavailable
	svc := newTestService(repo, nil)

	var got *session.Session
	err := svc.WithSession(context.Background(), 100, 0, func(s *session.Session) error {
		got = s
		return nil
	})
	require.NoError(t, err)

	// A broken store still yields a usable fresh session
	require.NotNil(t, got)
	assert.Equal(t, int64(100), got.ChatID)
	assert.Equal(t, session.StateIdle, got.State)
}

func TestWithSession_RequestCountAccumulates(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.WithSession(context.Background(), 100, 0, func(*session.Session) error {
			return nil
		}))
	}

	assert.Equal(t, int64(3), repo.sessions[100].RequestCount)
}

func TestAuthenticate(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	sess, err := svc.Authenticate(context.Background(), 100, "0012345678", "Sara", "+98912", "Shiraz", 200)
	require.NoError(t, err)

	assert.True(t, sess.IsAuthenticated)
	assert.Equal(t, session.StateAuthenticated, sess.State)
	assert.Equal(t, "0012345678", sess.NationalID)

	assert.Equal(t, int64(100), repo.auth["0012345678"])
	assert.Equal(t, time.Hour, repo.ttls[100])

	m := svc.GetMetrics()
	assert.Equal(t, int64(1), m.AuthSuccess)
}

func TestAuthenticate_RebindsIdentity(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	_, err := svc.Authenticate(context.Background(), 100, "0012345678", "Sara", "", "", 0)
	require.NoError(t, err)
	_, err = svc.Authenticate(context.Background(), 999, "0012345678", "Sara", "", "", 0)
	require.NoError(t, err)

	// Last authentication wins; one chat per identity
	chatID, err := svc.GetByNationalID(context.Background(), "0012345678")
	require.NoError(t, err)
	assert.Equal(t, int64(999), chatID)
}

func TestLogout(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	_, err := svc.Authenticate(context.Background(), 100, "0012345678", "Sara", "", "", 0)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), 100))

	_, err = svc.GetByNationalID(context.Background(), "0012345678")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	// The session row survives as anonymous
	saved := repo.sessions[100]
	require.NotNil(t, saved)
	assert.False(t, saved.IsAuthenticated)
	assert.Empty(t, saved.NationalID)
	assert.Equal(t, session.StateIdle, saved.State)
}

func TestUpdateState(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	err := svc.UpdateState(context.Background(), 100, session.StateWaitingSerial, map[string]interface{}{
		"order_number": "ORD-42",
	})
	require.NoError(t, err)

	saved := repo.sessions[100]
	assert.Equal(t, session.StateWaitingSerial, saved.State)
	v, _ := saved.TempString("order_number")
	assert.Equal(t, "ORD-42", v)
}

func TestTrackMessage(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	for id := 1; id <= 7; id++ {
		require.NoError(t, svc.TrackMessage(context.Background(), 100, id))
	}

	assert.Equal(t, []int{3, 4, 5, 6, 7}, repo.sessions[100].LastBotMessages)
}

func TestCleanupMessages_BulkPath(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)
	deleter := &fakeDeleter{}

	for id := 1; id <= 5; id++ {
		require.NoError(t, svc.TrackMessage(context.Background(), 100, id))
	}

	deleted := svc.CleanupMessages(context.Background(), deleter, 100, 5, 10)

	assert.Equal(t, 4, deleted)
	require.Len(t, deleter.bulkCalls, 1)
	assert.Equal(t, []int{1, 2, 3, 4}, deleter.bulkCalls[0])
	assert.Empty(t, deleter.singleCalls)

	// Kept message stays tracked
	assert.Equal(t, []int{5}, repo.sessions[100].LastBotMessages)
}

func TestCleanupMessages_FallbackCountsPartial(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)
	deleter := &fakeDeleter{
		bulkFails:  true,
		singleFail: map[int]bool{2: true},
	}

	for id := 1; id <= 3; id++ {
		require.NoError(t, svc.TrackMessage(context.Background(), 100, id))
	}

	deleted := svc.CleanupMessages(context.Background(), deleter, 100, 0, 10)

	// One per-message delete failed, two succeeded
	assert.Equal(t, 2, deleted)
	assert.Equal(t, []int{1, 2, 3}, deleter.singleCalls)
	assert.Nil(t, repo.sessions[100].LastBotMessages)
}

func TestCleanupMessages_HonorsLimit(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)
	deleter := &fakeDeleter{}

	for id := 1; id <= 5; id++ {
		require.NoError(t, svc.TrackMessage(context.Background(), 100, id))
	}

	deleted := svc.CleanupMessages(context.Background(), deleter, 100, 0, 2)

	assert.Equal(t, 2, deleted)
	require.Len(t, deleter.bulkCalls, 1)
	assert.Equal(t, []int{4, 5}, deleter.bulkCalls[0])
}

func TestIsRateLimited_Boundary(t *testing.T) {
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	svc := newTestService(repo, notifier)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.False(t, svc.IsRateLimited(ctx, 100, 3, time.Hour))
	}

	// Request 4 of max 3 tips over
	assert.True(t, svc.IsRateLimited(ctx, 100, 3, time.Hour))
	assert.Equal(t, []int64{100}, notifier.rateLimited)
	assert.Equal(t, time.Hour, notifier.retryAfter)
}

func TestIsRateLimited_ExpiresOnlyOnFirst(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.IsRateLimited(ctx, 100, 10, time.Hour)
	}

	assert.Equal(t, 1, repo.expireCalls)
}

func TestIsRateLimited_ReArmsMissingWindow(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	// Counter exists but its window was never armed
	repo.rateCounts[100] = 5

	svc.IsRateLimited(ctx, 100, 10, time.Hour)

	assert.Equal(t, 1, repo.expireCalls)
	assert.Equal(t, time.Hour, repo.rateWindows[100])
}

func TestIsRateLimited_FailsOpen(t *testing.T) {
	repo := newFakeRepo()
	repo.rateErr = errors.ErrUnavailable
	svc := newTestService(repo, nil)

	assert.False(t, svc.IsRateLimited(context.Background(), 100, 1, time.Hour))
}

func TestCleanupExpired(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	live := session.New(1, 1, time.Hour)
	expired := session.New(2, 2, time.Hour)
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	expiredAuth := session.New(3, 3, time.Hour)
	expiredAuth.ExpiresAt = time.Now().Add(-time.Minute)
	expiredAuth.NationalID = "0012345678"
	repo.sessions[1] = live
	repo.sessions[2] = expired
	repo.sessions[3] = expiredAuth
	repo.auth["0012345678"] = 3

	removed, err := svc.CleanupExpired(context.Background())
	require.NoError(t, err)

	assert.Len(t, removed, 2)
	assert.Contains(t, repo.sessions, int64(1))
	assert.NotContains(t, repo.sessions, int64(2))
	assert.NotContains(t, repo.sessions, int64(3))

	// Auth binding of the swept session is gone too
	assert.NotContains(t, repo.auth, "0012345678")
}

func TestGetStats(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	a := session.New(1, 1, time.Hour)
	a.IsAuthenticated = true
	a.RequestCount = 40
	b := session.New(2, 2, time.Hour)
	b.RequestCount = 59
	repo.sessions[1] = a
	repo.sessions[2] = b

	stats, err := svc.GetStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.TotalSessions)
	assert.Equal(t, 1, stats.AuthenticatedSessions)
	assert.Equal(t, 2, stats.CachedSessions)
	// Request total comes from the store's counters, not the per-session
	// request counts (which sum to 99 here)
	assert.Equal(t, int64(10), stats.TotalRequests)
	assert.InDelta(t, 0.8, stats.CacheHitRate, 0.001)
}

func TestGetMetrics(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	require.NoError(t, svc.WithSession(context.Background(), 1, 0, func(*session.Session) error { return nil }))
	require.NoError(t, svc.WithSession(context.Background(), 2, 0, func(*session.Session) error { return nil }))
	// Existing session: no new creation
	require.NoError(t, svc.WithSession(context.Background(), 1, 0, func(*session.Session) error { return nil }))

	m := svc.GetMetrics()
	assert.Equal(t, int64(2), m.SessionsCreated)
	assert.True(t, m.Store.Connected)
}

func TestGetAllChatIDs(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	repo.sessions[1] = session.New(1, 1, time.Hour)
	repo.sessions[2] = session.New(2, 2, time.Hour)

	ids, err := svc.GetAllChatIDs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, ids)
}
