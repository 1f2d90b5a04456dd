package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/adapters/config"
	redisadapter "hermes/internal/adapters/redis"
	"hermes/internal/domain/session"
	"hermes/internal/testsupport"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

func testRepo(t *testing.T) (*SessionRepository, *goredis.Client) {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := config.RedisConfig{
		Host: "localhost",
		Port: 6379,
		DB:   1, // Use different DB for tests
	}

	rdb := testsupport.NewRedisClient(t, cfg)
	store := redisadapter.NewClientFromRedis(rdb, time.Minute, logger.Get())
	return NewSessionRepository(store, logger.Get()), rdb
}

func TestSessionRepository_RoundTrip(t *testing.T) {
	repo, rdb := testRepo(t)
	ctx := context.Background()

	s := session.New(100, 200, 30*time.Minute)
	s.NationalID = "0012345678"
	s.State = session.StateWaitingSerial
	s.TrackMessage(7)
	s.SetTemp("order_number", "ORD-42")

	require.NoError(t, repo.Save(ctx, s, time.Minute))

	// Key layout is part of the contract
	exists, err := rdb.Exists(ctx, "bot:session:100").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	got, err := repo.Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.ChatID)
	assert.Equal(t, int64(200), got.UserID)
	assert.Equal(t, "0012345678", got.NationalID)
	assert.Equal(t, session.StateWaitingSerial, got.State)
	assert.Equal(t, []int{7}, got.LastBotMessages)
	v, ok := got.TempString("order_number")
	require.True(t, ok)
	assert.Equal(t, "ORD-42", v)
}

func TestSessionRepository_GetMissing(t *testing.T) {
	repo, _ := testRepo(t)

	_, err := repo.Get(context.Background(), 404)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestSessionRepository_CorruptRowIsDropped(t *testing.T) {
	repo, rdb := testRepo(t)
	ctx := context.Background()

	require.NoError(t, rdb.Set(ctx, "bot:session:100", "{not json", time.Minute).Err())

	_, err := repo.Get(ctx, 100)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	// The corrupt row is gone so the next save starts clean
	exists, err := rdb.Exists(ctx, "bot:session:100").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestSessionRepository_MirrorServesRepeatReads(t *testing.T) {
	repo, rdb := testRepo(t)
	ctx := context.Background()

	s := session.New(100, 0, time.Hour)
	require.NoError(t, repo.Save(ctx, s, time.Minute))
	assert.Equal(t, 1, repo.Cached())

	// Remove the backing row; the mirror still answers
	require.NoError(t, rdb.Del(ctx, "bot:session:100").Err())

	got, err := repo.Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.ChatID)
}

func TestSessionRepository_GetHandsOutIndependentCopies(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()

	s := session.New(100, 0, time.Hour)
	s.SetTemp("flow", "complaint")
	require.NoError(t, repo.Save(ctx, s, time.Minute))

	first, err := repo.Get(ctx, 100)
	require.NoError(t, err)
	second, err := repo.Get(ctx, 100)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	// Mutations stay private to the caller's instance
	first.SetTemp("pending_type", "delivery")
	first.TrackMessage(7)
	_, ok := second.GetTemp("pending_type")
	assert.False(t, ok)
	assert.Empty(t, second.LastBotMessages)

	// Duplicate turns for one chat mutate independent copies
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := repo.Get(ctx, 100)
			if err != nil {
				return
			}
			for j := 0; j < 50; j++ {
				got.SetTemp(fmt.Sprintf("turn_%d", n), j)
				got.TrackMessage(j)
			}
			_ = repo.Save(ctx, got, time.Minute)
		}(i)
	}
	wg.Wait()
}

func TestSessionRepository_MirrorDropsExpired(t *testing.T) {
	repo, rdb := testRepo(t)
	ctx := context.Background()

	s := session.New(100, 0, time.Hour)
	s.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, repo.Save(ctx, s, time.Minute))

	// Mirror entry is expired, so the read goes to the store
	require.NoError(t, rdb.Del(ctx, "bot:session:100").Err())

	_, err := repo.Get(ctx, 100)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, 0, repo.Cached())
}

func TestSessionRepository_Delete(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, session.New(100, 0, time.Hour), time.Minute))
	require.NoError(t, repo.Delete(ctx, 100))

	_, err := repo.Get(ctx, 100)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, 0, repo.Cached())
}

func TestSessionRepository_AllSkipsCorrupt(t *testing.T) {
	repo, rdb := testRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, session.New(1, 0, time.Hour), time.Minute))
	require.NoError(t, repo.Save(ctx, session.New(2, 0, time.Hour), time.Minute))
	require.NoError(t, rdb.Set(ctx, "bot:session:3", "garbage", time.Minute).Err())

	all, err := repo.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSessionRepository_ChatIDsSkipsMalformed(t *testing.T) {
	repo, rdb := testRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, session.New(1, 0, time.Hour), time.Minute))
	require.NoError(t, repo.Save(ctx, session.New(2, 0, time.Hour), time.Minute))
	require.NoError(t, rdb.Set(ctx, "bot:session:not-a-number", "{}", time.Minute).Err())

	ids, err := repo.ChatIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, ids)
}

func TestSessionRepository_AuthIndex(t *testing.T) {
	repo, rdb := testRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.BindAuth(ctx, "0012345678", 100, time.Minute))

	// Key layout check
	val, err := rdb.Get(ctx, "bot:auth:0012345678").Result()
	require.NoError(t, err)
	assert.Equal(t, "100", val)

	chatID, err := repo.ResolveAuth(ctx, "0012345678")
	require.NoError(t, err)
	assert.Equal(t, int64(100), chatID)

	// Rebinding overwrites
	require.NoError(t, repo.BindAuth(ctx, "0012345678", 999, time.Minute))
	chatID, err = repo.ResolveAuth(ctx, "0012345678")
	require.NoError(t, err)
	assert.Equal(t, int64(999), chatID)

	require.NoError(t, repo.UnbindAuth(ctx, "0012345678"))
	_, err = repo.ResolveAuth(ctx, "0012345678")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestSessionRepository_RateCounter(t *testing.T) {
	repo, rdb := testRepo(t)
	ctx := context.Background()

	count, err := repo.IncrementRate(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = repo.IncrementRate(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Key layout check
	val, err := rdb.Get(ctx, "rate:100").Result()
	require.NoError(t, err)
	assert.Equal(t, "2", val)

	// No TTL until armed
	_, err = repo.RateTTL(ctx, 100)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	require.NoError(t, repo.ExpireRate(ctx, 100, time.Minute))
	ttl, err := repo.RateTTL(ctx, 100)
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)
}

func TestSessionRepository_StoreStats(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, session.New(1, 0, time.Hour), time.Minute))
	_, err := repo.Get(ctx, 404)
	require.Error(t, err)

	stats := repo.StoreStats()
	assert.True(t, stats.Connected)
	assert.GreaterOrEqual(t, stats.Misses, int64(1))
}
