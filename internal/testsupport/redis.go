package testsupport

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"hermes/internal/adapters/config"
)

// NewRedisClient creates a redis client for integration tests, flushing
// the database before the test and again on cleanup. The tests share the
// redis instance with local development, so db 0 is off limits.
func NewRedisClient(t *testing.T, cfg config.RedisConfig) *redis.Client {
	t.Helper()

	if cfg.DB == 0 {
		t.Fatal("refusing to flush redis db 0, point tests at a scratch db")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis before test: %v", err)
	}

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})

	return client
}
