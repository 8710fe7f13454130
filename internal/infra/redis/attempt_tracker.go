package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptTracker marks live attempts in Redis so operators can see active
// sessions across instances. Markers are best effort; a lost marker never
// affects the attempt itself.
type AttemptTracker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAttemptTracker(client *redis.Client, ttl time.Duration) *AttemptTracker {
	return &AttemptTracker{client: client, ttl: ttl}
}

// Touch refreshes the liveness marker for an attempt.
func (t *AttemptTracker) Touch(ctx context.Context, attemptID string) {
	_ = t.client.Set(ctx, t.key(attemptID), "1", t.ttl).Err()
}

// Forget drops the marker when the attempt's transport closes.
func (t *AttemptTracker) Forget(ctx context.Context, attemptID string) {
	_ = t.client.Del(ctx, t.key(attemptID)).Err()
}

func (t *AttemptTracker) key(attemptID string) string {
	return "attempt:live:" + attemptID
}
