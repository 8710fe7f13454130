package redis

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"medquiz-service/internal/app"
	"medquiz-service/internal/domain"
)

// QuestionCache decorates a QuestionSource with a Redis prefetch buffer.
// Generated questions for a (scope, difficulty) key are pushed onto a list
// and popped before the expensive generation call is made; after a miss is
// served, a background fill tops the buffer up for the next request.
// Misses for the same key are collapsed with singleflight.
type QuestionCache struct {
	client *redis.Client
	source app.QuestionSource
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewQuestionCache(client *redis.Client, source app.QuestionSource, ttl time.Duration) *QuestionCache {
	return &QuestionCache{
		client: client,
		source: source,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *QuestionCache) Generate(ctx context.Context, scope string, difficulty domain.Difficulty) (domain.Question, error) {
	key := c.key(scope, difficulty)

	if raw, err := c.client.LPop(ctx, key).Result(); err == nil {
		var q domain.Question
		if err := json.Unmarshal([]byte(raw), &q); err == nil && q.Validate() == nil {
			return q, nil
		}
		// A corrupt buffered entry falls through to fresh generation.
		log.Printf("question cache: dropping corrupt entry for %s", key)
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check the buffer in case another caller filled it.
		if raw, err := c.client.LPop(ctx, key).Result(); err == nil {
			var q domain.Question
			if err := json.Unmarshal([]byte(raw), &q); err == nil && q.Validate() == nil {
				return q, nil
			}
		}
		q, err := c.source.Generate(ctx, scope, difficulty)
		if err != nil {
			return domain.Question{}, err
		}
		go c.fill(scope, difficulty)
		return q, nil
	})
	if err != nil {
		return domain.Question{}, err
	}
	return result.(domain.Question), nil
}

// AnswerDoubt is a pass-through; doubt replies are conversational and not
// worth buffering.
func (c *QuestionCache) AnswerDoubt(ctx context.Context, req domain.DoubtRequest) (string, error) {
	return c.source.AnswerDoubt(ctx, req)
}

// fill generates one spare question for the key so the next request hits
// the buffer. Best effort; failures only cost the next caller a miss.
func (c *QuestionCache) fill(scope string, difficulty domain.Difficulty) {
	fillKey := "fill:" + c.key(scope, difficulty)
	_, _, _ = c.sf.Do(fillKey, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		q, err := c.source.Generate(ctx, scope, difficulty)
		if err != nil {
			log.Printf("question cache: prefetch for %s failed: %v", scope, err)
			return nil, nil
		}
		if err := c.Stash(ctx, scope, difficulty, q); err != nil {
			log.Printf("question cache: stash for %s failed: %v", scope, err)
		}
		return nil, nil
	})
}

// Stash buffers a question for later consumption.
func (c *QuestionCache) Stash(ctx context.Context, scope string, difficulty domain.Difficulty, q domain.Question) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return err
	}
	key := c.key(scope, difficulty)
	pipe := c.client.Pipeline()
	pipe.RPush(ctx, key, raw)
	if ttl := c.ttlWithJitter(); ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Buffered reports how many questions are waiting for a key.
func (c *QuestionCache) Buffered(ctx context.Context, scope string, difficulty domain.Difficulty) int {
	n, err := c.client.LLen(ctx, c.key(scope, difficulty)).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func (c *QuestionCache) key(scope string, difficulty domain.Difficulty) string {
	return "questions:" + scope + ":" + string(difficulty)
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
