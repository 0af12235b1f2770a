package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"trivia-live-service/internal/domain"
)

// QuestionLoader fetches the question pool of a category from a backing store (e.g., Postgres).
type QuestionLoader interface {
	LoadCategory(ctx context.Context, category string) ([]domain.Question, error)
}

// QuestionBank caches category pools in Redis and falls back to a loader on cache miss.
// Pools are stored as: SET trivia:category:{category}:pool <json>
// so every instance sharing the Redis samples from the same cached pool.
type QuestionBank struct {
	client redis.UniversalClient
	loader QuestionLoader
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewQuestionBank(client redis.UniversalClient, loader QuestionLoader, ttl time.Duration) *QuestionBank {
	return &QuestionBank{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Questions returns count distinct questions of the category in random order.
func (b *QuestionBank) Questions(ctx context.Context, category string, count int) ([]domain.Question, error) {
	pool, err := b.pool(ctx, category)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.SampleQuestions(b.rnd, pool, count)
}

func (b *QuestionBank) pool(ctx context.Context, category string) ([]domain.Question, error) {
	key := b.poolKey(category)
	if pool, ok := b.cached(ctx, key); ok {
		return pool, nil
	}

	result, err, _ := b.sf.Do(category, func() (interface{}, error) {
		// Re-check cache in case another instance filled it.
		if pool, ok := b.cached(ctx, key); ok {
			return pool, nil
		}

		pool, err := b.loader.LoadCategory(ctx, category)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(pool)
		if err != nil {
			return nil, fmt.Errorf("encode category %s: %w", category, err)
		}
		// best-effort; a failed write only costs another load
		_ = b.client.Set(ctx, key, data, b.ttlWithJitter()).Err()
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (b *QuestionBank) cached(ctx context.Context, key string) ([]domain.Question, bool) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var pool []domain.Question
	if err := json.Unmarshal(data, &pool); err != nil || len(pool) == 0 {
		return nil, false
	}
	return pool, true
}

// Invalidate drops the cached pool of a category, e.g. after the question table changed.
func (b *QuestionBank) Invalidate(ctx context.Context, category string) error {
	if err := b.client.Del(ctx, b.poolKey(category)).Err(); err != nil {
		return fmt.Errorf("invalidate category %s: %w", category, err)
	}
	return nil
}

func (b *QuestionBank) poolKey(category string) string {
	return "trivia:category:" + category + ":pool"
}

func (b *QuestionBank) ttlWithJitter() time.Duration {
	if b.ttl <= 0 {
		return 0
	}
	jitterMax := int64(b.ttl) / 10
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ttl + time.Duration(b.rnd.Int63n(jitterMax+1))
}
