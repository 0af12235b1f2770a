package memory

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"trivia-live-service/internal/domain"
)

// QuestionLoader fetches the question pool of a category from a backing store.
type QuestionLoader interface {
	LoadCategory(ctx context.Context, category string) ([]domain.Question, error)
}

// QuestionBank caches category pools with TTL to avoid repeated backing store hits
// and samples session questions from them.
type QuestionBank struct {
	loader QuestionLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedPool
}

type cachedPool struct {
	questions []domain.Question
	expiresAt time.Time
}

func NewQuestionBank(loader QuestionLoader, ttl time.Duration) *QuestionBank {
	return &QuestionBank{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedPool),
	}
}

// Questions returns count distinct questions of the category in random order.
func (b *QuestionBank) Questions(ctx context.Context, category string, count int) ([]domain.Question, error) {
	pool, err := b.pool(ctx, category)
	if err != nil {
		return nil, err
	}

	b.rndMu.Lock()
	defer b.rndMu.Unlock()
	return domain.SampleQuestions(b.rnd, pool, count)
}

func (b *QuestionBank) pool(ctx context.Context, category string) ([]domain.Question, error) {
	if pool, ok := b.cached(category); ok {
		return pool, nil
	}

	result, err, _ := b.sf.Do(category, func() (interface{}, error) {
		if pool, ok := b.cached(category); ok {
			return pool, nil
		}

		pool, err := b.loader.LoadCategory(ctx, category)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		b.cache[category] = cachedPool{
			questions: pool,
			expiresAt: b.clock().Add(b.ttlWithJitter()),
		}
		b.mu.Unlock()
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (b *QuestionBank) cached(category string) ([]domain.Question, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.cache[category]
	if !ok || !entry.expiresAt.After(b.clock()) {
		return nil, false
	}
	return entry.questions, true
}

func (b *QuestionBank) ttlWithJitter() time.Duration {
	if b.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(b.ttl) / 10
	b.rndMu.Lock()
	defer b.rndMu.Unlock()
	return b.ttl + time.Duration(b.rnd.Int63n(jitterMax+1))
}

// StaticLoader is a loader backed by an in-memory pool per category (useful for tests/demos).
type StaticLoader struct {
	pools map[string][]domain.Question
}

func NewStaticLoader(questions []domain.Question) *StaticLoader {
	pools := make(map[string][]domain.Question)
	for _, q := range questions {
		pools[q.Category] = append(pools[q.Category], q)
	}
	return &StaticLoader{pools: pools}
}

// Categories lists the categories of the loaded pools in sorted order.
func (l *StaticLoader) Categories() []string {
	out := make([]string, 0, len(l.pools))
	for c := range l.pools {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (l *StaticLoader) LoadCategory(_ context.Context, category string) ([]domain.Question, error) {
	pool, ok := l.pools[category]
	if !ok {
		return nil, domain.ErrCategoryNotFound
	}
	return append([]domain.Question(nil), pool...), nil
}

type bankFile struct {
	Questions []domain.Question `yaml:"questions"`
}

// LoadBankFile reads a YAML question bank of the form
//
//	questions:
//	  - id: q1
//	    category: science
//	    text: ...
//	    answer: ...
//	    distractors: [...]
func LoadBankFile(path string) (*StaticLoader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question bank: %w", err)
	}
	return ParseBank(data)
}

func ParseBank(data []byte) (*StaticLoader, error) {
	var f bankFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse question bank: %w", err)
	}
	for i, q := range f.Questions {
		if q.ID == "" || q.Category == "" || q.Answer == "" {
			return nil, fmt.Errorf("question bank entry %d: id, category and answer are required", i)
		}
		if len(q.Distractors) == 0 {
			return nil, fmt.Errorf("question %s: at least one distractor is required", q.ID)
		}
	}
	return NewStaticLoader(f.Questions), nil
}
