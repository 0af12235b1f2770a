package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"trivia-live-service/internal/domain"
)

// arrivalSlots bounds how many score changes a scope can order by arrival. The sorted
// set score is total*arrivalSlots + (arrivalSlots - seq), so equal totals rank the
// earliest achiever first while staying exact in a float64.
const arrivalSlots = 10_000_000

// upsertScript applies a score delta at most once per op id.
// KEYS: rank zset, totals hash, applied ops set, arrival counter.
// ARGV: member, delta, op id, slots, order (0 orders by arrival).
// An explicit order never moves a member back to an earlier one, which is recovered from
// the member's current composite score.
var upsertScript = redis.NewScript(`
if ARGV[3] ~= '' and redis.call('SADD', KEYS[3], ARGV[3]) == 0 then
	local cur = redis.call('HGET', KEYS[2], ARGV[1])
	if not cur then
		return 0
	end
	return tonumber(cur)
end
local existed = redis.call('HEXISTS', KEYS[2], ARGV[1])
local delta = tonumber(ARGV[2])
local order = tonumber(ARGV[5])
local total = redis.call('HINCRBY', KEYS[2], ARGV[1], delta)
if order > 0 or existed == 0 or delta ~= 0 then
	local slots = tonumber(ARGV[4])
	local seq = order
	if order > 0 then
		local prev = redis.call('ZSCORE', KEYS[1], ARGV[1])
		if prev then
			local prevSeq = slots - (tonumber(prev) - (total - delta) * slots)
			if prevSeq > seq then
				seq = prevSeq
			end
		end
	else
		seq = redis.call('INCR', KEYS[4])
	end
	redis.call('ZADD', KEYS[1], total * slots + (slots - seq), ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
	redis.call('PEXPIRE', KEYS[3], ttl)
	redis.call('PEXPIRE', KEYS[4], ttl)
end
return total
`)

// RankingStore is a ranking.Store on Redis sorted sets. All keys of a scope share a
// hash tag so the script also runs on a cluster.
type RankingStore struct {
	client redis.UniversalClient
}

func NewRankingStore(client redis.UniversalClient) *RankingStore {
	return &RankingStore{client: client}
}

func (s *RankingStore) UpsertScore(ctx context.Context, scope, key string, delta int64, opID string, order uint64) (int64, error) {
	k := s.keys(scope)
	total, err := upsertScript.Run(ctx, s.client,
		[]string{k.rank, k.totals, k.ops, k.seq},
		key, delta, opID, arrivalSlots, order,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("upsert score %s/%s: %w", scope, key, err)
	}
	return total, nil
}

func (s *RankingStore) TopN(ctx context.Context, scope string, n int) ([]domain.RankingEntry, error) {
	if n == 0 {
		return []domain.RankingEntry{}, nil
	}
	stop := int64(n - 1)
	if n < 0 {
		stop = -1
	}
	return s.rangeFrom(ctx, scope, 0, stop)
}

func (s *RankingStore) RankOf(ctx context.Context, scope, key string) (domain.RankingEntry, error) {
	k := s.keys(scope)
	rank, err := s.client.ZRevRank(ctx, k.rank, key).Result()
	if errors.Is(err, redis.Nil) {
		return domain.RankingEntry{}, domain.ErrRankingNotFound
	}
	if err != nil {
		return domain.RankingEntry{}, fmt.Errorf("rank of %s/%s: %w", scope, key, err)
	}
	score, err := s.client.HGet(ctx, k.totals, key).Int64()
	if err != nil {
		return domain.RankingEntry{}, fmt.Errorf("score of %s/%s: %w", scope, key, err)
	}
	return domain.RankingEntry{Key: key, Score: score, Rank: int(rank) + 1}, nil
}

func (s *RankingStore) Around(ctx context.Context, scope, key string, radius int) ([]domain.RankingEntry, error) {
	rank, err := s.client.ZRevRank(ctx, s.keys(scope).rank, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRankingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rank of %s/%s: %w", scope, key, err)
	}
	r := int64(max(radius, 0))
	return s.rangeFrom(ctx, scope, max(0, rank-r), rank+r)
}

// Expire sets a TTL on every key of the scope; a non-positive ttl drops the scope.
func (s *RankingStore) Expire(ctx context.Context, scope string, ttl time.Duration) error {
	k := s.keys(scope)
	all := []string{k.rank, k.totals, k.ops, k.seq}
	pipe := s.client.TxPipeline()
	if ttl <= 0 {
		pipe.Del(ctx, all...)
	} else {
		for _, key := range all {
			pipe.PExpire(ctx, key, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("expire scope %s: %w", scope, err)
	}
	return nil
}

func (s *RankingStore) rangeFrom(ctx context.Context, scope string, start, stop int64) ([]domain.RankingEntry, error) {
	k := s.keys(scope)
	members, err := s.client.ZRevRange(ctx, k.rank, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("range scope %s: %w", scope, err)
	}
	out := make([]domain.RankingEntry, 0, len(members))
	if len(members) == 0 {
		return out, nil
	}

	totals, err := s.client.HMGet(ctx, k.totals, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("totals of scope %s: %w", scope, err)
	}
	for i, m := range members {
		var score int64
		if v, ok := totals[i].(string); ok {
			score, _ = strconv.ParseInt(v, 10, 64)
		}
		out = append(out, domain.RankingEntry{Key: m, Score: score, Rank: int(start) + i + 1})
	}
	return out, nil
}

type scopeKeys struct {
	rank, totals, ops, seq string
}

func (s *RankingStore) keys(scope string) scopeKeys {
	base := "trivia:rank:{" + scope + "}"
	return scopeKeys{
		rank:   base,
		totals: base + ":totals",
		ops:    base + ":ops",
		seq:    base + ":seq",
	}
}
