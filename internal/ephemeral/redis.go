package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript is the indivisible claim-for-agent evaluation described in
// SPEC_FULL.md §9. It must never be split into multiple round trips:
// correctness of the single-winner guarantee depends on its atomicity.
//
// KEYS[1] = assignment key, KEYS[2] = queue sorted-set key
// ARGV[1] = queue member to remove, ARGV[2] = agent id, ARGV[3] = lease ms
var claimScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if owner and owner ~= ARGV[2] then
  return {'BUSY', owner}
end
if owner == ARGV[2] then
  redis.call('PSETEX', KEYS[1], ARGV[3], ARGV[2])
  return {'OWNED', ''}
end
local removed = redis.call('ZREM', KEYS[2], ARGV[1])
if removed == 0 then
  return {'MISSING', ''}
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return {'CLAIMED', ''}
`)

// compareAndDeleteScript deletes key only if its value still equals
// ARGV[1], used to release the distributed conversation lock without a
// race between the holder's read and its delete.
var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore implements Store over github.com/redis/go-redis/v9, the
// production ephemeral-store adapter.
type RedisStore struct {
	client *redis.Client
}

// NewRedis dials addr and returns a Store backed by it.
func NewRedis(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ephemeral: connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRem(ctx context.Context, key, member string) (int64, error) {
	return s.client.ZRem(ctx, key, member).Result()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error) {
	opt := &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}
	if limit > 0 {
		opt.Count = limit
	}
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, err
	}
	return toScoredMembers(zs), nil
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toScoredMembers(zs), nil
}

func (s *RedisStore) ZRank(ctx context.Context, key, member string) (int64, bool, error) {
	rank, err := s.client.ZRank(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return -1, false, nil
	}
	if err != nil {
		return -1, false, err
	}
	return rank, true, nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	return v, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.PExpire(ctx, key, ttl).Err()
}

func (s *RedisStore) ClaimForAgent(ctx context.Context, assignmentKey, queueKey, queueMember, agentID string, lease time.Duration) (ClaimOutcome, string, error) {
	res, err := claimScript.Run(ctx, s.client, []string{assignmentKey, queueKey}, queueMember, agentID, lease.Milliseconds()).Result()
	if err != nil {
		return "", "", fmt.Errorf("ephemeral: claim script: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return "", "", fmt.Errorf("ephemeral: unexpected claim script result %v", res)
	}
	outcome, _ := parts[0].(string)
	owner, _ := parts[1].(string)
	return ClaimOutcome(outcome), owner, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("ephemeral: subscribe: %w", err)
	}
	return &redisSubscription{pubsub: pubsub, out: relay(pubsub)}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func toScoredMembers(zs []redis.Z) []ScoredMember {
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    <-chan Message
}

func (s *redisSubscription) Channel() <-chan Message { return s.out }
func (s *redisSubscription) Close() error            { return s.pubsub.Close() }

func relay(pubsub *redis.PubSub) <-chan Message {
	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- Message{Channel: msg.Channel, Payload: msg.Payload}
		}
	}()
	return out
}
