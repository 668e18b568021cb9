package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrEntryExists   = errors.New("entry already in pool")
	ErrEntryNotFound = errors.New("entry not found")
	ErrClaimConflict = errors.New("entry already claimed")
)

// Entry 대기 풀 항목
type Entry struct {
	Member   string    `json:"member"`
	JoinedAt time.Time `json:"joinedAt"`
	Rating   int       `json:"rating"`
}

// WaitingPool 매칭 대기 풀. 멤버당 항목은 최대 하나.
type WaitingPool interface {
	Add(ctx context.Context, e Entry) error
	Remove(ctx context.Context, member string) (bool, error)
	Get(ctx context.Context, member string) (*Entry, error)
	// List 참가 시각 오름차순
	List(ctx context.Context) ([]Entry, error)
	Size(ctx context.Context) (int, error)
	// Claim 두 항목을 원자적으로 꺼낸다. 하나라도 없으면 아무것도 지우지 않는다.
	Claim(ctx context.Context, a, b string) error
	ExpireBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	SetNotice(ctx context.Context, member string, payload []byte, ttl time.Duration) error
	Notice(ctx context.Context, member string) ([]byte, error)
	ClearNotice(ctx context.Context, member string) error
}

var addScript = redis.NewScript(`
	if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 1 then
		return 0
	end
	redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
	redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
	return 1
`)

var claimScript = redis.NewScript(`
	if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 0 or redis.call("HEXISTS", KEYS[2], ARGV[2]) == 0 then
		return 0
	end
	redis.call("ZREM", KEYS[1], ARGV[1], ARGV[2])
	redis.call("HDEL", KEYS[2], ARGV[1], ARGV[2])
	return 1
`)

var expireScript = redis.NewScript(`
	local members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	for _, m in ipairs(members) do
		redis.call("ZREM", KEYS[1], m)
		redis.call("HDEL", KEYS[2], m)
	end
	return members
`)

// RedisPool Redis 기반 대기 풀. 참가 시각(ms)을 점수로 하는 Sorted Set과 항목 Hash로 구성된다.
type RedisPool struct {
	client     *redis.Client
	poolKey    string
	entriesKey string
	noticeKey  string
}

func NewRedisPool(client *redis.Client, name string) *RedisPool {
	return &RedisPool{
		client:     client,
		poolKey:    fmt.Sprintf("pool:%s", name),
		entriesKey: fmt.Sprintf("pool:%s:entries", name),
		noticeKey:  fmt.Sprintf("pool:%s:notice:", name),
	}
}

func (p *RedisPool) Add(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	added, err := addScript.Run(ctx, p.client, []string{p.poolKey, p.entriesKey},
		e.Member, e.JoinedAt.UnixMilli(), data).Int()
	if err != nil {
		return fmt.Errorf("failed to add entry: %w", err)
	}
	if added == 0 {
		return ErrEntryExists
	}
	return nil
}

func (p *RedisPool) Remove(ctx context.Context, member string) (bool, error) {
	pipe := p.client.TxPipeline()
	zrem := pipe.ZRem(ctx, p.poolKey, member)
	pipe.HDel(ctx, p.entriesKey, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to remove entry: %w", err)
	}
	return zrem.Val() > 0, nil
}

func (p *RedisPool) Get(ctx context.Context, member string) (*Entry, error) {
	data, err := p.client.HGet(ctx, p.entriesKey, member).Result()
	if err == redis.Nil {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}

	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &e, nil
}

func (p *RedisPool) List(ctx context.Context) ([]Entry, error) {
	members, err := p.client.ZRange(ctx, p.poolKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pool: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	values, err := p.client.HMGet(ctx, p.entriesKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// 조회 사이에 제거됨
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (p *RedisPool) Size(ctx context.Context) (int, error) {
	n, err := p.client.ZCard(ctx, p.poolKey).Result()
	return int(n), err
}

func (p *RedisPool) Claim(ctx context.Context, a, b string) error {
	ok, err := claimScript.Run(ctx, p.client, []string{p.poolKey, p.entriesKey}, a, b).Int()
	if err != nil {
		return fmt.Errorf("failed to claim entries: %w", err)
	}
	if ok == 0 {
		return ErrClaimConflict
	}
	return nil
}

func (p *RedisPool) ExpireBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	members, err := expireScript.Run(ctx, p.client, []string{p.poolKey, p.entriesKey}, cutoff.UnixMilli()).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to expire entries: %w", err)
	}
	return members, nil
}

func (p *RedisPool) SetNotice(ctx context.Context, member string, payload []byte, ttl time.Duration) error {
	return p.client.Set(ctx, p.noticeKey+member, payload, ttl).Err()
}

func (p *RedisPool) Notice(ctx context.Context, member string) ([]byte, error) {
	data, err := p.client.Get(ctx, p.noticeKey+member).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return data, err
}

func (p *RedisPool) ClearNotice(ctx context.Context, member string) error {
	return p.client.Del(ctx, p.noticeKey+member).Err()
}
