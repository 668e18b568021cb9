package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Decision 요청 한 건의 판정 결과
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter 키(주소, IP) 단위 요청 제한
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// TokenBucket window마다 capacity개가 고르게 채워지는 버킷
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	perSecond  float64
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket 가득 찬 버킷 생성
func NewTokenBucket(capacity int, window time.Duration, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		perSecond:  float64(capacity) / window.Seconds(),
		lastRefill: now,
		lastUsed:   now,
	}
}

// Take 토큰 하나를 소비한다. 남은 토큰 수와 가득 찰 시각을 함께 돌려준다.
func (tb *TokenBucket) Take(now time.Time) (bool, int, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	tb.lastUsed = now

	allowed := false
	if tb.tokens >= 1 {
		tb.tokens--
		allowed = true
	}

	missing := tb.capacity - tb.tokens
	resetAt := now.Add(time.Duration(missing / tb.perSecond * float64(time.Second)))
	return allowed, int(tb.tokens), resetAt
}

// refill 경과 시간만큼 토큰 추가
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed.Seconds() * tb.perSecond
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *TokenBucket) idleSince(now time.Time, d time.Duration) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return now.Sub(tb.lastUsed) > d
}

// LocalLimiter 프로세스 내 키별 토큰 버킷 (Redis 없는 단일 인스턴스)
type LocalLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*TokenBucket
	limit    int
	window   time.Duration
	clock    clockwork.Clock
	lastSeen time.Time
}

// NewLocalLimiter window당 limit회 허용
func NewLocalLimiter(limit int, window time.Duration, clock clockwork.Clock) *LocalLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LocalLimiter{
		buckets: make(map[string]*TokenBucket),
		limit:   limit,
		window:  window,
		clock:   clock,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.clock.Now()
	allowed, remaining, resetAt := l.bucket(key, now).Take(now)
	return Decision{Allowed: allowed, Limit: l.limit, Remaining: remaining, ResetAt: resetAt}, nil
}

func (l *LocalLimiter) bucket(key string, now time.Time) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	// 윈도우마다 한 번 오래 쓰지 않은 버킷 정리
	if now.Sub(l.lastSeen) > l.window {
		for k, b := range l.buckets {
			if b.idleSince(now, l.window) {
				delete(l.buckets, k)
			}
		}
		l.lastSeen = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = NewTokenBucket(l.limit, l.window, now)
		l.buckets[key] = b
	}
	return b
}

// Reset 키의 버킷 제거
func (l *LocalLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Size 추적 중인 키 수
func (l *LocalLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
