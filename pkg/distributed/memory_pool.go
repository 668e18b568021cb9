package distributed

import (
	"context"
	"sort"
	"sync"
	"time"
)

type notice struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryPool 단일 인스턴스용 대기 풀
type MemoryPool struct {
	mu      sync.Mutex
	entries map[string]Entry
	notices map[string]notice
	nowFn   func() time.Time
}

func NewMemoryPool() *MemoryPool {
	return &MemoryPool{
		entries: make(map[string]Entry),
		notices: make(map[string]notice),
		nowFn:   time.Now,
	}
}

func (p *MemoryPool) Add(_ context.Context, e Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[e.Member]; ok {
		return ErrEntryExists
	}
	p.entries[e.Member] = e
	return nil
}

func (p *MemoryPool) Remove(_ context.Context, member string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.entries[member]
	delete(p.entries, member)
	return ok, nil
}

func (p *MemoryPool) Get(_ context.Context, member string) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[member]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return &e, nil
}

func (p *MemoryPool) List(_ context.Context) ([]Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].Member < list[j].Member
		}
		return list[i].JoinedAt.Before(list[j].JoinedAt)
	})
	return list, nil
}

func (p *MemoryPool) Size(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries), nil
}

func (p *MemoryPool) Claim(_ context.Context, a, b string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, okA := p.entries[a]
	_, okB := p.entries[b]
	if !okA || !okB {
		return ErrClaimConflict
	}
	delete(p.entries, a)
	delete(p.entries, b)
	return nil
}

func (p *MemoryPool) ExpireBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []string
	for member, e := range p.entries {
		if !e.JoinedAt.After(cutoff) {
			expired = append(expired, member)
			delete(p.entries, member)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

func (p *MemoryPool) SetNotice(_ context.Context, member string, payload []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.notices[member] = notice{payload: append([]byte(nil), payload...), expiresAt: p.nowFn().Add(ttl)}
	return nil
}

func (p *MemoryPool) Notice(_ context.Context, member string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.notices[member]
	if !ok {
		return nil, nil
	}
	if !p.nowFn().Before(n.expiresAt) {
		delete(p.notices, member)
		return nil, nil
	}
	return n.payload, nil
}

func (p *MemoryPool) ClearNotice(_ context.Context, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.notices, member)
	return nil
}
