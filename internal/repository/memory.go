package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/veilstar/brawl-backend/internal/models"
)

// MemoryStore DATABASE_URL 없이 실행할 때 쓰는 저장소. 프로세스 수명 동안만 유지된다.
type MemoryStore struct {
	mu          sync.Mutex
	players     map[string]*models.Player
	matches     map[string]models.MatchSession
	rounds      map[string][]models.RoundRecord
	submissions map[models.SubmissionKey]models.MoveSubmission
	pairings    []models.Pairing
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players:     make(map[string]*models.Player),
		matches:     make(map[string]models.MatchSession),
		rounds:      make(map[string][]models.RoundRecord),
		submissions: make(map[models.SubmissionKey]models.MoveSubmission),
	}
}

func (m *MemoryStore) GetOrCreate(_ context.Context, address string) (*models.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[address]
	if !ok {
		now := time.Now()
		p = &models.Player{Address: address, Rating: models.DefaultRating, CreatedAt: now, UpdatedAt: now}
		m.players[address] = p
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) FindByAddress(_ context.Context, address string) (*models.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[address]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ApplyResult(_ context.Context, changes models.RatingChanges, winner models.Winner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, role := range models.Roles {
		change := changes.Player1
		if role == models.RolePlayer2 {
			change = changes.Player2
		}
		p, ok := m.players[change.Address]
		if !ok {
			continue
		}
		w, l, d := outcomeCounts(role, winner)
		p.Rating = change.After
		p.Wins += w
		p.Losses += l
		p.Draws += d
		p.TotalMatches++
		p.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) Top(_ context.Context, limit, offset int) ([]*models.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var list []*models.Player
	for _, p := range m.players {
		if p.TotalMatches > 0 {
			cp := *p
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Rating != list[j].Rating {
			return list[i].Rating > list[j].Rating
		}
		if list[i].Wins != list[j].Wins {
			return list[i].Wins > list[j].Wins
		}
		return list[i].Address < list[j].Address
	})
	return page(list, limit, offset), nil
}

func (m *MemoryStore) Create(_ context.Context, s models.MatchSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.matches[s.ID]; ok {
		return ErrDuplicate
	}
	m.matches[s.ID] = s
	return nil
}

func (m *MemoryStore) Update(_ context.Context, s models.MatchSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matches[s.ID] = s
	return nil
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (*models.MatchSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.matches[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) ListByAddress(_ context.Context, address string, limit, offset int) ([]*models.MatchSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var list []*models.MatchSession
	for _, s := range m.matches {
		if s.Player1Address == address || s.Player2Address == address {
			cp := s
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return page(list, limit, offset), nil
}

func (m *MemoryStore) FindStale(_ context.Context, statuses []models.MatchStatus, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, s := range m.matches {
		if !s.CreatedAt.Before(cutoff) {
			continue
		}
		for _, st := range statuses {
			if s.Status == st {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) SaveRound(_ context.Context, rec models.RoundRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rounds[rec.MatchID] {
		if r.RoundNumber == rec.RoundNumber && r.TurnNumber == rec.TurnNumber {
			return nil
		}
	}
	m.rounds[rec.MatchID] = append(m.rounds[rec.MatchID], rec)
	return nil
}

func (m *MemoryStore) ListRounds(_ context.Context, matchID string) ([]models.RoundRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RoundRecord(nil), m.rounds[matchID]...), nil
}

func (m *MemoryStore) SaveSubmission(_ context.Context, sub models.MoveSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.submissions[sub.Key()]; ok {
		return ErrDuplicate
	}
	m.submissions[sub.Key()] = sub
	return nil
}

func (m *MemoryStore) RecordPairing(_ context.Context, p models.Pairing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairings = append(m.pairings, p)
	return nil
}

// Pairings 기록된 매칭 목록
func (m *MemoryStore) Pairings() []models.Pairing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Pairing(nil), m.pairings...)
}

func page[T any](list []T, limit, offset int) []T {
	if offset >= len(list) {
		return nil
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}
