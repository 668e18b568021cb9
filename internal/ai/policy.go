// Package ai provides the practice-mode opponent. It consumes the same combat
// state a human sees and produces one move per turn.
package ai

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/veilstar/brawl-backend/internal/combat"
	"github.com/veilstar/brawl-backend/internal/models"
)

type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

// ParseDifficulty 문자열을 난이도로 변환
func ParseDifficulty(s string) (Difficulty, error) {
	switch d := Difficulty(s); d {
	case Easy, Medium, Hard:
		return d, nil
	}
	return "", fmt.Errorf("unknown difficulty %q", s)
}

type tuning struct {
	random float64
	react  float64
}

var tunings = map[Difficulty]tuning{
	Easy:   {random: 0.70, react: 0.20},
	Medium: {random: 0.35, react: 0.50},
	Hard:   {random: 0.15, react: 0.80},
}

const (
	defendBelow = 0.30
	pressBelow  = 0.25
)

// View 한 턴의 결정에 필요한 상태 (자신/상대)
type View struct {
	Self     models.PlayerCombatState
	Opponent models.PlayerCombatState
}

// ViewFor 전투 상태에서 역할 관점의 View 생성
func ViewFor(s combat.State, r models.Role) View {
	return View{Self: s.Player(r), Opponent: s.Player(r.Opponent())}
}

// Policy 상대 수 이력을 가진 확률적 의사결정기. 같은 시드면 같은 결과를 낸다.
// 동시 사용은 안전하지 않다.
type Policy struct {
	difficulty Difficulty
	tuning     tuning
	rng        *rand.Rand
	history    []models.Move
}

// NewPolicy rng가 nil이면 현재 시각으로 시드한다
func NewPolicy(d Difficulty, rng *rand.Rand) *Policy {
	t, ok := tunings[d]
	if !ok {
		d, t = Medium, tunings[Medium]
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Policy{difficulty: d, tuning: t, rng: rng}
}

func (p *Policy) Difficulty() Difficulty {
	return p.difficulty
}

// Observe 상대가 실제로 낸 수 기록
func (p *Policy) Observe(opponentMove models.Move) {
	if opponentMove.Valid() {
		p.history = append(p.history, opponentMove)
	}
}

// History 관찰한 상대 수 (복사본)
func (p *Policy) History() []models.Move {
	return append([]models.Move(nil), p.history...)
}

// Decide 무작위 → 반응(카운터) → 휴리스틱 가중 무작위 순으로 수를 고른다
func (p *Policy) Decide(v View) models.Move {
	affordable := combat.Affordable(v.Self.Energy)

	if p.rng.Float64() < p.tuning.random {
		return affordable[p.rng.Intn(len(affordable))]
	}

	if len(p.history) > 0 && p.rng.Float64() < p.tuning.react {
		if m, ok := counterMove(p.history[len(p.history)-1], v.Self.Energy); ok {
			return m
		}
	}

	return p.weighted(v, affordable)
}

// counterMove 상대 직전 수의 카운터. 에너지가 부족하면 더 싼 수 중 가장 비싼 것.
func counterMove(last models.Move, energy int) (models.Move, bool) {
	want := combat.Counter(last)
	if combat.Cost(want) <= energy {
		return want, true
	}

	var best models.Move
	bestCost := -1
	for _, m := range combat.Affordable(energy) {
		c := combat.Cost(m)
		if c < combat.Cost(want) && c > bestCost && m != models.MoveBlock {
			best, bestCost = m, c
		}
	}
	return best, bestCost >= 0
}

func (p *Policy) weighted(v View, affordable []models.Move) models.Move {
	weights := map[models.Move]int{
		models.MovePunch:   30,
		models.MoveKick:    30,
		models.MoveBlock:   20,
		models.MoveSpecial: 20,
	}

	selfPct := float64(v.Self.Health) / float64(combat.MaxHealth)
	oppPct := float64(v.Opponent.Health) / float64(combat.MaxHealth)

	if selfPct < defendBelow {
		weights[models.MoveBlock] += 40
		weights[models.MoveSpecial] -= 10
	}
	if oppPct < pressBelow {
		weights[models.MoveSpecial] += 30
		weights[models.MoveKick] += 15
		weights[models.MoveBlock] -= 10
	}

	// 상대 가드가 곧 깨질 상황이면 공격, 내 가드가 한계면 막기를 줄인다
	if v.Opponent.GuardMeter >= combat.GuardBreakAt-25 {
		weights[models.MoveSpecial] += 20
		weights[models.MoveKick] += 10
	}
	if v.Self.GuardMeter >= combat.GuardBreakAt-25 {
		weights[models.MoveBlock] = 5
	}
	if v.Opponent.IsStunned {
		weights[models.MoveSpecial] += 40
		weights[models.MoveBlock] = 0
	}

	total := 0
	for _, m := range affordable {
		if weights[m] > 0 {
			total += weights[m]
		}
	}
	if total == 0 {
		return affordable[0]
	}

	roll := p.rng.Intn(total)
	for _, m := range affordable {
		w := weights[m]
		if w <= 0 {
			continue
		}
		if roll < w {
			return m
		}
		roll -= w
	}
	return affordable[len(affordable)-1]
}
