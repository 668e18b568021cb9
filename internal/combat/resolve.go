package combat

import (
	"fmt"
	"strings"

	"github.com/veilstar/brawl-backend/internal/models"
)

// State 턴 해석의 입력이 되는 전체 전투 상태
type State struct {
	RoundNumber      int                      `json:"roundNumber"`
	TurnNumber       int                      `json:"turnNumber"`
	Player1          models.PlayerCombatState `json:"player1"`
	Player2          models.PlayerCombatState `json:"player2"`
	Player1RoundsWon int                      `json:"player1RoundsWon"`
	Player2RoundsWon int                      `json:"player2RoundsWon"`
}

// NewState 1라운드 1턴, 양쪽 모두 풀 체력/에너지
func NewState(player1Character, player2Character string) State {
	return State{
		RoundNumber: 1,
		TurnNumber:  1,
		Player1:     freshPlayer(models.RolePlayer1, player1Character),
		Player2:     freshPlayer(models.RolePlayer2, player2Character),
	}
}

func freshPlayer(role models.Role, characterID string) models.PlayerCombatState {
	return models.PlayerCombatState{
		Health:      MaxHealth,
		Energy:      MaxEnergy,
		CharacterID: characterID,
		Role:        role,
	}
}

// Player 역할별 상태
func (s State) Player(r models.Role) models.PlayerCombatState {
	if r == models.RolePlayer1 {
		return s.Player1
	}
	return s.Player2
}

// RoundsWon 역할별 승리 라운드 수
func (s State) RoundsWon(r models.Role) int {
	if r == models.RolePlayer1 {
		return s.Player1RoundsWon
	}
	return s.Player2RoundsWon
}

// Leader 현재 라운드 승수, 그 다음 체력 기준 우세한 쪽
func (s State) Leader() models.Winner {
	switch {
	case s.Player1RoundsWon > s.Player2RoundsWon:
		return models.WinnerPlayer1
	case s.Player2RoundsWon > s.Player1RoundsWon:
		return models.WinnerPlayer2
	case s.Player1.Health > s.Player2.Health:
		return models.WinnerPlayer1
	case s.Player2.Health > s.Player1.Health:
		return models.WinnerPlayer2
	}
	return models.WinnerDraw
}

type PlayerResult struct {
	Submitted   models.Move              `json:"submitted"`
	Move        models.Move              `json:"move"`
	Suppressed  bool                     `json:"suppressed"`
	DamageDealt int                      `json:"damageDealt"`
	GuardBroken bool                     `json:"guardBroken"`
	After       models.PlayerCombatState `json:"after"`
}

type Outcome struct {
	RoundNumber int           `json:"roundNumber"`
	TurnNumber  int           `json:"turnNumber"`
	Player1     PlayerResult  `json:"player1"`
	Player2     PlayerResult  `json:"player2"`
	Narrative   string        `json:"narrative"`
	RoundWinner models.Winner `json:"roundWinner,omitempty"`
	IsRoundOver bool          `json:"isRoundOver"`
	IsMatchOver bool          `json:"isMatchOver"`
	KnockOut    bool          `json:"knockOut"`
	MatchWinner models.Winner `json:"matchWinner,omitempty"`
	Next        State         `json:"next"`
}

// Player 역할별 결과
func (o Outcome) Player(r models.Role) PlayerResult {
	if r == models.RolePlayer1 {
		return o.Player1
	}
	return o.Player2
}

type action struct {
	move       models.Move
	active     bool
	suppressed bool
}

func act(p models.PlayerCombatState, m models.Move) action {
	if p.IsStunned {
		return action{suppressed: true}
	}
	if !m.Valid() || energyCost[m] > p.Energy {
		m = DefaultMove
	}
	return action{move: m, active: true}
}

type hitKind int

const (
	hitNone hitKind = iota
	hitClean
	hitCounter
	hitCountered
	hitBlocked
)

type hit struct {
	kind            hitKind
	damage          int
	guardGain       int
	guardBroken     bool
	defenderStunned bool
	attackerStunned bool
}

// strike computes one direction of the simultaneous exchange.
func strike(att, def action, defGuard int) hit {
	var h hit
	if !att.active || att.move == models.MoveBlock {
		return h
	}

	base := baseDamage[att.move]
	switch {
	case !def.active:
		h.kind, h.damage = hitClean, base
	case Beats(att.move, def.move):
		h.kind, h.damage = hitCounter, base*3/2
		h.defenderStunned = true
	case Beats(def.move, att.move):
		h.kind, h.damage = hitCountered, base/2
		h.attackerStunned = true
	case def.move == models.MoveBlock:
		h.kind, h.damage = hitBlocked, base/2
	default:
		h.kind, h.damage = hitClean, base
	}

	if def.active && def.move == models.MoveBlock {
		h.guardGain = guardGain[att.move]
		if defGuard+h.guardGain >= GuardBreakAt {
			h.guardBroken = true
			h.defenderStunned = true
			if h.damage < base {
				h.damage = base
			}
		}
	}
	return h
}

// Resolve 두 수와 이전 상태로 다음 상태를 계산한다. 순수 함수이며 같은
// 입력에는 항상 같은 결과를 낸다. m1/m2가 MoveNone이면 DefaultMove로 처리된다.
func Resolve(prev State, m1, m2 models.Move) Outcome {
	p1, p2 := prev.Player1, prev.Player2
	a1, a2 := act(p1, m1), act(p2, m2)

	h1 := strike(a1, a2, p2.GuardMeter) // player1 -> player2
	h2 := strike(a2, a1, p1.GuardMeter) // player2 -> player1

	n1 := advance(p1, a1, h2.damage, h2.guardGain, h2.guardBroken, h1.attackerStunned || h2.defenderStunned)
	n2 := advance(p2, a2, h1.damage, h1.guardGain, h1.guardBroken, h2.attackerStunned || h1.defenderStunned)

	out := Outcome{
		RoundNumber: prev.RoundNumber,
		TurnNumber:  prev.TurnNumber,
		Player1: PlayerResult{
			Submitted:   m1,
			Move:        a1.move,
			Suppressed:  a1.suppressed,
			DamageDealt: h1.damage,
			GuardBroken: h2.guardBroken,
			After:       n1,
		},
		Player2: PlayerResult{
			Submitted:   m2,
			Move:        a2.move,
			Suppressed:  a2.suppressed,
			DamageDealt: h2.damage,
			GuardBroken: h1.guardBroken,
			After:       n2,
		},
		Narrative: narrate(a1, a2, h1, h2),
	}

	out.KnockOut = n1.Health == 0 || n2.Health == 0
	out.IsRoundOver = out.KnockOut || prev.TurnNumber >= TurnsPerRound
	if out.IsRoundOver {
		out.RoundWinner = roundWinner(n1, n2)
	}

	next := State{
		RoundNumber:      prev.RoundNumber,
		TurnNumber:       prev.TurnNumber + 1,
		Player1:          n1,
		Player2:          n2,
		Player1RoundsWon: prev.Player1RoundsWon,
		Player2RoundsWon: prev.Player2RoundsWon,
	}
	switch out.RoundWinner {
	case models.WinnerPlayer1:
		next.Player1RoundsWon++
	case models.WinnerPlayer2:
		next.Player2RoundsWon++
	}

	out.IsMatchOver = next.Player1RoundsWon >= RoundsToWin ||
		next.Player2RoundsWon >= RoundsToWin ||
		(out.IsRoundOver && prev.RoundNumber >= MaxRounds)

	switch {
	case out.IsMatchOver:
		next.TurnNumber = prev.TurnNumber
		out.MatchWinner = matchWinner(next)
	case out.IsRoundOver:
		next.RoundNumber++
		next.TurnNumber = 1
		next.Player1 = freshPlayer(models.RolePlayer1, p1.CharacterID)
		next.Player2 = freshPlayer(models.RolePlayer2, p2.CharacterID)
	}
	out.Next = next
	return out
}

func advance(p models.PlayerCombatState, a action, taken, guardGain int, guardBroken, stunned bool) models.PlayerCombatState {
	n := p
	n.Health = clamp(p.Health-taken, 0, MaxHealth)

	spent := 0
	if a.active {
		spent = energyCost[a.move]
	}
	n.Energy = clamp(p.Energy-spent+EnergyRegen, 0, MaxEnergy)

	if guardBroken {
		n.GuardMeter = 0
	} else {
		n.GuardMeter = p.GuardMeter + guardGain
	}

	n.IsStunned = stunned
	return n
}

func roundWinner(n1, n2 models.PlayerCombatState) models.Winner {
	switch {
	case n1.Health > n2.Health:
		return models.WinnerPlayer1
	case n2.Health > n1.Health:
		return models.WinnerPlayer2
	}
	return models.WinnerDraw
}

func matchWinner(s State) models.Winner {
	switch {
	case s.Player1RoundsWon > s.Player2RoundsWon:
		return models.WinnerPlayer1
	case s.Player2RoundsWon > s.Player1RoundsWon:
		return models.WinnerPlayer2
	}
	return models.WinnerDraw
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var verbs = map[models.Move]string{
	models.MovePunch:   "punches",
	models.MoveKick:    "kicks",
	models.MoveSpecial: "unleashes a special",
}

func narrate(a1, a2 action, h1, h2 hit) string {
	parts := []string{
		describe("Player 1", "Player 2", a1, h1),
		describe("Player 2", "Player 1", a2, h2),
	}
	return strings.Join(parts, " ")
}

func describe(name, opponent string, a action, h hit) string {
	if a.suppressed {
		return name + " is stunned and cannot act."
	}
	if a.move == models.MoveBlock {
		return name + " blocks."
	}

	verb := verbs[a.move]
	var s string
	switch h.kind {
	case hitCounter:
		s = fmt.Sprintf("%s %s, countering %s, for %d damage.", name, verb, opponent, h.damage)
	case hitCountered:
		s = fmt.Sprintf("%s %s but is countered, dealing %d damage.", name, verb, h.damage)
	case hitBlocked:
		s = fmt.Sprintf("%s %s into %s's guard for %d damage.", name, verb, opponent, h.damage)
	default:
		s = fmt.Sprintf("%s %s for %d damage.", name, verb, h.damage)
	}
	if h.guardBroken {
		s += fmt.Sprintf(" %s's guard breaks!", opponent)
	}
	return s
}
