// Package combat implements the deterministic round resolver. Both the
// authoritative referee and client-side predictions call Resolve, so nothing in
// this package may read clocks, randomness or shared state.
package combat

import "github.com/veilstar/brawl-backend/internal/models"

const (
	MaxHealth     = 100
	MaxEnergy     = 100
	EnergyRegen   = 10
	GuardBreakAt  = 100
	TurnsPerRound = 10
	RoundsToWin   = 2
	MaxRounds     = 3

	// DefaultMove 마감 초과/에너지 부족 시 대체되는 최저 비용 수
	DefaultMove = models.MoveBlock

	// DefaultCharacter 선택 마감까지 고르지 않은 플레이어에게 배정
	DefaultCharacter = "ronin"
)

var baseDamage = map[models.Move]int{
	models.MovePunch:   10,
	models.MoveKick:    15,
	models.MoveBlock:   0,
	models.MoveSpecial: 30,
}

var energyCost = map[models.Move]int{
	models.MovePunch:   0,
	models.MoveKick:    10,
	models.MoveBlock:   0,
	models.MoveSpecial: 40,
}

var guardGain = map[models.Move]int{
	models.MovePunch:   10,
	models.MoveKick:    15,
	models.MoveSpecial: 25,
}

// counters[m] is the move that beats m.
var counters = map[models.Move]models.Move{
	models.MovePunch:   models.MoveKick,
	models.MoveKick:    models.MoveBlock,
	models.MoveBlock:   models.MoveSpecial,
	models.MoveSpecial: models.MovePunch,
}

// Counter 주어진 수를 이기는 수
func Counter(m models.Move) models.Move {
	return counters[m]
}

// Beats a가 b를 이기는지 (카운터 테이블 기준)
func Beats(a, b models.Move) bool {
	return a.Valid() && b.Valid() && counters[b] == a
}

// Cost 수의 에너지 비용
func Cost(m models.Move) int {
	return energyCost[m]
}

// BaseDamage 수정치 적용 전 기본 피해
func BaseDamage(m models.Move) int {
	return baseDamage[m]
}

// Affordable 현재 에너지로 사용할 수 있는 수 (고정 순서)
func Affordable(energy int) []models.Move {
	out := make([]models.Move, 0, len(models.Moves))
	for _, m := range models.Moves {
		if energyCost[m] <= energy {
			out = append(out, m)
		}
	}
	return out
}

// ValidCharacter 캐릭터 ID 형식 검사. 로스터 밸런스는 이 패키지의 관심사가 아니다.
func ValidCharacter(id string) bool {
	return id != "" && len(id) <= 64
}
