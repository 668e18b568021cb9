package service

import (
	"math"

	"github.com/veilstar/brawl-backend/internal/models"
)

// ELOService ELO 레이팅 계산 서비스
type ELOService struct {
	defaultKFactor float64
}

func NewELOService() *ELOService {
	return &ELOService{
		defaultKFactor: 32,
	}
}

// GetKFactor 전적 수에 따른 K-factor.
// 10전 미만 40, 20전 미만 32, 그 이후 24.
func (s *ELOService) GetKFactor(matchCount int) float64 {
	if matchCount < 10 {
		return 40.0
	} else if matchCount < 20 {
		return 32.0
	}
	return 24.0
}

// CalculateNewRatings 기본 K-factor로 새 레이팅 계산
// result: 1.0 (player1 승), 0.5 (무승부), 0.0 (player2 승)
func (s *ELOService) CalculateNewRatings(player1ELO, player2ELO int, result float64) (newPlayer1ELO, newPlayer2ELO, player1Change, player2Change int) {
	return s.calculate(player1ELO, player2ELO, s.defaultKFactor, s.defaultKFactor, result)
}

// CalculateNewRatingsWithMatchCounts 전적 기반 K-factor로 새 레이팅 계산
func (s *ELOService) CalculateNewRatingsWithMatchCounts(
	player1ELO, player2ELO int,
	player1Matches, player2Matches int,
	result float64,
) (newPlayer1ELO, newPlayer2ELO, player1Change, player2Change int) {
	return s.calculate(player1ELO, player2ELO, s.GetKFactor(player1Matches), s.GetKFactor(player2Matches), result)
}

// RatingChanges 매치 결과를 두 플레이어의 레이팅 변화로 변환
func (s *ELOService) RatingChanges(p1, p2 models.Player, winner models.Winner) models.RatingChanges {
	result := 0.5
	switch winner {
	case models.WinnerPlayer1:
		result = 1.0
	case models.WinnerPlayer2:
		result = 0.0
	}

	new1, new2, d1, d2 := s.CalculateNewRatingsWithMatchCounts(p1.Rating, p2.Rating, p1.TotalMatches, p2.TotalMatches, result)
	return models.RatingChanges{
		Player1: models.RatingChange{Address: p1.Address, Before: p1.Rating, After: new1, Delta: d1},
		Player2: models.RatingChange{Address: p2.Address, Before: p2.Rating, After: new2, Delta: d2},
	}
}

func (s *ELOService) calculate(r1, r2 int, k1, k2, result float64) (new1, new2, d1, d2 int) {
	expected1 := s.expectedScore(float64(r1), float64(r2))
	expected2 := 1.0 - expected1

	new1 = int(math.Round(float64(r1) + k1*(result-expected1)))
	new2 = int(math.Round(float64(r2) + k2*((1.0-result)-expected2)))

	d1 = new1 - r1
	d2 = new2 - r2
	return
}

// expectedScore ELO에 기반한 기대 승률
func (s *ELOService) expectedScore(ratingA, ratingB float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (ratingB-ratingA)/400.0))
}
