package models

import "time"

const DefaultRating = 1200

// Player 지갑 주소 단위의 레이팅/전적
type Player struct {
	Address      string    `json:"address" db:"address"`
	Rating       int       `json:"rating" db:"rating"`
	Wins         int       `json:"wins" db:"wins"`
	Losses       int       `json:"losses" db:"losses"`
	Draws        int       `json:"draws" db:"draws"`
	TotalMatches int       `json:"totalMatches" db:"total_matches"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// RatingChange 매치 종료 시 한 플레이어의 레이팅 변화
type RatingChange struct {
	Address string `json:"address"`
	Before  int    `json:"before"`
	After   int    `json:"after"`
	Delta   int    `json:"delta"`
}

type RatingChanges struct {
	Player1 RatingChange `json:"player1"`
	Player2 RatingChange `json:"player2"`
}
