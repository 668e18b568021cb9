package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/database"
)

type MatchmakingRepository struct {
	db *database.DB
}

func NewMatchmakingRepository(db *database.DB) *MatchmakingRepository {
	return &MatchmakingRepository{db: db}
}

// RecordPairing 매칭 기록 저장
func (r *MatchmakingRepository) RecordPairing(ctx context.Context, p models.Pairing) error {
	query := `
		INSERT INTO matchmaking_history (match_id, player1_address, player2_address, rating_difference, wait_ms)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query, p.MatchID, p.Player1Address, p.Player2Address, p.RatingDifference, p.Wait.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record pairing: %w", err)
	}
	return nil
}

// AverageWait 최근 기간의 평균 대기 시간
func (r *MatchmakingRepository) AverageWait(ctx context.Context, since time.Duration) (time.Duration, error) {
	query := `
		SELECT COALESCE(AVG(wait_ms), 0)::BIGINT
		FROM matchmaking_history
		WHERE created_at > NOW() - $1::interval
	`
	var ms int64
	if err := r.db.QueryRowContext(ctx, query, fmt.Sprintf("%d seconds", int(since.Seconds()))).Scan(&ms); err != nil {
		return 0, fmt.Errorf("failed to query average wait: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
