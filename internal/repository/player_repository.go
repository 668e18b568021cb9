package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/database"
)

type PlayerRepository struct {
	db *database.DB
}

func NewPlayerRepository(db *database.DB) *PlayerRepository {
	return &PlayerRepository{db: db}
}

const playerColumns = `address, rating, wins, losses, draws, total_matches, created_at, updated_at`

func scanPlayer(row interface{ Scan(...any) error }) (*models.Player, error) {
	p := &models.Player{}
	err := row.Scan(
		&p.Address,
		&p.Rating,
		&p.Wins,
		&p.Losses,
		&p.Draws,
		&p.TotalMatches,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

// GetOrCreate 주소의 플레이어 조회, 없으면 기본 레이팅으로 생성
func (r *PlayerRepository) GetOrCreate(ctx context.Context, address string) (*models.Player, error) {
	query := `
		INSERT INTO players (address, rating)
		VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
		RETURNING ` + playerColumns

	player, err := scanPlayer(r.db.QueryRowContext(ctx, query, address, models.DefaultRating))
	if err != nil {
		return nil, fmt.Errorf("failed to get player: %w", err)
	}
	return player, nil
}

// FindByAddress 주소로 플레이어 찾기
func (r *PlayerRepository) FindByAddress(ctx context.Context, address string) (*models.Player, error) {
	query := `SELECT ` + playerColumns + ` FROM players WHERE address = $1`

	player, err := scanPlayer(r.db.QueryRowContext(ctx, query, address))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find player: %w", err)
	}
	return player, nil
}

// ApplyResult 두 플레이어의 레이팅과 전적을 한 트랜잭션으로 갱신
func (r *PlayerRepository) ApplyResult(ctx context.Context, changes models.RatingChanges, winner models.Winner) error {
	query := `
		UPDATE players
		SET rating = $1,
		    wins = wins + $2,
		    losses = losses + $3,
		    draws = draws + $4,
		    total_matches = total_matches + 1,
		    updated_at = NOW()
		WHERE address = $5
	`

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, role := range models.Roles {
			change := changes.Player1
			if role == models.RolePlayer2 {
				change = changes.Player2
			}
			w, l, d := outcomeCounts(role, winner)
			if _, err := tx.ExecContext(ctx, query, change.After, w, l, d, change.Address); err != nil {
				return fmt.Errorf("failed to update player %s: %w", change.Address, err)
			}
		}
		return nil
	})
}

// Top 레이팅 순 리더보드
func (r *PlayerRepository) Top(ctx context.Context, limit, offset int) ([]*models.Player, error) {
	query := `
		SELECT ` + playerColumns + `
		FROM players
		WHERE total_matches > 0
		ORDER BY rating DESC, wins DESC, address ASC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var players []*models.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan player: %w", err)
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

func outcomeCounts(role models.Role, winner models.Winner) (wins, losses, draws int) {
	w, ok := winner.Role()
	switch {
	case !ok:
		return 0, 0, 1
	case w == role:
		return 1, 0, 0
	default:
		return 0, 1, 0
	}
}
