package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/database"
)

type MatchRepository struct {
	db *database.DB
}

func NewMatchRepository(db *database.DB) *MatchRepository {
	return &MatchRepository{db: db}
}

const matchColumns = `
	id, player1_address, player2_address, player1_character, player2_character,
	status, practice, winner, end_reason, player1_rounds_won, player2_rounds_won,
	onchain_session_id, onchain_tx_hash, replay_url,
	created_at, selection_deadline_at, started_at, ended_at`

// Create 새 매치 생성
func (r *MatchRepository) Create(ctx context.Context, s models.MatchSession) error {
	query := `
		INSERT INTO matches (id, player1_address, player2_address, status, practice, created_at, selection_deadline_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.Player1Address,
		s.Player2Address,
		s.Status,
		s.Practice,
		s.CreatedAt,
		s.SelectionDeadlineAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create match: %w", err)
	}
	return nil
}

// Update 매치 상태 갱신
func (r *MatchRepository) Update(ctx context.Context, s models.MatchSession) error {
	query := `
		UPDATE matches
		SET player1_character = $1,
		    player2_character = $2,
		    status = $3,
		    winner = $4,
		    end_reason = $5,
		    player1_rounds_won = $6,
		    player2_rounds_won = $7,
		    onchain_session_id = $8,
		    onchain_tx_hash = $9,
		    replay_url = $10,
		    started_at = $11,
		    ended_at = $12
		WHERE id = $13
	`

	var sessionID sql.NullInt64
	if s.OnChainSessionID != nil {
		sessionID = sql.NullInt64{Int64: int64(*s.OnChainSessionID), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		s.Player1Character,
		s.Player2Character,
		s.Status,
		s.Winner,
		s.EndReason,
		s.Player1RoundsWon,
		s.Player2RoundsWon,
		sessionID,
		s.OnChainTxHash,
		s.ReplayURL,
		s.StartedAt,
		s.EndedAt,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update match: %w", err)
	}
	return nil
}

func scanMatch(row interface{ Scan(...any) error }) (*models.MatchSession, error) {
	s := &models.MatchSession{}
	var (
		sessionID sql.NullInt64
		txHash    sql.NullString
		replayURL sql.NullString
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)

	err := row.Scan(
		&s.ID,
		&s.Player1Address,
		&s.Player2Address,
		&s.Player1Character,
		&s.Player2Character,
		&s.Status,
		&s.Practice,
		&s.Winner,
		&s.EndReason,
		&s.Player1RoundsWon,
		&s.Player2RoundsWon,
		&sessionID,
		&txHash,
		&replayURL,
		&s.CreatedAt,
		&s.SelectionDeadlineAt,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	if sessionID.Valid {
		id := uint32(sessionID.Int64)
		s.OnChainSessionID = &id
	}
	if txHash.Valid {
		s.OnChainTxHash = &txHash.String
	}
	if replayURL.Valid {
		s.ReplayURL = &replayURL.String
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return s, nil
}

// FindByID ID로 매치 찾기
func (r *MatchRepository) FindByID(ctx context.Context, id string) (*models.MatchSession, error) {
	query := `SELECT ` + matchColumns + ` FROM matches WHERE id = $1`

	s, err := scanMatch(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find match: %w", err)
	}
	return s, nil
}

// ListByAddress 플레이어의 매치 목록 (최신순)
func (r *MatchRepository) ListByAddress(ctx context.Context, address string, limit, offset int) ([]*models.MatchSession, error) {
	query := `
		SELECT ` + matchColumns + `
		FROM matches
		WHERE player1_address = $1 OR player2_address = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, address, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	var matches []*models.MatchSession
	for rows.Next() {
		s, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		matches = append(matches, s)
	}
	return matches, rows.Err()
}

// FindStale 주어진 상태로 cutoff 이전에 생성되어 남아 있는 매치 ID
func (r *MatchRepository) FindStale(ctx context.Context, statuses []models.MatchStatus, cutoff time.Time) ([]string, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM matches WHERE status = ANY($1) AND created_at < $2`,
		pq.Array(names), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale matches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveRound 해석된 턴 기록 (추가 전용)
func (r *MatchRepository) SaveRound(ctx context.Context, rec models.RoundRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal round record: %w", err)
	}

	query := `
		INSERT INTO round_records (match_id, round_number, turn_number, record, resolved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, rec.MatchID, rec.RoundNumber, rec.TurnNumber, data, rec.ResolvedAt); err != nil {
		return fmt.Errorf("failed to save round record: %w", err)
	}
	return nil
}

// ListRounds 매치의 턴 기록 (시간순)
func (r *MatchRepository) ListRounds(ctx context.Context, matchID string) ([]models.RoundRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT record FROM round_records
		WHERE match_id = $1
		ORDER BY round_number, turn_number
	`, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query round records: %w", err)
	}
	defer rows.Close()

	var records []models.RoundRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec models.RoundRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal round record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveSubmission 수락된 수 기록. 같은 키가 이미 있으면 ErrDuplicate.
func (r *MatchRepository) SaveSubmission(ctx context.Context, sub models.MoveSubmission) error {
	query := `
		INSERT INTO move_submissions (match_id, role, round_number, turn_number, move, tx_id, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		sub.MatchID, sub.Role, sub.RoundNumber, sub.TurnNumber, sub.Move, sub.TxID, sub.SubmittedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to save submission: %w", err)
	}
	return nil
}
