package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/veilstar/brawl-backend/pkg/logger"
)

type DB struct {
	*sql.DB
}

// Connect 데이터베이스 연결
func Connect(databaseURL string) (*DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is empty")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 연결 풀 설정
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// 연결 테스트
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connected successfully")

	return &DB{db}, nil
}

// Migrate 스키마 생성 (멱등)
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}

// WithTx 트랜잭션 안에서 fn 실행
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close 데이터베이스 연결 종료
func (db *DB) Close() error {
	return db.DB.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS players (
		address       TEXT PRIMARY KEY,
		rating        INTEGER NOT NULL DEFAULT 1200,
		wins          INTEGER NOT NULL DEFAULT 0,
		losses        INTEGER NOT NULL DEFAULT 0,
		draws         INTEGER NOT NULL DEFAULT 0,
		total_matches INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS matches (
		id                    TEXT PRIMARY KEY,
		player1_address       TEXT NOT NULL,
		player2_address       TEXT NOT NULL,
		player1_character     TEXT NOT NULL DEFAULT '',
		player2_character     TEXT NOT NULL DEFAULT '',
		status                TEXT NOT NULL,
		practice              BOOLEAN NOT NULL DEFAULT FALSE,
		winner                TEXT NOT NULL DEFAULT '',
		end_reason            TEXT NOT NULL DEFAULT '',
		player1_rounds_won    INTEGER NOT NULL DEFAULT 0,
		player2_rounds_won    INTEGER NOT NULL DEFAULT 0,
		onchain_session_id    BIGINT,
		onchain_tx_hash       TEXT,
		replay_url            TEXT,
		created_at            TIMESTAMPTZ NOT NULL,
		selection_deadline_at TIMESTAMPTZ NOT NULL,
		started_at            TIMESTAMPTZ,
		ended_at              TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_matches_status ON matches (status)`,
	`CREATE TABLE IF NOT EXISTS round_records (
		match_id     TEXT NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
		round_number INTEGER NOT NULL,
		turn_number  INTEGER NOT NULL,
		record       JSONB NOT NULL,
		resolved_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (match_id, round_number, turn_number)
	)`,
	`CREATE TABLE IF NOT EXISTS move_submissions (
		match_id     TEXT NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
		role         TEXT NOT NULL,
		round_number INTEGER NOT NULL,
		turn_number  INTEGER NOT NULL,
		move         TEXT NOT NULL,
		tx_id        TEXT NOT NULL DEFAULT '',
		submitted_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (match_id, role, round_number, turn_number)
	)`,
	`CREATE TABLE IF NOT EXISTS matchmaking_history (
		id                BIGSERIAL PRIMARY KEY,
		match_id          TEXT NOT NULL,
		player1_address   TEXT NOT NULL,
		player2_address   TEXT NOT NULL,
		rating_difference INTEGER NOT NULL,
		wait_ms           BIGINT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}
