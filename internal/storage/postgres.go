package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pairline-backend/internal/config"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MaxConnIdleTime = cfg.MaxIdleTime
	poolConfig.MaxConnLifetime = cfg.MaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() {
	db.pool.Close()
}

func (db *PostgresDB) GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	profile := &Profile{}
	query := `
		SELECT id, username, display_name, avatar_url, created_at
		FROM users WHERE id = $1`

	err := db.pool.QueryRow(ctx, query, userID).Scan(
		&profile.ID, &profile.Username, &profile.DisplayName,
		&profile.AvatarURL, &profile.CreatedAt,
	)

	return profile, err
}

func (db *PostgresDB) RecordSession(ctx context.Context, summary *SessionSummary) error {
	query := `
		INSERT INTO session_history (room_id, user_a_id, user_b_id, mode, end_reason, duration_seconds, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_id) DO NOTHING
		RETURNING id, created_at`

	err := db.pool.QueryRow(ctx, query,
		summary.RoomID, summary.UserAID, summary.UserBID, summary.Mode,
		summary.EndReason, summary.DurationSeconds, summary.StartedAt, summary.EndedAt).
		Scan(&summary.ID, &summary.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Row already recorded for this room; the finalize-once gate upstream
		// should make this unreachable, but the constraint keeps history
		// single-row regardless.
		return nil
	}
	return err
}

func (db *PostgresDB) GetSessionHistory(ctx context.Context, userID uuid.UUID, limit int) ([]SessionSummary, error) {
	query := `
		SELECT id, room_id, user_a_id, user_b_id, mode, end_reason, duration_seconds, started_at, ended_at, created_at
		FROM session_history
		WHERE user_a_id = $1 OR user_b_id = $1
		ORDER BY ended_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.ID, &s.RoomID, &s.UserAID, &s.UserBID, &s.Mode,
			&s.EndReason, &s.DurationSeconds, &s.StartedAt, &s.EndedAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}
