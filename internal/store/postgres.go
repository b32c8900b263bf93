package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/chess-arena/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS arena_ratings (
	participant_id TEXT PRIMARY KEY,
	rating         DOUBLE PRECISION NOT NULL,
	deviation      DOUBLE PRECISION NOT NULL,
	volatility     DOUBLE PRECISION NOT NULL,
	period         BIGINT NOT NULL DEFAULT 0,
	wins           INTEGER NOT NULL DEFAULT 0,
	losses         INTEGER NOT NULL DEFAULT 0,
	draws          INTEGER NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS arena_games (
	game_id      TEXT PRIMARY KEY,
	ranked       BOOLEAN NOT NULL,
	white_id     TEXT NOT NULL,
	black_id     TEXT NOT NULL,
	white_bot    BOOLEAN NOT NULL DEFAULT FALSE,
	black_bot    BOOLEAN NOT NULL DEFAULT FALSE,
	time_control TEXT NOT NULL,
	result       TEXT NOT NULL,
	reason       TEXT NOT NULL,
	moves_uci    JSONB NOT NULL,
	moves_san    JSONB NOT NULL,
	pgn          TEXT NOT NULL,
	start_fen    TEXT NOT NULL,
	final_fen    TEXT NOT NULL,
	started_at   TIMESTAMPTZ,
	ended_at     TIMESTAMPTZ NOT NULL,
	duration_ms  BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS arena_games_white_idx ON arena_games (white_id, ended_at DESC);
CREATE INDEX IF NOT EXISTS arena_games_black_idx ON arena_games (black_id, ended_at DESC);
`

type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with the pool settings used across the service and
// verifies the connection within five seconds.
func OpenPostgres(databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) LoadRating(ctx context.Context, participantID string) (domain.RatingRecord, error) {
	const query = `
		SELECT participant_id, rating, deviation, volatility, period, wins, losses, draws, updated_at
		FROM arena_ratings
		WHERE participant_id = $1`
	var rec domain.RatingRecord
	err := p.db.QueryRowContext(ctx, query, participantID).Scan(
		&rec.ParticipantID,
		&rec.Rating,
		&rec.Deviation,
		&rec.Volatility,
		&rec.Period,
		&rec.Wins,
		&rec.Losses,
		&rec.Draws,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RatingRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.RatingRecord{}, fmt.Errorf("select rating: %w", err)
	}
	return rec, nil
}

// SaveRating upserts rec. A row with a newer period is never overwritten,
// so a delayed retry cannot roll a rating back.
func (p *Postgres) SaveRating(ctx context.Context, rec domain.RatingRecord) error {
	const query = `
		INSERT INTO arena_ratings (
			participant_id, rating, deviation, volatility, period, wins, losses, draws, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (participant_id)
		DO UPDATE SET
			rating = EXCLUDED.rating,
			deviation = EXCLUDED.deviation,
			volatility = EXCLUDED.volatility,
			period = EXCLUDED.period,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			draws = EXCLUDED.draws,
			updated_at = EXCLUDED.updated_at
		WHERE arena_ratings.period <= EXCLUDED.period`
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := p.db.ExecContext(ctx, query,
		rec.ParticipantID,
		rec.Rating,
		rec.Deviation,
		rec.Volatility,
		rec.Period,
		rec.Wins,
		rec.Losses,
		rec.Draws,
		updated,
	)
	if err != nil {
		return fmt.Errorf("upsert rating: %w", err)
	}
	return nil
}

// SaveFinishedGame inserts rec once; a second save of the same id is a no-op.
func (p *Postgres) SaveFinishedGame(ctx context.Context, rec domain.GameRecord) error {
	movesUCI, err := json.Marshal(nonNil(rec.MovesUCI))
	if err != nil {
		return fmt.Errorf("marshal moves_uci: %w", err)
	}
	san, _ := SANMoves(rec)
	movesSAN, err := json.Marshal(nonNil(san))
	if err != nil {
		return fmt.Errorf("marshal moves_san: %w", err)
	}
	var started sql.NullTime
	if !rec.StartedAt.IsZero() {
		started = sql.NullTime{Time: rec.StartedAt, Valid: true}
	}

	const query = `
		INSERT INTO arena_games (
			game_id, ranked, white_id, black_id, white_bot, black_bot,
			time_control, result, reason, moves_uci, moves_san, pgn,
			start_fen, final_fen, started_at, ended_at, duration_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (game_id) DO NOTHING`
	_, err = p.db.ExecContext(ctx, query,
		rec.ID,
		rec.Ranked,
		rec.WhiteID,
		rec.BlackID,
		rec.WhiteBot,
		rec.BlackBot,
		rec.TimeControl,
		rec.Result,
		rec.Reason,
		string(movesUCI),
		string(movesSAN),
		BuildPGN(rec),
		rec.StartFEN,
		rec.FinalFEN,
		started,
		rec.EndedAt,
		rec.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

const gameColumns = `game_id, ranked, white_id, black_id, white_bot, black_bot,
	time_control, result, reason, moves_uci, start_fen, final_fen, started_at, ended_at`

func scanGame(row interface{ Scan(...any) error }) (domain.GameRecord, error) {
	var (
		rec      domain.GameRecord
		movesRaw []byte
		started  sql.NullTime
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Ranked,
		&rec.WhiteID,
		&rec.BlackID,
		&rec.WhiteBot,
		&rec.BlackBot,
		&rec.TimeControl,
		&rec.Result,
		&rec.Reason,
		&movesRaw,
		&rec.StartFEN,
		&rec.FinalFEN,
		&started,
		&rec.EndedAt,
	); err != nil {
		return domain.GameRecord{}, err
	}
	if started.Valid {
		rec.StartedAt = started.Time
	}
	if err := json.Unmarshal(movesRaw, &rec.MovesUCI); err != nil {
		return domain.GameRecord{}, fmt.Errorf("unmarshal moves_uci: %w", err)
	}
	return rec, nil
}

func (p *Postgres) GetGame(ctx context.Context, id string) (domain.GameRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM arena_games WHERE game_id = $1`, id)
	rec, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GameRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.GameRecord{}, fmt.Errorf("select game: %w", err)
	}
	return rec, nil
}

func (p *Postgres) RecentGames(ctx context.Context, participantID string, limit int) ([]domain.GameRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+gameColumns+`
		FROM arena_games
		WHERE white_id = $1 OR black_id = $1
		ORDER BY ended_at DESC
		LIMIT $2`, participantID, limit)
	if err != nil {
		return nil, fmt.Errorf("select games: %w", err)
	}
	defer rows.Close()
	out := make([]domain.GameRecord, 0, limit)
	for rows.Next() {
		rec, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("scan game: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
