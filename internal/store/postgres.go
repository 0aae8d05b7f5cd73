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

	"github.com/park285/cheese-live/internal/game"
	"github.com/park285/cheese-live/pkg/livedto"
)

// Postgres stores snapshots in live_games and the append-only move records
// in live_game_moves keyed by (game_id, ply).
type Postgres struct {
	db *sql.DB
}

func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
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

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS live_games (
		game_id        TEXT PRIMARY KEY,
		white_id       TEXT NOT NULL,
		black_id       TEXT NOT NULL,
		status         TEXT NOT NULL,
		result         TEXT NOT NULL DEFAULT '',
		finish_reason  TEXT NOT NULL DEFAULT '',
		winner_id      TEXT NOT NULL DEFAULT '',
		ply            INTEGER NOT NULL DEFAULT 0,
		version        BIGINT NOT NULL,
		deadline_at    TIMESTAMPTZ,
		snapshot       JSONB NOT NULL,
		finished_event JSONB,
		published_at   TIMESTAMPTZ,
		started_at     TIMESTAMPTZ NOT NULL,
		finished_at    TIMESTAMPTZ,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS live_games_deadline_idx
		ON live_games (deadline_at) WHERE deadline_at IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS live_games_outbox_idx
		ON live_games (finished_at) WHERE finished_event IS NOT NULL AND published_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS live_game_moves (
		game_id   TEXT NOT NULL REFERENCES live_games (game_id),
		ply       INTEGER NOT NULL,
		uci       TEXT NOT NULL,
		san       TEXT NOT NULL,
		fen       TEXT NOT NULL,
		played_by TEXT NOT NULL,
		played_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (game_id, ply)
	)`,
}

// Migrate applies the schema; every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

type pgRow struct {
	snapshot   []byte
	deadline   sql.NullTime
	finished   []byte
	finishedAt sql.NullTime
	result     string
	reason     string
	winner     string
	ply        int
	status     string
	version    int64
	updatedAt  time.Time
	startedAt  time.Time
	whiteID    string
	blackID    string
}

func rowFor(g *game.Game) (pgRow, error) {
	snap, err := json.Marshal(toRecord(g))
	if err != nil {
		return pgRow{}, err
	}
	r := pgRow{
		snapshot:  snap,
		result:    string(g.Result),
		reason:    string(g.FinishReason),
		winner:    g.WinnerID,
		ply:       len(g.Moves),
		status:    string(g.Status),
		version:   g.Version,
		updatedAt: g.UpdatedAt,
		startedAt: g.StartedAt,
		whiteID:   g.WhiteID,
		blackID:   g.BlackID,
	}
	if dl, ok := deadlineOf(g); ok {
		r.deadline = sql.NullTime{Time: dl, Valid: true}
	}
	if fact, done := g.Finished(); done {
		b, err := json.Marshal(fact)
		if err != nil {
			return pgRow{}, err
		}
		r.finished = b
		r.finishedAt = sql.NullTime{Time: fact.FinishedAt, Valid: true}
	}
	return r, nil
}

func (r pgRow) finishedArg() any {
	if len(r.finished) == 0 {
		return nil
	}
	return string(r.finished)
}

func (p *Postgres) Create(ctx context.Context, g *game.Game) error {
	if err := g.CheckInvariants(); err != nil {
		return err
	}
	row, err := rowFor(g)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `INSERT INTO live_games (
		game_id, white_id, black_id, status, result, finish_reason, winner_id,
		ply, version, deadline_at, snapshot, finished_event, started_at, finished_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::jsonb,$13,$14,$15)
	ON CONFLICT (game_id) DO NOTHING`,
		g.ID, row.whiteID, row.blackID, row.status, row.result, row.reason, row.winner,
		row.ply, row.version, row.deadline, string(row.snapshot), row.finishedArg(),
		row.startedAt, row.finishedAt, row.updatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	if err := insertMoves(ctx, tx, g.ID, g.Moves); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) Load(ctx context.Context, id string) (*game.Game, error) {
	var snap []byte
	err := p.db.QueryRowContext(ctx, `SELECT snapshot FROM live_games WHERE game_id = $1`, id).Scan(&snap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(snap, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode game %s: %v", ErrCorrupt, id, err)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT ply, uci, san, fen, played_by, played_at
		FROM live_game_moves WHERE game_id = $1 AND ply < $2 ORDER BY ply`, id, rec.Ply)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	g := rec.Game
	g.Moves = make([]game.Move, 0, rec.Ply)
	for rows.Next() {
		var m game.Move
		if err := rows.Scan(&m.Ply, &m.UCI, &m.SAN, &m.FEN, &m.PlayedBy, &m.PlayedAt); err != nil {
			return nil, err
		}
		g.Moves = append(g.Moves, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(g.Moves) != rec.Ply {
		return nil, fmt.Errorf("%w: game %s: %d moves recorded, snapshot says %d", ErrCorrupt, id, len(g.Moves), rec.Ply)
	}
	return &g, nil
}

func (p *Postgres) Commit(ctx context.Context, g *game.Game) error {
	if err := g.CheckInvariants(); err != nil {
		return err
	}
	row, err := rowFor(g)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var prevVersion int64
	var prevPly int
	err = tx.QueryRowContext(ctx, `SELECT version, ply FROM live_games WHERE game_id = $1 FOR UPDATE`, g.ID).
		Scan(&prevVersion, &prevPly)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := checkCommit(prevVersion, prevPly, g); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE live_games SET
		status = $2, result = $3, finish_reason = $4, winner_id = $5, ply = $6, version = $7,
		deadline_at = $8, snapshot = $9, finished_event = COALESCE($10::jsonb, finished_event),
		finished_at = $11, updated_at = $12
	WHERE game_id = $1`,
		g.ID, row.status, row.result, row.reason, row.winner, row.ply, row.version,
		row.deadline, string(row.snapshot), row.finishedArg(), row.finishedAt, row.updatedAt,
	)
	if err != nil {
		return err
	}
	if err := insertMoves(ctx, tx, g.ID, g.Moves[prevPly:]); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMoves(ctx context.Context, tx *sql.Tx, id string, moves []game.Move) error {
	for _, m := range moves {
		if _, err := tx.ExecContext(ctx, `INSERT INTO live_game_moves
			(game_id, ply, uci, san, fen, played_by, played_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			id, m.Ply, m.UCI, m.SAN, m.FEN, m.PlayedBy, m.PlayedAt,
		); err != nil {
			return fmt.Errorf("insert move %d: %w", m.Ply, err)
		}
	}
	return nil
}

func (p *Postgres) DueForTimeout(ctx context.Context, asOf time.Time, offset, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT game_id FROM live_games
		WHERE deadline_at IS NOT NULL AND deadline_at <= $1
		ORDER BY deadline_at, game_id OFFSET $2 LIMIT $3`, asOf, offset, limit)
	if err != nil {
		return nil, err
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

func (p *Postgres) PendingFinished(ctx context.Context, limit int) ([]livedto.GameFinished, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT game_id, finished_event FROM live_games
		WHERE finished_event IS NOT NULL AND published_at IS NULL
		ORDER BY finished_at, game_id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []livedto.GameFinished
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var f livedto.GameFinished
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: decode outbox entry %s: %v", ErrCorrupt, id, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) AckFinished(ctx context.Context, gameID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE live_games SET published_at = now()
		WHERE game_id = $1 AND published_at IS NULL`, gameID)
	return err
}
