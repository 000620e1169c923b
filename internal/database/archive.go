// internal/database/archive.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/turnroom/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_events (
	id          BIGSERIAL PRIMARY KEY,
	room_id     TEXT NOT NULL,
	game_id     TEXT,
	event_type  TEXT NOT NULL,
	node_id     TEXT,
	payload     JSONB,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS room_events_room_idx ON room_events (room_id, occurred_at);

CREATE TABLE IF NOT EXISTS series_results (
	room_id     TEXT NOT NULL,
	last_game_id TEXT NOT NULL,
	winner      TEXT,
	best_of     INT NOT NULL,
	game_count  INT NOT NULL,
	draws       INT NOT NULL,
	wins        JSONB,
	seats       JSONB,
	finished_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (room_id, last_game_id)
);
`

// Archive persists room events and finished series to Postgres.
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive wraps an open pool.
func NewArchive(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// EnsureSchema creates the archive tables when missing.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create archive schema: %w", err)
	}
	return nil
}

// WriteEvents stores a batch in one transaction. series_ended events also upsert the
// series result, so replaying a batch is harmless for the result table.
func (a *Archive) WriteEvents(ctx context.Context, events []models.RoomEvent) error {
	if len(events) == 0 {
		return nil
	}
	return pgx.BeginTxFunc(ctx, a.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, ev := range events {
			if err := insertEventTx(ctx, tx, ev); err != nil {
				return fmt.Errorf("insert %s event of room %s: %w", ev.Type, ev.RoomID, err)
			}
			if ev.Type != models.EventSeriesEnded {
				continue
			}
			if err := upsertSeriesTx(ctx, tx, ev); err != nil {
				return fmt.Errorf("upsert series of room %s: %w", ev.RoomID, err)
			}
		}
		return nil
	})
}

// SeriesResult is one archived series.
type SeriesResult struct {
	RoomID     string
	LastGameID string
	Winner     string
	BestOf     int
	GameCount  int
	Draws      int
	FinishedAt time.Time
}

// SeriesResults lists the archived series of a room, newest first.
func (a *Archive) SeriesResults(ctx context.Context, roomID string) ([]SeriesResult, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT room_id, last_game_id, COALESCE(winner, ''), best_of, game_count, draws, finished_at
		FROM series_results
		WHERE room_id = $1
		ORDER BY finished_at DESC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SeriesResult
	for rows.Next() {
		var r SeriesResult
		if err := rows.Scan(&r.RoomID, &r.LastGameID, &r.Winner, &r.BestOf, &r.GameCount, &r.Draws, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func insertEventTx(ctx context.Context, tx pgx.Tx, ev models.RoomEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO room_events (room_id, game_id, event_type, node_id, payload, occurred_at)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, $6)
	`, ev.RoomID, ev.GameID, string(ev.Type), ev.NodeID, payload, time.UnixMilli(ev.Timestamp))
	return err
}

func upsertSeriesTx(ctx context.Context, tx pgx.Tx, ev models.RoomEvent) error {
	p := ev.Payload
	wins, err := json.Marshal(p["wins"])
	if err != nil {
		return err
	}
	seats, err := json.Marshal(p["seats"])
	if err != nil {
		return err
	}
	winner, _ := p["winner"].(string)
	_, err = tx.Exec(ctx, `
		INSERT INTO series_results (room_id, last_game_id, winner, best_of, game_count, draws, wins, seats, finished_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
		ON CONFLICT (room_id, last_game_id)
		DO UPDATE SET winner = EXCLUDED.winner, game_count = EXCLUDED.game_count, draws = EXCLUDED.draws,
			wins = EXCLUDED.wins, finished_at = EXCLUDED.finished_at
	`, ev.RoomID, ev.GameID, winner, intOf(p["bestOf"]), intOf(p["gameCount"]), intOf(p["draws"]), wins, seats, time.UnixMilli(ev.Timestamp))
	return err
}

// intOf reads a JSON number that may have been decoded as float64.
func intOf(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
