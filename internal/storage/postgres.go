package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres stores events in the site's Postgres backend.
type Postgres struct {
	db *sql.DB
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return NewPostgres(db), nil
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the events table when it does not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			event_payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			page_url TEXT,
			is_internal_traffic BOOLEAN NOT NULL DEFAULT false,
			traffic_type TEXT NOT NULL DEFAULT 'external',
			user_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_events_user_created ON events (user_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure events table: %w", err)
	}
	return nil
}

func (p *Postgres) InsertEvent(ctx context.Context, row EventRow) error {
	payload, err := encodePayload(row.EventPayload)
	if err != nil {
		return err
	}
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO events (
			session_id, event_name, event_payload, page_url,
			is_internal_traffic, traffic_type, user_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		row.SessionID, row.EventName, payload, nullString(row.PageURL),
		row.IsInternalTraffic, row.TrafficType, nullString(row.UserID), createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert event %q: %w", row.EventName, err)
	}
	return nil
}

func (p *Postgres) RecentEvents(ctx context.Context, userID string, since time.Time) ([]EventRow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, event_name, event_payload, page_url,
			is_internal_traffic, traffic_type, user_id, created_at
		FROM events
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			row     EventRow
			payload []byte
			pageURL sql.NullString
			rowUser sql.NullString
		)
		if err := rows.Scan(
			&row.SessionID, &row.EventName, &payload, &pageURL,
			&row.IsInternalTraffic, &row.TrafficType, &rowUser, &row.CreatedAt,
		); err != nil {
			return nil, err
		}
		row.PageURL = pageURL.String
		row.UserID = rowUser.String
		if row.EventPayload, err = decodePayload(payload); err != nil {
			return nil, err
		}
		events = append(events, row)
	}
	return events, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func encodePayload(payload map[string]interface{}) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return data, nil
}

func decodePayload(data []byte) (map[string]interface{}, error) {
	payload := make(map[string]interface{})
	if len(data) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return payload, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
