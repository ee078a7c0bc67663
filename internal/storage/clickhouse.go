package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/Suphian/suphian.com-sub001/internal/config"
)

// ClickHouse writes event rows in batches to the analytics warehouse.
type ClickHouse struct {
	conn driver.Conn
}

func NewClickHouse(cfg config.ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	return &ClickHouse{conn: conn}, nil
}

func (c *ClickHouse) WriteEvents(ctx context.Context, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO events (
			session_id, event_name, event_payload, page_url,
			is_internal_traffic, traffic_type, user_id, created_at
		)
	`)
	if err != nil {
		return err
	}

	for _, e := range events {
		payload, err := encodePayload(e.EventPayload)
		if err != nil {
			return err
		}
		var internal uint8
		if e.IsInternalTraffic {
			internal = 1
		}
		err = batch.Append(
			e.SessionID, e.EventName, string(payload), e.PageURL,
			internal, e.TrafficType, e.UserID, e.CreatedAt,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (c *ClickHouse) RecentEvents(ctx context.Context, userID string, since time.Time) ([]EventRow, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT session_id, event_name, event_payload, page_url,
			is_internal_traffic, traffic_type, user_id, created_at
		FROM events
		WHERE user_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			row      EventRow
			payload  string
			internal uint8
		)
		if err := rows.Scan(
			&row.SessionID, &row.EventName, &payload, &row.PageURL,
			&internal, &row.TrafficType, &row.UserID, &row.CreatedAt,
		); err != nil {
			return nil, err
		}
		row.IsInternalTraffic = internal == 1
		if row.EventPayload, err = decodePayload([]byte(payload)); err != nil {
			return nil, err
		}
		events = append(events, row)
	}
	return events, rows.Err()
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
