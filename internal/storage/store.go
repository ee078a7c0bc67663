package storage

import (
	"context"
	"errors"
	"time"
)

// EventRow represents a row in the events table
type EventRow struct {
	SessionID         string
	EventName         string
	EventPayload      map[string]interface{}
	PageURL           string
	IsInternalTraffic bool
	TrafficType       string
	UserID            string
	CreatedAt         time.Time
}

// Store is the append-only backend event table.
type Store interface {
	InsertEvent(ctx context.Context, row EventRow) error
	RecentEvents(ctx context.Context, userID string, since time.Time) ([]EventRow, error)
}

// Multi writes every row to all stores and reads from the first.
type Multi []Store

func (m Multi) InsertEvent(ctx context.Context, row EventRow) error {
	var errs []error
	for _, s := range m {
		if err := s.InsertEvent(ctx, row); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) RecentEvents(ctx context.Context, userID string, since time.Time) ([]EventRow, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return m[0].RecentEvents(ctx, userID, since)
}
