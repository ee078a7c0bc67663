package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Suphian/suphian.com-sub001/internal/config"
)

// BatchWriter is a backend that prefers bulk inserts.
type BatchWriter interface {
	WriteEvents(ctx context.Context, events []EventRow) error
	RecentEvents(ctx context.Context, userID string, since time.Time) ([]EventRow, error)
}

// Buffer collects rows in memory and writes them to a BatchWriter when the
// buffer is full or the flush interval elapses.
type Buffer struct {
	writer   BatchWriter
	batchCfg config.BatchConfig

	flushMu  sync.Mutex
	mu       sync.Mutex
	events   []EventRow
	inFlight []EventRow
	ticker   *time.Ticker
	done     chan struct{}
	once     sync.Once
}

func NewBuffer(writer BatchWriter, batchCfg config.BatchConfig) *Buffer {
	b := &Buffer{
		writer:   writer,
		batchCfg: batchCfg,
		events:   make([]EventRow, 0, batchCfg.Size),
		done:     make(chan struct{}),
	}

	// Start flush ticker
	b.ticker = time.NewTicker(batchCfg.FlushInterval)
	go b.flushLoop()

	return b
}

func (b *Buffer) InsertEvent(ctx context.Context, row EventRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	b.mu.Lock()
	b.events = append(b.events, row)
	shouldFlush := len(b.events) >= b.batchCfg.Size
	b.mu.Unlock()

	if shouldFlush {
		b.Flush()
	}
	return nil
}

// RecentEvents reads from the backend and adds the matching rows that have
// not been written yet.
func (b *Buffer) RecentEvents(ctx context.Context, userID string, since time.Time) ([]EventRow, error) {
	events, err := b.writer.RecentEvents(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pending := range [][]EventRow{b.inFlight, b.events} {
		for _, row := range pending {
			if row.UserID == userID && !row.CreatedAt.Before(since) {
				events = append(events, row)
			}
		}
	}
	return events, nil
}

func (b *Buffer) flushLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.ticker.C:
			b.Flush()
		}
	}
}

// Flush writes all buffered rows to the backend
func (b *Buffer) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	events := b.events
	b.events = make([]EventRow, 0, b.batchCfg.Size)
	b.inFlight = events
	b.mu.Unlock()

	start := time.Now()
	err := b.writer.WriteEvents(context.Background(), events)

	b.mu.Lock()
	b.inFlight = nil
	b.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Int("count", len(events)).Msg("Failed to flush events")
		return
	}
	log.Debug().
		Int("count", len(events)).
		Dur("duration", time.Since(start)).
		Msg("Flushed events")
}

// Stop stops the flush loop and writes what is left.
func (b *Buffer) Stop() {
	b.once.Do(func() {
		b.ticker.Stop()
		close(b.done)
		b.Flush() // Final flush
	})
}
