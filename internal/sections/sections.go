package sections

import (
	"context"
	"math"
	"sync"

	"github.com/Suphian/suphian.com-sub001/internal/tracker"
)

const (
	EventSectionViewed = "section_viewed"

	DefaultThreshold = 0.3
)

type Direction string

const (
	DirectionNone Direction = ""
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// DirectionFrom derives the scroll direction from two successive offsets.
func DirectionFrom(prevOffset, offset float64) Direction {
	switch {
	case offset > prevOffset:
		return DirectionDown
	case offset < prevOffset:
		return DirectionUp
	default:
		return DirectionNone
	}
}

// Intersection is one visibility report for a registered section.
type Intersection struct {
	Name      string    `json:"name"`
	Ratio     float64   `json:"ratio"`
	Direction Direction `json:"direction,omitempty"`
}

// Tracker emits one section_viewed event per section name for as long as it
// is open. A section that has been seen stays seen.
type Tracker struct {
	dispatcher       tracker.Dispatcher
	defaultThreshold float64

	mu         sync.Mutex
	thresholds map[string]float64
	seen       map[string]struct{}
	closed     bool
}

func New(dispatcher tracker.Dispatcher, defaultThreshold float64) *Tracker {
	if defaultThreshold <= 0 || defaultThreshold > 1 {
		defaultThreshold = DefaultThreshold
	}
	return &Tracker{
		dispatcher:       dispatcher,
		defaultThreshold: defaultThreshold,
		thresholds:       make(map[string]float64),
		seen:             make(map[string]struct{}),
	}
}

// Register starts observing a section. A threshold outside (0, 1] means the
// tracker default.
func (t *Tracker) Register(name string, threshold float64) {
	if threshold <= 0 || threshold > 1 {
		threshold = t.defaultThreshold
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.thresholds[name] = threshold
}

// Observe feeds one intersection report and reports whether it produced a
// section_viewed event.
func (t *Tracker) Observe(ctx context.Context, in Intersection) bool {
	t.mu.Lock()
	threshold, ok := t.thresholds[in.Name]
	_, seen := t.seen[in.Name]
	if t.closed || !ok || seen || in.Ratio < threshold {
		t.mu.Unlock()
		return false
	}
	t.seen[in.Name] = struct{}{}
	t.mu.Unlock()

	data := map[string]interface{}{
		"section_name":          in.Name,
		"visibility_percentage": int(math.Round(in.Ratio * 100)),
	}
	if in.Direction != DirectionNone {
		data["scroll_direction"] = string(in.Direction)
	}
	if t.dispatcher != nil {
		t.dispatcher.Track(ctx, EventSectionViewed, data)
	}
	return true
}

func (t *Tracker) Seen(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[name]
	return ok
}

// Close disconnects every section; later reports are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.thresholds = make(map[string]float64)
}
