package session

import (
	"context"
	"sync"
	"time"

	"github.com/Suphian/suphian.com-sub001/internal/sections"
	"github.com/Suphian/suphian.com-sub001/internal/tracker"
)

const EventPageUnload = "page_unload"

// Page is one page lifetime: one session id, one tracker with its caches,
// and the section trackers mounted on it.
type Page struct {
	ID       string
	Tracker  *tracker.Tracker
	Sections *sections.Tracker
	OpenedAt time.Time

	unloadOnce sync.Once
	unloaded   chan struct{}
}

// Unload sends the final page_unload event on the beacon path and
// disconnects the section trackers. Only the first call does anything. The
// event carries the location only when it was already resolved.
func (p *Page) Unload(ctx context.Context) {
	p.unloadOnce.Do(func() {
		p.Tracker.Track(ctx, EventPageUnload, map[string]interface{}{
			"time_on_page_ms": time.Since(p.OpenedAt).Milliseconds(),
		}, tracker.WithBeacon(), tracker.WithCachedLocation())
		p.Sections.Close()
		close(p.unloaded)
	})
}

// Done is closed once the page has been unloaded.
func (p *Page) Done() <-chan struct{} {
	return p.unloaded
}
