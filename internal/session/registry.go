package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/Suphian/suphian.com-sub001/internal/location"
	"github.com/Suphian/suphian.com-sub001/internal/metadata"
	"github.com/Suphian/suphian.com-sub001/internal/metrics"
	"github.com/Suphian/suphian.com-sub001/internal/sections"
	"github.com/Suphian/suphian.com-sub001/internal/storage"
	"github.com/Suphian/suphian.com-sub001/internal/tracker"
)

var ErrPageNotFound = errors.New("page not found")

// Deps are shared by every page the registry opens.
type Deps struct {
	Binding          tracker.Binding
	Store            storage.Store
	Scheduler        tracker.Scheduler
	Resolver         func(clientIP string) location.Resolver
	DevelopmentHosts []string
	DispatchTimeout  time.Duration
	SectionThreshold float64
}

// Registry holds the open pages, keyed by session id. When it is full the
// least recently used page is unloaded to make room.
type Registry struct {
	pages *lru.Cache[string, *Page]
	deps  Deps
}

func NewRegistry(size int, deps Deps) (*Registry, error) {
	r := &Registry{deps: deps}
	pages, err := lru.NewWithEvict[string, *Page](size, r.onEvict)
	if err != nil {
		return nil, err
	}
	r.pages = pages
	return r, nil
}

// onEvict also runs for Remove and Purge, after the page was unloaded.
func (r *Registry) onEvict(id string, page *Page) {
	select {
	case <-page.Done():
		return
	default:
	}
	go page.Unload(context.Background())
}

// Open starts a new page lifetime with fresh metadata and location caches.
func (r *Registry) Open(env metadata.Environment, clientIP string, internal bool) *Page {
	id := uuid.New().String()

	var resolver location.Resolver
	if r.deps.Resolver != nil {
		resolver = r.deps.Resolver(clientIP)
	}

	t := tracker.New(tracker.Options{
		SessionID:        id,
		Environment:      env,
		Binding:          r.deps.Binding,
		Store:            r.deps.Store,
		Scheduler:        r.deps.Scheduler,
		Location:         location.NewCache(resolver),
		DevelopmentHosts: r.deps.DevelopmentHosts,
		Internal:         internal,
		DispatchTimeout:  r.deps.DispatchTimeout,
	})

	page := &Page{
		ID:       id,
		Tracker:  t,
		Sections: sections.New(t, r.deps.SectionThreshold),
		OpenedAt: time.Now(),
		unloaded: make(chan struct{}),
	}
	r.pages.Add(id, page)
	metrics.OpenPages.Set(float64(r.pages.Len()))

	log.Debug().
		Str("session_id", id).
		Str("traffic_type", string(t.TrafficType())).
		Msg("Page opened")

	return page
}

func (r *Registry) Get(id string) (*Page, error) {
	page, ok := r.pages.Get(id)
	if !ok {
		return nil, ErrPageNotFound
	}
	return page, nil
}

// Unload ends a page lifetime and forgets the page.
func (r *Registry) Unload(ctx context.Context, id string) error {
	page, ok := r.pages.Peek(id)
	if !ok {
		return ErrPageNotFound
	}
	page.Unload(ctx)
	r.pages.Remove(id)
	metrics.OpenPages.Set(float64(r.pages.Len()))
	return nil
}

func (r *Registry) Len() int {
	return r.pages.Len()
}

// Close unloads every open page.
func (r *Registry) Close(ctx context.Context) {
	for _, id := range r.pages.Keys() {
		if page, ok := r.pages.Peek(id); ok {
			page.Unload(ctx)
		}
	}
	r.pages.Purge()
	metrics.OpenPages.Set(0)
}
