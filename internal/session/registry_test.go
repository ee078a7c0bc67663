package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Suphian/suphian.com-sub001/internal/location"
	"github.com/Suphian/suphian.com-sub001/internal/metadata"
	"github.com/Suphian/suphian.com-sub001/internal/metrics"
	"github.com/Suphian/suphian.com-sub001/internal/sections"
)

type sent struct {
	name    string
	payload map[string]interface{}
}

type recordingBinding struct {
	mu     sync.Mutex
	events []sent
}

func (b *recordingBinding) Available() bool { return true }

func (b *recordingBinding) Send(ctx context.Context, eventName string, payload map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sent{name: eventName, payload: payload})
	return nil
}

func (b *recordingBinding) named(name string) []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sent
	for _, e := range b.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

type ipResolver struct {
	calls atomic.Int32
}

func (r *ipResolver) FetchLocationData(ctx context.Context) location.Result {
	r.calls.Add(1)
	return location.Result{LocationData: &location.LocationData{Country: "Ireland"}}
}

func newRegistry(t *testing.T, size int, binding *recordingBinding) (*Registry, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var ips []string
	reg, err := NewRegistry(size, Deps{
		Binding: binding,
		Resolver: func(clientIP string) location.Resolver {
			mu.Lock()
			ips = append(ips, clientIP)
			mu.Unlock()
			return &ipResolver{}
		},
		DevelopmentHosts: []string{"localhost"},
		SectionThreshold: 0.3,
	})
	require.NoError(t, err)
	return reg, &ips
}

func env() metadata.Static {
	return metadata.Static{UA: "Mozilla/5.0", URL: "https://suphian.com/", Language: "en-US"}
}

func TestRegistry_OpenAndGet(t *testing.T) {
	binding := &recordingBinding{}
	reg, ips := newRegistry(t, 10, binding)

	a := reg.Open(env(), "203.0.113.1", false)
	b := reg.Open(env(), "203.0.113.2", false)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ID, a.Tracker.SessionID())
	assert.NotSame(t, a.Tracker.Metadata(), b.Tracker.Metadata(), "each page gets its own metadata cache")
	assert.Equal(t, []string{"203.0.113.1", "203.0.113.2"}, *ips)
	assert.Equal(t, 2, reg.Len())

	got, err := reg.Get(a.ID)
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrPageNotFound)
}

func TestRegistry_Unload(t *testing.T) {
	binding := &recordingBinding{}
	reg, _ := newRegistry(t, 10, binding)

	page := reg.Open(env(), "", false)
	page.Sections.Register("hero", 0)

	require.NoError(t, reg.Unload(context.Background(), page.ID))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.OpenPages))
	assert.ErrorIs(t, reg.Unload(context.Background(), page.ID), ErrPageNotFound)
	page.Unload(context.Background())

	unloads := binding.named(EventPageUnload)
	require.Len(t, unloads, 1, "page_unload fires once per page")
	assert.Equal(t, "beacon", unloads[0].payload["transport_type"])
	assert.Contains(t, unloads[0].payload, "time_on_page_ms")

	select {
	case <-page.Done():
	default:
		t.Fatal("page should be marked unloaded")
	}

	assert.False(t, page.Sections.Observe(context.Background(), sections.Intersection{Name: "hero", Ratio: 1}))
	_, err := reg.Get(page.ID)
	assert.ErrorIs(t, err, ErrPageNotFound)
}

func TestRegistry_EvictionUnloadsPage(t *testing.T) {
	binding := &recordingBinding{}
	reg, _ := newRegistry(t, 1, binding)

	first := reg.Open(env(), "", false)
	reg.Open(env(), "", false)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("evicted page was not unloaded")
	}
	assert.Equal(t, 1, reg.Len())
	assert.Len(t, binding.named(EventPageUnload), 1)
}

func TestRegistry_Close(t *testing.T) {
	binding := &recordingBinding{}
	reg, _ := newRegistry(t, 10, binding)

	pages := []*Page{
		reg.Open(env(), "", false),
		reg.Open(env(), "", false),
		reg.Open(env(), "", false),
	}
	reg.Close(context.Background())

	assert.Zero(t, reg.Len())
	for _, p := range pages {
		<-p.Done()
	}
	assert.Len(t, binding.named(EventPageUnload), 3)
}

func TestPage_SectionsTrackThroughPageTracker(t *testing.T) {
	binding := &recordingBinding{}
	reg, _ := newRegistry(t, 10, binding)

	page := reg.Open(env(), "198.51.100.1", false)
	page.Sections.Register("podcast", 0)
	page.Sections.Observe(context.Background(), sections.Intersection{Name: "podcast", Ratio: 0.4})
	page.Sections.Observe(context.Background(), sections.Intersection{Name: "podcast", Ratio: 0.9})

	viewed := binding.named(sections.EventSectionViewed)
	require.Len(t, viewed, 1)
	assert.Equal(t, page.ID, viewed[0].payload["session_id"])
	assert.Equal(t, 40, viewed[0].payload["visibility_percentage"])
	loc, ok := viewed[0].payload["location"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Ireland", loc["country"])
}

func TestNewRegistry_InvalidSize(t *testing.T) {
	_, err := NewRegistry(0, Deps{})
	assert.Error(t, err)
}

func TestRegistry_UnloadUsesOnlyCachedLocation(t *testing.T) {
	binding := &recordingBinding{}
	resolver := &ipResolver{}
	reg, err := NewRegistry(1, Deps{
		Binding:  binding,
		Resolver: func(string) location.Resolver { return resolver },
	})
	require.NoError(t, err)

	first := reg.Open(env(), "203.0.113.1", false)
	second := reg.Open(env(), "203.0.113.2", false)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("evicted page was not unloaded")
	}
	assert.Zero(t, resolver.calls.Load(), "unloading a page never starts a lookup")

	second.Tracker.Track(context.Background(), "nav_click", nil)
	require.NoError(t, reg.Unload(context.Background(), second.ID))
	assert.Equal(t, int32(1), resolver.calls.Load())

	unloads := binding.named(EventPageUnload)
	require.Len(t, unloads, 2)
	assert.NotContains(t, unloads[0].payload, "location")
	assert.Contains(t, unloads[1].payload, "location")
}
