package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Suphian/suphian.com-sub001/internal/config"
	"github.com/Suphian/suphian.com-sub001/internal/security"
	"github.com/Suphian/suphian.com-sub001/internal/session"
	"github.com/Suphian/suphian.com-sub001/internal/storage"
	"github.com/Suphian/suphian.com-sub001/internal/validation"
)

type sentEvent struct {
	name    string
	payload map[string]interface{}
}

type recordingBinding struct {
	mu     sync.Mutex
	events []sentEvent
}

func (b *recordingBinding) Available() bool { return true }

func (b *recordingBinding) Send(ctx context.Context, eventName string, payload map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sentEvent{name: eventName, payload: payload})
	return nil
}

func (b *recordingBinding) all() []sentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentEvent(nil), b.events...)
}

type memStore struct {
	mu   sync.Mutex
	rows []storage.EventRow
}

func (m *memStore) InsertEvent(ctx context.Context, row storage.EventRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
	return nil
}

func (m *memStore) RecentEvents(ctx context.Context, userID string, since time.Time) ([]storage.EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.EventRow
	for _, r := range m.rows {
		if r.UserID == userID && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

type testServer struct {
	handler http.Handler
	binding *recordingBinding
	store   *memStore
	pages   *session.Registry
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	binding := &recordingBinding{}
	store := &memStore{}
	pages, err := session.NewRegistry(16, session.Deps{
		Binding:          binding,
		Store:            store,
		DevelopmentHosts: []string{"localhost"},
		SectionThreshold: 0.3,
	})
	require.NoError(t, err)

	v := validation.NewValidator(cfg)
	t.Cleanup(v.Close)

	h := NewHTTPHandler(pages, v, security.NewLogger(store))
	return &testServer{handler: h.Routes(), binding: binding, store: store, pages: pages}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.RemoteAddr = "203.0.113.50:41234"
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) openPage(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/pages", map[string]interface{}{
		"landing_url":  "https://suphian.com/",
		"locale":       "en-GB",
		"screen_width": 1920,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp OpenPageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "external", resp.TrafficType)
	return resp.SessionID
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, &config.Config{})
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestTrackEvent(t *testing.T) {
	s := newTestServer(t, &config.Config{})
	id := s.openPage(t)

	rec := s.do(t, http.MethodPost, "/v1/pages/"+id+"/events", TrackEventRequest{
		EventName: "hero_cta_click",
		EventData: map[string]interface{}{"label": "Download CV"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	events := s.binding.all()
	require.Len(t, events, 1)
	p := events[0].payload
	assert.Equal(t, "hero_cta_click", events[0].name)
	assert.Equal(t, "Download CV", p["label"])
	assert.Equal(t, "en-GB", p["locale"])
	assert.Contains(t, p["user_agent"], "Chrome/120")
	assert.Equal(t, 1920, p["screen_width"])
	assert.Equal(t, id, p["session_id"])

	require.Len(t, s.store.rows, 1)
	assert.Equal(t, id, s.store.rows[0].SessionID)
}

func TestTrackEvent_Beacon(t *testing.T) {
	s := newTestServer(t, &config.Config{})
	id := s.openPage(t)

	rec := s.do(t, http.MethodPost, "/v1/pages/"+id+"/events", TrackEventRequest{
		EventName: "outbound_link",
		UseBeacon: true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	events := s.binding.all()
	require.Len(t, events, 1)
	assert.Equal(t, "beacon", events[0].payload["transport_type"])
}

func TestTrackEvent_Rejections(t *testing.T) {
	s := newTestServer(t, &config.Config{})
	id := s.openPage(t)

	rec := s.do(t, http.MethodPost, "/v1/pages/"+id+"/events", TrackEventRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/pages/unknown/events", TrackEventRequest{EventName: "page_view"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/pages/"+id+"/events", bytes.NewBufferString("{not json"))
	bad := httptest.NewRecorder()
	s.handler.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	assert.Empty(t, s.binding.all())
}

func TestTrackEvent_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestServer(t, &config.Config{
		Redis:     config.RedisConfig{Addr: mr.Addr()},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 2},
	})
	id := s.openPage(t)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := s.do(t, http.MethodPost, "/v1/pages/"+id+"/events", TrackEventRequest{EventName: "nav_click"})
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)
	assert.Len(t, s.binding.all(), 2)
}

func TestSectionsAndIntersections(t *testing.T) {
	s := newTestServer(t, &config.Config{})
	id := s.openPage(t)

	rec := s.do(t, http.MethodPost, "/v1/pages/"+id+"/sections", map[string]interface{}{
		"sections": []map[string]interface{}{
			{"name": "case-studies"},
			{"name": "podcast", "threshold": 0.5},
			{"name": ""},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	observe := func(body map[string]interface{}) []string {
		rec := s.do(t, http.MethodPost, "/v1/pages/"+id+"/intersections", body)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp IntersectionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp.Viewed
	}

	viewed := observe(map[string]interface{}{
		"intersections": []map[string]interface{}{
			{"name": "case-studies", "ratio": 0.35, "direction": "down"},
			{"name": "podcast", "ratio": 0.4},
		},
	})
	assert.Equal(t, []string{"case-studies"}, viewed)

	viewed = observe(map[string]interface{}{
		"intersections": []map[string]interface{}{
			{"name": "case-studies", "ratio": 0.1},
			{"name": "case-studies", "ratio": 0.9},
			{"name": "podcast", "ratio": 0.5},
		},
	})
	assert.Equal(t, []string{"podcast"}, viewed)

	events := s.binding.all()
	require.Len(t, events, 2)
	assert.Equal(t, "section_viewed", events[0].name)
	assert.Equal(t, "down", events[0].payload["scroll_direction"])
}

func TestUnload(t *testing.T) {
	s := newTestServer(t, &config.Config{})
	id := s.openPage(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/pages/"+id+"/unload", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	events := s.binding.all()
	require.Len(t, events, 1)
	assert.Equal(t, session.EventPageUnload, events[0].name)
	assert.Equal(t, "beacon", events[0].payload["transport_type"])

	rec = s.do(t, http.MethodPost, "/v1/pages/"+id+"/unload", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSecurityEndpoints(t *testing.T) {
	s := newTestServer(t, &config.Config{})

	rec := s.do(t, http.MethodPost, "/v1/security/events", SecurityEventRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	check := func() bool {
		rec := s.do(t, http.MethodGet, "/v1/security/users/user-1/suspicious", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp SuspiciousActivityResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "user-1", resp.UserID)
		return resp.Suspicious
	}

	for i := 0; i < 4; i++ {
		rec := s.do(t, http.MethodPost, "/v1/security/events", SecurityEventRequest{
			EventType:  "login_failed",
			UserID:     "user-1",
			URL:        "https://suphian.com/login",
			Suspicious: true,
			Details:    map[string]interface{}{"attempt": i},
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
		if i == 2 {
			assert.False(t, check(), "three flagged events are not enough")
		}
	}
	assert.True(t, check())

	row := s.store.rows[0]
	assert.Equal(t, "security_login_failed", row.EventName)
	assert.Equal(t, security.HashIP("203.0.113.50", row.CreatedAt), row.EventPayload["ip_hash"])
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	assert.Equal(t, "198.51.100.7", clientIP(req))

	req.Header.Set("X-Real-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, &config.Config{})
	req := httptest.NewRequest(http.MethodOptions, "/v1/pages", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityEvent_CarriesPageTrafficType(t *testing.T) {
	s := newTestServer(t, &config.Config{})

	rec := s.do(t, http.MethodPost, "/v1/pages", map[string]interface{}{
		"landing_url": "http://localhost:3000/",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var page OpenPageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, "development", page.TrafficType)

	rec = s.do(t, http.MethodPost, "/v1/security/events", SecurityEventRequest{
		EventType: "login_failed",
		SessionID: page.SessionID,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/security/events", SecurityEventRequest{
		EventType: "login_failed",
		SessionID: "closed-page",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, s.store.rows, 2)
	assert.Equal(t, "development", s.store.rows[0].TrafficType)
	assert.True(t, s.store.rows[0].IsInternalTraffic)
	assert.Equal(t, "external", s.store.rows[1].TrafficType)
	assert.False(t, s.store.rows[1].IsInternalTraffic)
}
