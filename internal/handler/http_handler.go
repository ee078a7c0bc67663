package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/Suphian/suphian.com-sub001/internal/metadata"
	"github.com/Suphian/suphian.com-sub001/internal/sections"
	"github.com/Suphian/suphian.com-sub001/internal/security"
	"github.com/Suphian/suphian.com-sub001/internal/session"
	"github.com/Suphian/suphian.com-sub001/internal/tracker"
	"github.com/Suphian/suphian.com-sub001/internal/validation"
)

const maxBodyBytes = 64 << 10

type HTTPHandler struct {
	pages     *session.Registry
	validator *validation.Validator
	security  *security.Logger
}

func NewHTTPHandler(pages *session.Registry, v *validation.Validator, s *security.Logger) *HTTPHandler {
	return &HTTPHandler{
		pages:     pages,
		validator: v,
		security:  s,
	}
}

// Routes mounts the tracking API on a chi router.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(CORSMiddleware)

	r.Get("/health", HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/pages", h.HandleOpenPage)
		r.Route("/pages/{sessionID}", func(r chi.Router) {
			r.Post("/events", h.HandleTrackEvent)
			r.Post("/sections", h.HandleRegisterSections)
			r.Post("/intersections", h.HandleIntersections)
			r.Post("/unload", h.HandleUnload)
		})
		r.Post("/security/events", h.HandleSecurityEvent)
		r.Get("/security/users/{userID}/suspicious", h.HandleSuspiciousActivity)
	})

	return r
}

type OpenPageRequest struct {
	metadata.Static
	Internal bool `json:"internal"`
}

type OpenPageResponse struct {
	SessionID   string `json:"session_id"`
	TrafficType string `json:"traffic_type"`
}

func (h *HTTPHandler) HandleOpenPage(w http.ResponseWriter, r *http.Request) {
	var req OpenPageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UA == "" {
		req.UA = r.Header.Get("User-Agent")
	}
	if req.Referer == "" {
		req.Referer = r.Header.Get("Referer")
	}

	page := h.pages.Open(req.Static, clientIP(r), req.Internal)

	writeJSON(w, http.StatusCreated, OpenPageResponse{
		SessionID:   page.ID,
		TrafficType: string(page.Tracker.TrafficType()),
	})
}

type TrackEventRequest struct {
	EventName string                 `json:"event_name"`
	EventData map[string]interface{} `json:"event_data"`
	UseBeacon bool                   `json:"use_beacon"`
}

type Response struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors,omitempty"`
}

// HandleTrackEvent is the trackEvent(eventName, eventData) entrypoint for the
// site's UI components.
func (h *HTTPHandler) HandleTrackEvent(w http.ResponseWriter, r *http.Request) {
	var req TrackEventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateEvent(req.EventName, req.EventData); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Errors: []string{err.Error()}})
		return
	}

	page, ok := h.page(w, r)
	if !ok {
		return
	}

	// Rate limiting
	if !h.validator.CheckRateLimit(r.Context(), page.ID) {
		writeJSON(w, http.StatusTooManyRequests, Response{Errors: []string{"Rate limit exceeded"}})
		return
	}

	var opts []tracker.Option
	if req.UseBeacon {
		opts = append(opts, tracker.WithBeacon())
	}
	page.Tracker.Track(r.Context(), req.EventName, req.EventData, opts...)

	writeJSON(w, http.StatusAccepted, Response{Success: true})
}

type SectionRequest struct {
	Sections []struct {
		Name      string  `json:"name"`
		Threshold float64 `json:"threshold"`
	} `json:"sections"`
}

func (h *HTTPHandler) HandleRegisterSections(w http.ResponseWriter, r *http.Request) {
	var req SectionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	page, ok := h.page(w, r)
	if !ok {
		return
	}

	for _, s := range req.Sections {
		if s.Name == "" {
			continue
		}
		page.Sections.Register(s.Name, s.Threshold)
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

type IntersectionRequest struct {
	Intersections []sections.Intersection `json:"intersections"`
}

type IntersectionResponse struct {
	Viewed []string `json:"viewed"`
}

func (h *HTTPHandler) HandleIntersections(w http.ResponseWriter, r *http.Request) {
	var req IntersectionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	page, ok := h.page(w, r)
	if !ok {
		return
	}

	viewed := []string{}
	for _, in := range req.Intersections {
		if page.Sections.Observe(r.Context(), in) {
			viewed = append(viewed, in.Name)
		}
	}
	writeJSON(w, http.StatusOK, IntersectionResponse{Viewed: viewed})
}

func (h *HTTPHandler) HandleUnload(w http.ResponseWriter, r *http.Request) {
	err := h.pages.Unload(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, session.ErrPageNotFound) {
		writeJSON(w, http.StatusNotFound, Response{Errors: []string{err.Error()}})
		return
	}
	writeJSON(w, http.StatusAccepted, Response{Success: true})
}

type SecurityEventRequest struct {
	EventType  string                 `json:"event_type"`
	UserID     string                 `json:"user_id"`
	SessionID  string                 `json:"session_id"`
	URL        string                 `json:"url"`
	Suspicious bool                   `json:"suspicious"`
	Details    map[string]interface{} `json:"details"`
}

func (h *HTTPHandler) HandleSecurityEvent(w http.ResponseWriter, r *http.Request) {
	var req SecurityEventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EventType == "" {
		writeJSON(w, http.StatusBadRequest, Response{Errors: []string{"event_type is required"}})
		return
	}

	details := security.Details{
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		IPAddress:  clientIP(r),
		UserAgent:  r.Header.Get("User-Agent"),
		URL:        req.URL,
		Suspicious: req.Suspicious,
		Fields:     req.Details,
	}
	if req.SessionID != "" {
		if page, err := h.pages.Get(req.SessionID); err == nil {
			details.TrafficType = string(page.Tracker.TrafficType())
		}
	}
	h.security.LogSecurityEvent(r.Context(), req.EventType, details)
	writeJSON(w, http.StatusAccepted, Response{Success: true})
}

type SuspiciousActivityResponse struct {
	UserID     string `json:"user_id"`
	Suspicious bool   `json:"suspicious"`
}

func (h *HTTPHandler) HandleSuspiciousActivity(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	writeJSON(w, http.StatusOK, SuspiciousActivityResponse{
		UserID:     userID,
		Suspicious: h.security.DetectSuspiciousActivity(r.Context(), userID),
	})
}

func (h *HTTPHandler) page(w http.ResponseWriter, r *http.Request) (*session.Page, bool) {
	page, err := h.pages.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, Response{Errors: []string{err.Error()}})
		return nil, false
	}
	return page, true
}

// decodeBody accepts an empty body as the zero request; beacons often send
// nothing.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

// clientIP prefers the proxy headers, then the connection address.
func clientIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-IP")
	if ip == "" {
		ip = strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-For"), ",")[0])
	}
	if ip == "" {
		ip = r.RemoteAddr
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
