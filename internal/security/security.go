package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Suphian/suphian.com-sub001/internal/metrics"
	"github.com/Suphian/suphian.com-sub001/internal/storage"
)

const (
	// EventPrefix starts the event_name of every security row; the event
	// type follows it.
	EventPrefix = "security_"

	EventSuspiciousActivity = "suspicious_activity_detected"

	// SuspiciousThreshold is the number of flagged events in Window above
	// which a user is reported.
	SuspiciousThreshold = 3
	Window              = time.Hour

	trafficExternal = "external"
)

// EventName is the event_name stored for a security event of eventType.
func EventName(eventType string) string {
	return EventPrefix + eventType
}

// Details describes one security-relevant action and where it came from.
type Details struct {
	UserID     string                 `json:"user_id,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	URL        string                 `json:"url,omitempty"`
	Suspicious bool                   `json:"suspicious,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`

	// TrafficType is the classification of the page the event came from.
	// Empty means external.
	TrafficType string `json:"traffic_type,omitempty"`
}

// HashIP returns a short daily-rotating digest of ip. The same address hashes
// the same way for the whole UTC day and differently the next day.
func HashIP(ip string, now time.Time) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip + now.UTC().Format("Mon Jan 02 2006")))
	return hex.EncodeToString(sum[:])[:8]
}

// Logger writes audit events to the shared event store.
type Logger struct {
	store storage.Store
	now   func() time.Time
}

func NewLogger(store storage.Store) *Logger {
	return &Logger{store: store, now: time.Now}
}

// LogSecurityEvent records an event; failures are only logged.
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, details Details) {
	if err := l.logSecurityEvent(ctx, eventType, details); err != nil {
		metrics.EventsFailed.WithLabelValues(metrics.StageSecurity).Inc()
		log.Debug().Err(err).Str("event_type", eventType).Msg("Failed to log security event")
	}
}

func (l *Logger) logSecurityEvent(ctx context.Context, eventType string, details Details) error {
	if l.store == nil {
		return fmt.Errorf("no event store configured")
	}
	now := l.now().UTC()

	payload := make(map[string]interface{}, len(details.Fields)+6)
	for k, v := range details.Fields {
		payload[k] = v
	}
	payload["event_type"] = eventType
	payload["timestamp"] = now.Format(time.RFC3339Nano)
	payload["user_agent"] = details.UserAgent
	payload["url"] = details.URL
	payload["ip_hash"] = HashIP(details.IPAddress, now)
	payload["suspicious"] = details.Suspicious

	traffic := details.TrafficType
	if traffic == "" {
		traffic = trafficExternal
	}

	return l.store.InsertEvent(ctx, storage.EventRow{
		SessionID:         details.SessionID,
		EventName:         EventName(eventType),
		EventPayload:      payload,
		PageURL:           details.URL,
		IsInternalTraffic: traffic != trafficExternal,
		TrafficType:       traffic,
		UserID:            details.UserID,
		CreatedAt:         now,
	})
}

// DetectSuspiciousActivity counts the user's flagged security events in the
// trailing hour and reports the user when there are more than
// SuspiciousThreshold of them.
func (l *Logger) DetectSuspiciousActivity(ctx context.Context, userID string) bool {
	count, err := l.countSuspicious(ctx, userID)
	if err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("Suspicious activity check failed")
		return false
	}
	if count <= SuspiciousThreshold {
		return false
	}

	log.Warn().Str("user_id", userID).Int("count", count).Msg("Suspicious activity detected")
	l.LogSecurityEvent(ctx, EventSuspiciousActivity, Details{
		UserID: userID,
		Fields: map[string]interface{}{
			"suspicious_count": count,
			"window_minutes":   int(Window / time.Minute),
		},
	})
	return true
}

func (l *Logger) countSuspicious(ctx context.Context, userID string) (int, error) {
	if l.store == nil {
		return 0, fmt.Errorf("no event store configured")
	}
	since := l.now().UTC().Add(-Window)
	events, err := l.store.RecentEvents(ctx, userID, since)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, e := range events {
		if !strings.HasPrefix(e.EventName, EventPrefix) || e.CreatedAt.Before(since) {
			continue
		}
		if flagged, _ := e.EventPayload["suspicious"].(bool); flagged {
			count++
		}
	}
	return count, nil
}
