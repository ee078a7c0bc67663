package tracker

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/Suphian/suphian.com-sub001/internal/metadata"
)

// TransportBeacon marks events that must survive the page going away.
const TransportBeacon = "beacon"

var ErrBindingUnavailable = errors.New("analytics binding unavailable")

// Binding is the outbound analytics call. A binding that is not loaded
// reports Available() == false and tracking becomes a no-op.
type Binding interface {
	Available() bool
	Send(ctx context.Context, eventName string, payload map[string]interface{}) error
}

type TrafficType string

const (
	TrafficExternal    TrafficType = "external"
	TrafficInternal    TrafficType = "internal"
	TrafficDevelopment TrafficType = "development"
	TrafficBot         TrafficType = "bot"
)

// TrackedEvent is built once per Track call and never modified afterwards.
type TrackedEvent struct {
	EventName         string                 `json:"event_name"`
	EventPayload      map[string]interface{} `json:"event_payload"`
	SessionID         string                 `json:"session_id"`
	PageURL           string                 `json:"page_url"`
	Timestamp         time.Time              `json:"timestamp"`
	IsInternalTraffic bool                   `json:"is_internal_traffic"`
	TrafficType       TrafficType            `json:"traffic_type"`
}

// Dispatcher is handed to UI-facing code in place of a global trackEvent.
type Dispatcher interface {
	Track(ctx context.Context, eventName string, eventData map[string]interface{}, opts ...Option)
}

type trackOptions struct {
	beacon         bool
	cachedLocation bool
}

type Option func(*trackOptions)

// WithBeacon sends the event on the unload-safe path.
func WithBeacon() Option {
	return func(o *trackOptions) {
		o.beacon = true
	}
}

// WithCachedLocation attaches the page location only if it is already
// resolved; no lookup is started.
func WithCachedLocation() Option {
	return func(o *trackOptions) {
		o.cachedLocation = true
	}
}

// ClassifyTraffic decides the traffic type of a page from what is known when
// it opens.
func ClassifyTraffic(deviceType, landingURL string, developmentHosts []string, internal bool) TrafficType {
	if deviceType == metadata.DeviceBot {
		return TrafficBot
	}

	u, err := url.Parse(landingURL)
	if err == nil {
		host := u.Hostname()
		for _, h := range developmentHosts {
			if strings.EqualFold(host, h) {
				return TrafficDevelopment
			}
		}
		if v := u.Query().Get("internal"); v == "1" || v == "true" {
			internal = true
		}
	}

	if internal {
		return TrafficInternal
	}
	return TrafficExternal
}
