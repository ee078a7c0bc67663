package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Suphian/suphian.com-sub001/internal/location"
	"github.com/Suphian/suphian.com-sub001/internal/metadata"
	"github.com/Suphian/suphian.com-sub001/internal/metrics"
	"github.com/Suphian/suphian.com-sub001/internal/storage"
)

const defaultDispatchTimeout = 2 * time.Second

type Options struct {
	SessionID        string
	Environment      metadata.Environment
	Binding          Binding
	Store            storage.Store
	Scheduler        Scheduler
	Location         *location.Cache
	DevelopmentHosts []string
	Internal         bool
	DispatchTimeout  time.Duration
}

// Tracker enriches events for one page and forwards them to the analytics
// binding and the event store. Metadata and location are collected once and
// reused for every event of the page.
type Tracker struct {
	sessionID       string
	env             metadata.Environment
	binding         Binding
	store           storage.Store
	scheduler       Scheduler
	location        *location.Cache
	devHosts        []string
	internal        bool
	dispatchTimeout time.Duration
	now             func() time.Time

	mdOnce  sync.Once
	md      *metadata.VisitorMetadata
	traffic TrafficType
}

func New(opts Options) *Tracker {
	timeout := opts.DispatchTimeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	return &Tracker{
		sessionID:       opts.SessionID,
		env:             opts.Environment,
		binding:         opts.Binding,
		store:           opts.Store,
		scheduler:       opts.Scheduler,
		location:        opts.Location,
		devHosts:        opts.DevelopmentHosts,
		internal:        opts.Internal,
		dispatchTimeout: timeout,
		now:             time.Now,
	}
}

func (t *Tracker) SessionID() string {
	return t.sessionID
}

// Metadata returns the visitor metadata of the page, collecting it on first use.
func (t *Tracker) Metadata() *metadata.VisitorMetadata {
	t.mdOnce.Do(func() {
		md := metadata.Collect(t.env)
		t.md = &md
		t.traffic = ClassifyTraffic(md.DeviceType, md.LandingURL, t.devHosts, t.internal)
	})
	return t.md
}

func (t *Tracker) TrafficType() TrafficType {
	t.Metadata()
	return t.traffic
}

// Track records an event. It never fails from the caller's point of view;
// problems are logged at debug level and dropped.
func (t *Tracker) Track(ctx context.Context, eventName string, eventData map[string]interface{}, opts ...Option) {
	if _, err := t.track(ctx, eventName, eventData, opts...); err != nil {
		if errors.Is(err, ErrBindingUnavailable) {
			return
		}
		log.Debug().
			Err(err).
			Str("event", eventName).
			Str("session_id", t.sessionID).
			Msg("Tracking failed")
	}
}

func (t *Tracker) track(ctx context.Context, eventName string, eventData map[string]interface{}, opts ...Option) (TrackedEvent, error) {
	if t.binding == nil || !t.binding.Available() {
		return TrackedEvent{}, ErrBindingUnavailable
	}

	var o trackOptions
	for _, opt := range opts {
		opt(&o)
	}

	event := t.enrich(ctx, eventName, eventData, o)

	if o.beacon {
		// Beacon events are delivered before returning so they are not lost
		// when the page goes away right after.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.dispatchTimeout)
		defer cancel()
		return event, t.deliver(dctx, event, metrics.TransportBeacon)
	}

	if t.scheduler != nil && t.scheduler.Schedule(func(jctx context.Context) {
		if err := t.deliver(jctx, event, metrics.TransportIdle); err != nil {
			log.Debug().Err(err).Str("event", event.EventName).Msg("Deferred tracking failed")
		}
	}) {
		return event, nil
	}

	dctx, cancel := context.WithTimeout(ctx, t.dispatchTimeout)
	defer cancel()
	return event, t.deliver(dctx, event, metrics.TransportDirect)
}

func (t *Tracker) enrich(ctx context.Context, eventName string, eventData map[string]interface{}, o trackOptions) TrackedEvent {
	md := t.Metadata()

	payload := md.Fields()
	if t.location != nil {
		var res location.Result
		if o.cachedLocation {
			res, _ = t.location.Peek()
		} else {
			res = t.location.Get(ctx)
		}
		if loc := res.LocationData; loc != nil {
			payload["location"] = map[string]interface{}{
				"country":  loc.Country,
				"region":   loc.Region,
				"city":     loc.City,
				"timezone": loc.Timezone,
			}
		}
	}
	for k, v := range eventData {
		payload[k] = v
	}
	// The session id keys the analytics partition and the stored row, so
	// callers cannot replace it.
	payload["session_id"] = t.sessionID
	if o.beacon {
		payload["transport_type"] = TransportBeacon
	}

	pageURL := md.LandingURL
	if u, ok := eventData["page_url"].(string); ok && u != "" {
		pageURL = u
	}

	return TrackedEvent{
		EventName:         eventName,
		EventPayload:      payload,
		SessionID:         t.sessionID,
		PageURL:           pageURL,
		Timestamp:         t.now().UTC(),
		IsInternalTraffic: t.traffic != TrafficExternal,
		TrafficType:       t.traffic,
	}
}

func (t *Tracker) deliver(ctx context.Context, event TrackedEvent, transport string) error {
	var errs []error

	if err := t.binding.Send(ctx, event.EventName, event.EventPayload); err != nil {
		metrics.EventsFailed.WithLabelValues(metrics.StageBinding).Inc()
		errs = append(errs, fmt.Errorf("send to analytics: %w", err))
	}

	if t.store != nil {
		userID, _ := event.EventPayload["user_id"].(string)
		err := t.store.InsertEvent(ctx, storage.EventRow{
			SessionID:         event.SessionID,
			EventName:         event.EventName,
			EventPayload:      event.EventPayload,
			PageURL:           event.PageURL,
			IsInternalTraffic: event.IsInternalTraffic,
			TrafficType:       string(event.TrafficType),
			UserID:            userID,
			CreatedAt:         event.Timestamp,
		})
		if err != nil {
			metrics.EventsFailed.WithLabelValues(metrics.StageStore).Inc()
			errs = append(errs, fmt.Errorf("store event: %w", err))
		}
	}

	if len(errs) == 0 {
		metrics.EventsDispatched.WithLabelValues(transport).Inc()
	}
	return errors.Join(errs...)
}
