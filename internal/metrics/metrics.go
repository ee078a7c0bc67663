package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsDispatched counts events handed to the sinks, by transport.
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_events_dispatched_total",
		Help: "Tracked events dispatched to the analytics sinks.",
	}, []string{"transport"})

	// EventsFailed counts swallowed tracking failures, by pipeline stage.
	EventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_events_failed_total",
		Help: "Tracking failures swallowed at the public boundary.",
	}, []string{"stage"})

	LocationLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_location_lookups_total",
		Help: "Outbound visitor location lookups.",
	}, []string{"result"})

	OpenPages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_open_pages",
		Help: "Pages currently held in the page registry.",
	})
)

const (
	TransportBeacon = "beacon"
	TransportIdle   = "idle"
	TransportDirect = "direct"

	StageBinding  = "binding"
	StageStore    = "store"
	StageSecurity = "security"
)
