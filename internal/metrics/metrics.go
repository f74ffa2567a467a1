package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldtrack_events_ingested_total",
		Help: "Push-channel events applied to the tracking stores.",
	}, []string{"event"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldtrack_events_dropped_total",
		Help: "Push-channel events dropped before or during reconciliation.",
	}, []string{"reason"})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldtrack_channel_reconnects_total",
		Help: "Reconnection attempts scheduled by the supervisor.",
	})

	ChannelState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fieldtrack_channel_state",
		Help: "1 for the push channel's current state, 0 otherwise.",
	}, []string{"state"})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldtrack_api_requests_total",
		Help: "REST calls to the field-operations backend by outcome.",
	}, []string{"op", "outcome"})

	OnlineWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldtrack_workers_online",
		Help: "Workers currently shown online.",
	})
)

// SetChannelState flips the state gauge so exactly one state reads 1.
func SetChannelState(current string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		ChannelState.WithLabelValues(s).Set(v)
	}
}

// Handler serves the default prometheus registry.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
