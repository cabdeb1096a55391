package server

import (
	stdliberrors "errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "deckhand",
		Name:      "streams_active_total",
		Help:      "Number of streaming requests currently running.",
	})
	metricStreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deckhand",
		Name:      "stream_requests_total",
		Help:      "Streaming requests accepted, by kind.",
	}, []string{"kind"})
	metricCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deckhand",
		Name:      "requests_cancelled_total",
		Help:      "Requests cancelled through the cancel endpoint.",
	})
	metricDevicesRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deckhand",
		Name:      "devices_registered_total",
		Help:      "Device registrations accepted.",
	})
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(r); !ok {
		respondError(w, http.StatusUnauthorized, stdliberrors.New("unauthorized"))
		return
	}
	promhttp.Handler().ServeHTTP(w, r)
}
