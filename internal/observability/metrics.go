package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairline_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pairline_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairline_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	eventsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairline_events_sent_total",
			Help: "Total number of events delivered to clients, by event type and path.",
		},
		[]string{"event", "path"},
	)
	invitesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairline_invites_total",
			Help: "Total number of invite outcomes.",
		},
		[]string{"outcome"},
	)
	roomsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairline_rooms_ended_total",
			Help: "Total number of rooms reaching their terminal state, by reason.",
		},
		[]string{"reason"},
	)
	outboxQueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairline_outbox_queued_total",
			Help: "Total number of messages buffered while a recipient was unreachable.",
		},
	)
	outboxFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairline_outbox_flushed_total",
			Help: "Total number of buffered messages delivered on reconnect.",
		},
	)
	poolMembershipChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairline_pool_membership_changes_total",
			Help: "Total number of presence pool joins and leaves.",
		},
		[]string{"action", "cause"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		eventsSentTotal,
		invitesTotal,
		roomsEndedTotal,
		outboxQueuedTotal,
		outboxFlushedTotal,
		poolMembershipChanges,
	)
}

// HTTPMetricsMiddleware records request counts and latencies per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// MetricsHandler serves the prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func IncWSActive()                     { wsActiveConnections.Inc() }
func DecWSActive()                     { wsActiveConnections.Dec() }
func IncEventSent(event, path string)  { eventsSentTotal.WithLabelValues(event, path).Inc() }
func IncInvite(outcome string)         { invitesTotal.WithLabelValues(outcome).Inc() }
func IncRoomEnded(reason string)       { roomsEndedTotal.WithLabelValues(reason).Inc() }
func IncOutboxQueued()                 { outboxQueuedTotal.Inc() }
func IncOutboxFlushed()                { outboxFlushedTotal.Inc() }
func IncPoolChange(action, cause string) {
	poolMembershipChanges.WithLabelValues(action, cause).Inc()
}
