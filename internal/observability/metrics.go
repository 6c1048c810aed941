package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clrtrace",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served by the collector, by route template.",
		},
		[]string{"service", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clrtrace",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "route", "status"},
	)

	agentEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clrtrace",
			Subsystem: "agent",
			Name:      "events_total",
			Help:      "Notification events offered to the telemetry queue, by outcome.",
		},
		[]string{"kind", "outcome"},
	)
	agentHandlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clrtrace",
			Subsystem: "agent",
			Name:      "handler_failures_total",
			Help:      "Notifications whose handler returned an error.",
		},
		[]string{"op"},
	)
	agentMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clrtrace",
			Subsystem: "agent",
			Name:      "messages_total",
			Help:      "Collector messages sent by the session, by outcome.",
		},
		[]string{"type", "outcome"},
	)
	agentConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clrtrace",
			Subsystem: "agent",
			Name:      "connect_attempts_total",
			Help:      "Collector dial and handshake attempts.",
		},
		[]string{"result"},
	)
	agentSessionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clrtrace",
			Subsystem: "agent",
			Name:      "session_state",
			Help:      "Session state: 0 pending, 1 running, 2 stopped.",
		},
	)

	collectorSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clrtrace",
			Subsystem: "collector",
			Name:      "sessions_total",
			Help:      "Session start requests, by transport and result.",
		},
		[]string{"transport", "result"},
	)
	collectorActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clrtrace",
			Subsystem: "collector",
			Name:      "active_sessions",
			Help:      "Sessions started and not yet finished.",
		},
	)
	collectorMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clrtrace",
			Subsystem: "collector",
			Name:      "messages_total",
			Help:      "Requests received by the collector, by transport, type and ack.",
		},
		[]string{"transport", "type", "ok"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			agentEvents,
			agentHandlerFailures,
			agentMessages,
			agentConnectAttempts,
			agentSessionState,
			collectorSessions,
			collectorActive,
			collectorMessages,
		)
	})
}

func RecordHTTPRequest(service, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, route, statusLabel).Observe(duration.Seconds())
}

// Event outcomes.
const (
	EventQueued  = "queued"
	EventDropped = "dropped"
	EventClosed  = "closed"
)

func RecordEvent(kind, outcome string) {
	RegisterMetrics()
	agentEvents.WithLabelValues(kind, outcome).Inc()
}

func RecordHandlerFailure(op string) {
	RegisterMetrics()
	agentHandlerFailures.WithLabelValues(op).Inc()
}

func RecordMessage(msgType string, ok bool) {
	RegisterMetrics()
	outcome := "sent"
	if !ok {
		outcome = "failed"
	}
	agentMessages.WithLabelValues(msgType, outcome).Inc()
}

func RecordConnectAttempt(result string) {
	RegisterMetrics()
	agentConnectAttempts.WithLabelValues(result).Inc()
}

func SetSessionState(state int) {
	RegisterMetrics()
	agentSessionState.Set(float64(state))
}

func RecordCollectorSession(transport string, accepted bool) {
	RegisterMetrics()
	result := "accepted"
	if !accepted {
		result = "rejected"
	} else {
		collectorActive.Inc()
	}
	collectorSessions.WithLabelValues(transport, result).Inc()
}

func RecordCollectorFinish() {
	RegisterMetrics()
	collectorActive.Dec()
}

func RecordCollectorMessage(transport, msgType string, ok bool) {
	RegisterMetrics()
	collectorMessages.WithLabelValues(transport, msgType, strconv.FormatBool(ok)).Inc()
}
