package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// routeLabel keeps metric cardinality bounded: the registered route
// template, never the raw path.
func routeLabel(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return "unmatched"
}

func upgraded(c *gin.Context) bool {
	return c.Writer.Status() == http.StatusSwitchingProtocols ||
		strings.EqualFold(c.Request.Header.Get("Upgrade"), "websocket")
}

// RequestLogger logs one line per request. Websocket carriers are logged
// when the connection ends, with the connection lifetime as duration.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Debug()
		switch {
		case upgraded(c):
			event = logger.Info().Bool("websocket", true)
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("route", routeLabel(c)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// RequestMetricsMiddleware records request counts and latency per route.
// Upgraded connections are skipped since their duration is a session
// lifetime, not a latency.
func RequestMetricsMiddleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if upgraded(c) {
			return
		}
		RecordHTTPRequest(service, c.Request.Method, routeLabel(c), c.Writer.Status(), time.Since(start))
	}
}
