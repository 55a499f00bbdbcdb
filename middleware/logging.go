package middleware

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Metrics is the subset of the Prometheus surface this middleware drives
// directly; package metrics implements it.
type Metrics interface {
	HTTPRequest(method, route, status string, durationSeconds float64)
}

// RequestLogging logs one line per completed request (with the request id
// bound in, per RequestID) and records it on Metrics. The RTSP-credential
// redaction itself lives in the logger's ReplaceAttr pipeline
// (logging.NewWithWriter), so paths/queries that happen to embed a
// credentialed URL are still masked here for free.
func RequestLogging(logger *slog.Logger, metrics Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		reqLogger := logger
		if id := RequestIDFromGin(c); id != "" {
			reqLogger = logger.With(slog.String("request_id", id))
		}
		reqLogger.Info("http request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration_ms", duration.Milliseconds(),
			"client_ip", c.ClientIP(),
		)

		metrics.HTTPRequest(c.Request.Method, route, strconv.Itoa(status), duration.Seconds())
	}
}
