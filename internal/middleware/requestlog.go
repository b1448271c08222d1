package middleware

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/concert-seat-reservation/internal/metrics"
)

// RequestLog tags every request with an X-Request-ID, reusing the
// client's when it sent one, logs the outcome and counts it per route.
func RequestLog(log logrus.FieldLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			id := req.Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			c.Set(ContextRequestID, id)
			c.Response().Header().Set(echo.HeaderXRequestID, id)

			start := time.Now()
			err := next(c)
			if err != nil {
				// let the error handler write the response so the status is known
				c.Error(err)
			}
			status := c.Response().Status

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPRequests.WithLabelValues(route, req.Method, strconv.Itoa(status)).Inc()

			entry := log.WithFields(logrus.Fields{
				"request_id": id,
				"method":     req.Method,
				"route":      route,
				"status":     status,
				"latency_ms": time.Since(start).Milliseconds(),
			})
			if uid := UserID(c); uid != 0 {
				entry = entry.WithField("user_id", uid)
			}
			switch {
			case status >= 500:
				entry.WithError(err).Error("request failed")
			case status >= 400:
				entry.Warn("request rejected")
			default:
				entry.Debug("request served")
			}
			return nil
		}
	}
}
