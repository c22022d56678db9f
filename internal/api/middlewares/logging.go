package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingMiddleware logs every outbound request with its request id.
func LoggingMiddleware(logger *logrus.Logger) Middleware {
	return func(next Doer) Doer {
		return func(req *http.Request) (*http.Response, error) {
			start := time.Now()

			resp, err := next(req)

			fields := logrus.Fields{
				"request_id": RequestIDFromContext(req.Context()),
				"method":     req.Method,
				"path":       req.URL.Path,
				"duration":   time.Since(start).String(),
			}
			if resp != nil {
				fields["status"] = resp.StatusCode
			}
			if err != nil {
				logger.WithFields(fields).WithError(err).Warn("Request failed")
			} else {
				logger.WithFields(fields).Debug("Request completed")
			}

			return resp, err
		}
	}
}
