package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "requestID"

// RequestIDHeader carries the locally assigned request id to the provider.
const RequestIDHeader = "X-Request-Id"

// ContextMiddleware assigns every outbound request a unique id, stored in
// the request context and sent along for correlation.
func ContextMiddleware(next Doer) Doer {
	return func(req *http.Request) (*http.Response, error) {
		id := generateRequestID()
		req = req.WithContext(context.WithValue(req.Context(), requestIDKey, id))
		req.Header.Set(RequestIDHeader, id)
		return next(req)
	}
}

// RequestIDFromContext returns the id assigned by ContextMiddleware, or an
// empty string when the request never passed through it.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func generateRequestID() string {
	return uuid.NewString()
}
