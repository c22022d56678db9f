package middleware

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitingMiddleware delays outbound requests to stay inside the
// provider's request budget. Waiting is bounded by the request context.
func RateLimitingMiddleware(limiter *rate.Limiter) Middleware {
	return func(next Doer) Doer {
		return func(req *http.Request) (*http.Response, error) {
			if err := limiter.Wait(req.Context()); err != nil {
				return nil, err
			}
			return next(req)
		}
	}
}
