package middleware

// Responses of idempotent GET endpoints are cached in memory with a short
// TTL. golang-lru automatically evicts the least recently accessed items,
// ensuring bounded memory usage.

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type cachedResponse struct {
	status   int
	header   http.Header
	body     []byte
	storedAt time.Time
}

// NewCachingMiddleware caches successful GET responses for up to ttl. Only
// 200 responses are stored so errors are never replayed.
func NewCachingMiddleware(size int, ttl time.Duration) (Middleware, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return func(next Doer) Doer {
		return func(req *http.Request) (*http.Response, error) {
			if req.Method != http.MethodGet {
				return next(req)
			}

			key := generateCacheKey(req.Method, req.URL.String())

			if entry, ok := cache.Get(key); ok {
				cached := entry.(cachedResponse)
				if time.Since(cached.storedAt) < ttl {
					return replayResponse(req, cached), nil
				}
				cache.Remove(key)
			}

			resp, err := next(req)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode != http.StatusOK {
				return resp, nil
			}

			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, err
			}

			cache.Add(key, cachedResponse{
				status:   resp.StatusCode,
				header:   resp.Header.Clone(),
				body:     body,
				storedAt: time.Now(),
			})

			resp.Body = io.NopCloser(bytes.NewReader(body))
			return resp, nil
		}
	}, nil
}

// generateCacheKey generates a cache key based on the method and URL.
func generateCacheKey(method, url string) string {
	return fmt.Sprintf("%s:%s", method, url)
}

func replayResponse(req *http.Request, cached cachedResponse) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", cached.status, http.StatusText(cached.status)),
		StatusCode:    cached.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        cached.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(cached.body)),
		ContentLength: int64(len(cached.body)),
		Request:       req,
	}
}
