package middleware

import "net/http"

// Doer executes a single HTTP request.
type Doer func(*http.Request) (*http.Response, error)

// Middleware wraps a Doer with extra behavior.
type Middleware func(Doer) Doer

// Chain creates a single middleware from multiple middlewares. The first one
// listed becomes the outermost layer.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Doer) Doer {
		chain := next
		for i := len(middlewares) - 1; i >= 0; i-- {
			chain = middlewares[i](chain)
		}
		return chain
	}
}
