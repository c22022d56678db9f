//go:generate go run github.com/golang/mock/mockgen -destination=./mocks/executor.go -package=mocks . Executor

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	middleware "github.com/edgewatt/tibberlink/internal/api/middlewares"
	"github.com/edgewatt/tibberlink/internal/models"
)

// DefaultTimeout bounds a single request attempt.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the number of immediate retries on network failures.
const DefaultRetries = 2

// Executor runs GraphQL documents against the provider.
type Executor interface {
	Execute(ctx context.Context, query string, variables map[string]any) (*models.GraphQLEnvelope, error)
}

// ClientConfig holds configuration options for the GraphQL client.
type ClientConfig struct {
	Endpoint       string        // GraphQL endpoint URL
	AccessToken    string        // bearer token
	UserAgent      string        // identifying agent string
	Timeout        time.Duration // per attempt, DefaultTimeout when zero
	Retries        int           // extra attempts on network errors, DefaultRetries when zero
	RateLimit      float64       // outbound requests per second, unlimited when zero
	RateLimitBurst int
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:        DefaultTimeout,
		Retries:        DefaultRetries,
		RateLimit:      5.0, // 5 requests per second
		RateLimitBurst: 10,  // Burst of 10 requests
	}
}

// Client executes GraphQL queries and mutations over HTTP.
//
// Network-level failures are retried immediately with no delay: they are
// rare, locally observed socket errors, not server-signaled backpressure.
// Classifier-fatal errors surface at once. Rate-limit responses are NOT
// retried on this surface; retry-on-429 belongs to the Data API client,
// which has a different SLA.
type Client struct {
	endpoint  string
	token     string
	userAgent string
	timeout   time.Duration
	retries   int
	do        middleware.Doer
	logger    *logrus.Logger
}

var _ Executor = (*Client)(nil)

// SetupClient initializes the GraphQL client with the full outbound
// middleware chain.
func SetupClient(config ClientConfig, logger *logrus.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, errors.New("api: endpoint is required")
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Retries == 0 {
		config.Retries = DefaultRetries
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	limiter := rate.NewLimiter(limit, config.RateLimitBurst)

	// Register Prometheus metrics
	middleware.RegisterMetrics()

	chain := middleware.Chain(
		middleware.ContextMiddleware,               // Add request ID first
		middleware.RateLimitingMiddleware(limiter), // Rate limit early
		middleware.LoggingMiddleware(logger),       // Log all requests (with request ID)
		middleware.NewMetricsMiddleware(middleware.Requests, middleware.Latency),
	)

	httpClient := &http.Client{}

	return &Client{
		endpoint:  config.Endpoint,
		token:     config.AccessToken,
		userAgent: config.UserAgent,
		timeout:   config.Timeout,
		retries:   config.Retries,
		do:        chain(httpClient.Do),
		logger:    logger,
	}, nil
}

// Execute runs one GraphQL document and returns the decoded envelope. The
// envelope may carry a non-empty Errors array on a 200 response; callers
// decide what to do with it.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any) (*models.GraphQLEnvelope, error) {
	if variables == nil {
		variables = map[string]any{}
	}
	payload, err := json.Marshal(models.GraphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	attempts := c.retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		envelope, err := c.post(ctx, payload)
		if err == nil {
			return envelope, nil
		}
		if !errors.Is(err, ErrNetwork) {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts-1 {
			c.logger.WithFields(logrus.Fields{
				"attempts_left": attempts - attempt - 1,
			}).WithError(err).Warn("Request failed, retrying")
		}
	}

	c.logger.WithError(lastErr).Error("Error connecting to provider")
	return nil, lastErr
}

// post performs one attempt with a fresh per-attempt deadline unless the
// caller already set one.
func (c *Client) post(ctx context.Context, payload []byte) (*models.GraphQLEnvelope, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	return ExtractResponseData(resp)
}
