// Package dataapi is the REST client for the provider's device Data API.
// It shares the error taxonomy of the GraphQL layer but, unlike it, honors
// rate-limit responses with a bounded wait-and-retry loop.
package dataapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/edgewatt/tibberlink/internal/api"
	middleware "github.com/edgewatt/tibberlink/internal/api/middlewares"
)

// MaxRateLimitAttempts caps how many 429 responses are waited out before the
// rate limit is surfaced as an error.
const MaxRateLimitAttempts = 2

// DefaultRetries is the network-level retry budget, counted separately from
// rate-limit attempts.
const DefaultRetries = 3

const contentTypeJSON = "application/json"

// Config holds configuration options for the Data API client.
type Config struct {
	BaseURL        string        // Data API host
	UserInfoURL    string        // OIDC userinfo endpoint
	AccessToken    string        // bearer token
	UserAgent      string        // identifying agent string
	Timeout        time.Duration // per attempt, api.DefaultTimeout when zero
	Retries        int           // network retry budget, DefaultRetries when zero
	RateLimit      float64       // outbound requests per second, unlimited when zero
	RateLimitBurst int
	CacheSize      int           // LRU entries for GET responses
	CacheTTL       time.Duration // GET response freshness window
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        api.DefaultTimeout,
		Retries:        DefaultRetries,
		RateLimit:      5.0,
		RateLimitBurst: 10,
		CacheSize:      100,             // Cache up to 100 responses
		CacheTTL:       5 * time.Minute, // Cache responses for 5 minutes
	}
}

// Client talks to the Data API REST endpoints. It keeps a registry of the
// devices it has seen so that UpdateDevices can refresh them concurrently.
type Client struct {
	baseURL     string
	userInfoURL string
	token       string
	userAgent   string
	timeout     time.Duration
	retries     int
	do          middleware.Doer
	logger      *logrus.Logger

	mu      sync.RWMutex
	devices map[string]*Device
}

// SetupClient initializes the Data API client with the full outbound
// middleware chain, including the GET response cache.
func SetupClient(config Config, logger *logrus.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("dataapi: base url is required")
	}
	if config.Timeout == 0 {
		config.Timeout = api.DefaultTimeout
	}
	if config.Retries == 0 {
		config.Retries = DefaultRetries
	}
	if config.CacheSize == 0 {
		config.CacheSize = 100
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 5 * time.Minute
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	limiter := rate.NewLimiter(limit, config.RateLimitBurst)

	caching, err := middleware.NewCachingMiddleware(config.CacheSize, config.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("building response cache: %w", err)
	}

	// Register Prometheus metrics
	middleware.RegisterMetrics()

	chain := middleware.Chain(
		middleware.ContextMiddleware,               // Add request ID first
		middleware.RateLimitingMiddleware(limiter), // Rate limit early
		middleware.LoggingMiddleware(logger),       // Log all requests (with request ID)
		middleware.NewMetricsMiddleware(middleware.Requests, middleware.Latency),
		caching, // Cache GET responses last so hits skip only the network
	)

	httpClient := &http.Client{}

	return &Client{
		baseURL:     config.BaseURL,
		userInfoURL: config.UserInfoURL,
		token:       config.AccessToken,
		userAgent:   config.UserAgent,
		timeout:     config.Timeout,
		retries:     config.Retries,
		do:          chain(httpClient.Do),
		logger:      logger,
		devices:     make(map[string]*Device),
	}, nil
}

// request performs one Data API call with two orthogonal retry counters: a
// network budget for connection-level failures and a rate-limit counter for
// 429 responses. A successful body is decoded into target.
func (c *Client) request(ctx context.Context, method, endpoint string, params url.Values, target any) error {
	retry := c.retries
	rateLimitAttempt := 0

	for {
		status, header, body, err := c.attempt(ctx, method, c.baseURL+endpoint, params)
		if err != nil {
			if !errors.Is(err, api.ErrNetwork) {
				return err
			}
			if retry > 0 && ctx.Err() == nil {
				c.logger.WithError(err).WithField("attempts_left", retry).Warn("Request failed, retrying")
				retry--
				continue
			}
			c.logger.WithError(err).Error("Error connecting to Data API")
			return err
		}

		if status == http.StatusOK {
			return decodeBody(status, header, body, target)
		}

		if status == http.StatusTooManyRequests && rateLimitAttempt < MaxRateLimitAttempts {
			wait := rateLimitWait(header.Get("Retry-After"), rateLimitAttempt)
			c.logger.WithFields(logrus.Fields{
				"wait_seconds": wait.Seconds(),
				"attempt":      rateLimitAttempt + 1,
				"max_attempts": MaxRateLimitAttempts,
			}).Warn("Rate limited, waiting before retry")
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			rateLimitAttempt++
			continue
		}
		if status == http.StatusTooManyRequests {
			c.logger.WithField("max_attempts", MaxRateLimitAttempts).Error("Rate limit exceeded: max attempts reached")
		}

		err = c.errorFrom(status, header, body)
		var httpErr *api.HTTPError
		if errors.As(err, &httpErr) {
			fields := logrus.Fields{"status": httpErr.Status, "code": httpErr.ExtensionCode}
			if errors.Is(err, api.ErrRetryableHTTP) {
				c.logger.WithFields(fields).Warn("Temporary failure interacting with Data API")
			} else {
				c.logger.WithFields(fields).Error("Fatal error interacting with Data API")
			}
		}
		return err
	}
}

// attempt performs a single exchange with a fresh per-attempt deadline unless
// the caller already set one. The body is fully read before returning.
func (c *Client) attempt(ctx context.Context, method, rawURL string, params url.Values) (int, http.Header, []byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("building request: %w", err)
	}
	if len(params) > 0 {
		req.URL.RawQuery = params.Encode()
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", api.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: reading response body: %v", api.ErrNetwork, err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func decodeBody(status int, header http.Header, body []byte, target any) error {
	contentType := header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err != nil || mediaType != contentTypeJSON {
		return api.NewHTTPError(api.ErrFatalHTTP, status, api.ErrCodeUnknown,
			fmt.Sprintf("unexpected content type: %s", contentType))
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return api.NewHTTPError(api.ErrFatalHTTP, status, api.ErrCodeUnknown,
			fmt.Sprintf("malformed json response: %v", err))
	}
	return nil
}

// errorFrom maps a non-OK, non-retried response onto the error taxonomy.
// 401 is always an invalid login regardless of body.
func (c *Client) errorFrom(status int, header http.Header, body []byte) error {
	if status == http.StatusUnauthorized {
		return api.NewHTTPError(api.ErrInvalidLogin, status, "", "Invalid token")
	}

	detail, code := parseErrorBody(status, header.Get("Content-Type"), body)

	switch {
	case status == http.StatusBadRequest:
		return api.NewHTTPError(api.ErrFatalHTTP, status, orCode(code, "BAD_REQUEST"), detail)
	case status == http.StatusNotFound:
		return api.NewHTTPError(api.ErrFatalHTTP, status, orCode(code, "NOT_FOUND"), detail)
	case status == http.StatusTooManyRequests || status == http.StatusPreconditionFailed:
		if detail == "" {
			detail = "Rate limited"
		}
		return api.NewHTTPError(api.ErrRetryableHTTP, status, orCode(code, "RATE_LIMITED"), detail)
	case status >= http.StatusInternalServerError:
		return api.NewHTTPError(api.ErrRetryableHTTP, status, orCode(code, fmt.Sprintf("HTTP_%d", status)), detail)
	case status >= http.StatusBadRequest:
		return api.NewHTTPError(api.ErrFatalHTTP, status, orCode(code, fmt.Sprintf("HTTP_%d", status)), detail)
	}

	c.logger.WithField("status", status).Error("Unexpected HTTP status")
	return api.NewHTTPError(api.ErrFatalHTTP, status, orCode(code, fmt.Sprintf("HTTP_%d", status)), detail)
}

func orCode(code, fallback string) string {
	if code != "" {
		return code
	}
	return fallback
}

// parseErrorBody pulls a human message and extension code out of an error
// response. JSON bodies are searched for detail / error_description / error
// and a type code; anything else falls back to the raw text or reason phrase.
func parseErrorBody(status int, contentType string, body []byte) (detail, code string) {
	detail = http.StatusText(status)

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == contentTypeJSON {
		var payload map[string]any
		if json.Unmarshal(body, &payload) == nil {
			for _, key := range []string{"detail", "error_description", "error"} {
				if s, ok := payload[key].(string); ok && s != "" {
					detail = s
					break
				}
			}
			if s, ok := payload["type"].(string); ok {
				code = s
			}
			if detail == "" {
				detail = "HTTP error"
			}
			return detail, code
		}
	}

	if len(body) > 0 {
		detail = string(body)
	}
	if detail == "" {
		detail = "HTTP error"
	}
	return detail, ""
}

// rateLimitWait computes how long to sleep after a 429. A Retry-After header
// is honored as integer seconds or an absolute timestamp, with a small jitter
// so synchronized clients spread out. Without a usable header the wait is a
// random slice of an exponentially growing window.
func rateLimitWait(retryAfter string, attempt int) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			return secondsToDuration(float64(secs) + rand.Float64()*0.25)
		}
		if until, err := time.Parse(time.RFC3339, retryAfter); err == nil {
			wait := math.Max(0, time.Until(until).Seconds())
			return secondsToDuration(wait + rand.Float64()*0.25)
		}
	}
	maxWait := 1.0 * math.Pow(2, float64(attempt))
	return secondsToDuration(rand.Float64() * maxWait)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Homes returns all homes visible to the current token.
func (c *Client) Homes(ctx context.Context) ([]HomeEntry, error) {
	var payload struct {
		Homes []HomeEntry `json:"homes"`
	}
	if err := c.request(ctx, http.MethodGet, "/v1/homes", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Homes, nil
}

// DevicesForHome returns the device summaries of one home.
func (c *Client) DevicesForHome(ctx context.Context, homeID string) ([]DeviceEntry, error) {
	var payload struct {
		Devices []DeviceEntry `json:"devices"`
	}
	endpoint := fmt.Sprintf("/v1/homes/%s/devices", url.PathEscape(homeID))
	if err := c.request(ctx, http.MethodGet, endpoint, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Devices, nil
}

// Device returns detailed information about one device.
func (c *Client) Device(ctx context.Context, homeID, deviceID string) (*Device, error) {
	var data deviceData
	endpoint := fmt.Sprintf("/v1/homes/%s/devices/%s", url.PathEscape(homeID), url.PathEscape(deviceID))
	if err := c.request(ctx, http.MethodGet, endpoint, nil, &data); err != nil {
		return nil, err
	}
	return newDevice(data, homeID), nil
}

// AllDevices walks every home and collects detailed devices into the
// registry. Devices that fail with a fatal error are logged and skipped so
// one broken device does not hide the rest.
func (c *Client) AllDevices(ctx context.Context) (map[string]*Device, error) {
	homes, err := c.Homes(ctx)
	if err != nil {
		return nil, err
	}
	if len(homes) == 0 {
		return map[string]*Device{}, nil
	}

	devices := make(map[string]*Device)
	for _, home := range homes {
		entries, err := c.DevicesForHome(ctx, home.ID)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			device, err := c.Device(ctx, home.ID, entry.ID)
			if err != nil {
				if errors.Is(err, api.ErrFatalHTTP) {
					c.logger.WithError(err).WithFields(logrus.Fields{
						"home_id":   home.ID,
						"device_id": entry.ID,
					}).Error("Error getting device")
					continue
				}
				return nil, err
			}
			devices[device.ID()] = device
		}
	}

	c.mu.Lock()
	c.devices = devices
	c.mu.Unlock()
	return devices, nil
}

// UpdateDevices refreshes every device in the registry concurrently. Devices
// that fail with a fatal error keep their previous snapshot.
func (c *Client) UpdateDevices(ctx context.Context) (map[string]*Device, error) {
	c.mu.RLock()
	known := make([]*Device, 0, len(c.devices))
	for _, device := range c.devices {
		known = append(known, device)
	}
	c.mu.RUnlock()

	updated := make([]*Device, len(known))
	g, ctx := errgroup.WithContext(ctx)
	for i, device := range known {
		i, device := i, device
		g.Go(func() error {
			fresh, err := c.Device(ctx, device.HomeID(), device.ID())
			if err != nil {
				if errors.Is(err, api.ErrFatalHTTP) {
					c.logger.WithError(err).WithField("device_id", device.ID()).Error("Error getting device")
					return nil
				}
				return err
			}
			updated[i] = fresh
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, device := range updated {
		if device != nil {
			c.devices[device.ID()] = device
		}
	}
	snapshot := make(map[string]*Device, len(c.devices))
	for id, device := range c.devices {
		snapshot[id] = device
	}
	c.mu.Unlock()
	return snapshot, nil
}

// UserInfo returns the OpenID Connect profile of the current access token.
// No retrying here: a broken userinfo endpoint should surface immediately.
func (c *Client) UserInfo(ctx context.Context) (map[string]any, error) {
	status, header, body, err := c.attempt(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		c.logger.WithError(err).Error("Error connecting to user info endpoint")
		return nil, err
	}

	if status == http.StatusOK {
		var info map[string]any
		if err := decodeBody(status, header, body, &info); err != nil {
			return nil, err
		}
		return info, nil
	}
	if status == http.StatusUnauthorized {
		return nil, api.NewHTTPError(api.ErrInvalidLogin, status, "", "Invalid token")
	}

	detail := userInfoErrorDetail(header.Get("Content-Type"), body)
	if detail == "" {
		detail = "Failed to retrieve user info"
	}
	return nil, api.NewHTTPError(api.ErrFatalHTTP, status, "USERINFO_HTTP_ERROR", detail)
}

func userInfoErrorDetail(contentType string, body []byte) string {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == contentTypeJSON {
		var payload map[string]any
		if json.Unmarshal(body, &payload) == nil {
			for _, key := range []string{"error_description", "detail", "error"} {
				if s, ok := payload[key].(string); ok && s != "" {
					return s
				}
			}
			return ""
		}
	}
	return string(body)
}
