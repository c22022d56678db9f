package tibber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/edgewatt/tibberlink/internal/api"
	"github.com/edgewatt/tibberlink/internal/models"
	"github.com/edgewatt/tibberlink/internal/realtime"
)

// Client is the account-level entry point. It executes GraphQL operations
// through the Executor, keeps the registry of known homes and hands the
// realtime Manager the subscription endpoint discovered via UpdateInfo.
type Client struct {
	executor api.Executor
	manager  *realtime.Manager
	logger   *logrus.Logger
	timeZone *time.Location

	mu            sync.RWMutex
	name          string
	userID        string
	allHomeIDs    []string
	activeHomeIDs []string
	homes         map[string]*Home
}

// NewClient creates a Client. A nil timeZone defaults to UTC; the zone is
// used for price lookups and month aggregation, never for wire formats.
func NewClient(executor api.Executor, manager *realtime.Manager, logger *logrus.Logger, timeZone *time.Location) *Client {
	if timeZone == nil {
		timeZone = time.UTC
	}
	return &Client{
		executor: executor,
		manager:  manager,
		logger:   logger,
		timeZone: timeZone,
		homes:    make(map[string]*Home),
	}
}

// Realtime returns the subscription manager owned by this client.
func (c *Client) Realtime() *realtime.Manager { return c.manager }

// TimeZone returns the display time zone.
func (c *Client) TimeZone() *time.Location { return c.timeZone }

// UpdateInfo fetches the viewer info: account name, user id, the websocket
// subscription endpoint and the set of homes with their subscription status.
// A home counts as active when its first subscription is running.
func (c *Client) UpdateInfo(ctx context.Context) error {
	envelope, err := c.executor.Execute(ctx, queryInfo, nil)
	if err != nil {
		return err
	}
	if len(envelope.Errors) > 0 {
		code, message := api.ExtractErrorDetails(envelope.Errors, "failed to login")
		c.logger.Error(message)
		return api.NewHTTPError(api.ErrInvalidLogin, http.StatusOK, code, message)
	}

	var info models.ViewerInfo
	if err := json.Unmarshal(envelope.Data, &info); err != nil {
		return fmt.Errorf("decoding viewer info: %w", err)
	}
	viewer := info.Viewer
	if viewer.WebsocketSubscriptionURL == "" {
		return nil
	}

	c.logger.WithField("endpoint", viewer.WebsocketSubscriptionURL).Debug("Using websocket subscription url")
	if err := c.manager.Reconfigure(viewer.WebsocketSubscriptionURL); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = viewer.Name
	c.userID = viewer.UserID
	c.allHomeIDs = c.allHomeIDs[:0]
	c.activeHomeIDs = c.activeHomeIDs[:0]
	for _, home := range viewer.Homes {
		if home.ID == "" {
			continue
		}
		c.allHomeIDs = append(c.allHomeIDs, home.ID)
		if len(home.Subscriptions) == 0 {
			continue
		}
		if strings.EqualFold(home.Subscriptions[0].Status, "running") {
			c.activeHomeIDs = append(c.activeHomeIDs, home.ID)
		}
	}
	return nil
}

// Name returns the account name.
func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// UserID returns the account user id.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// HomeIDs returns the known home ids, restricted to homes with a running
// subscription when onlyActive is set.
func (c *Client) HomeIDs(onlyActive bool) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.allHomeIDs
	if onlyActive {
		ids = c.activeHomeIDs
	}
	return append([]string(nil), ids...)
}

// Homes returns a Home instance for every known home id.
func (c *Client) Homes(onlyActive bool) []*Home {
	homes := make([]*Home, 0)
	for _, id := range c.HomeIDs(onlyActive) {
		if home := c.Home(id); home != nil {
			homes = append(homes, home)
		}
	}
	return homes
}

// Home returns the Home instance for the given id, or nil when the id is not
// part of the account. Instances are created lazily and reused so realtime
// state survives repeated lookups.
func (c *Client) Home(homeID string) *Home {
	c.mu.Lock()
	defer c.mu.Unlock()
	known := false
	for _, id := range c.allHomeIDs {
		if id == homeID {
			known = true
			break
		}
	}
	if !known {
		c.logger.WithField("home_id", homeID).Error("Could not find home")
		return nil
	}
	home, ok := c.homes[homeID]
	if !ok {
		home = newHome(homeID, c)
		c.homes[homeID] = home
	}
	return home
}

// SendNotification sends a push notification to the account's registered
// devices and reports whether the provider accepted it.
func (c *Client) SendNotification(ctx context.Context, title, message string) (bool, error) {
	envelope, err := c.executor.Execute(ctx, mutationPushNotification, map[string]any{
		"input": map[string]any{
			"title":   title,
			"message": message,
		},
	})
	if err != nil {
		return false, err
	}

	var payload struct {
		SendPushNotification struct {
			Successful              bool `json:"successful"`
			PushedToNumberOfDevices int  `json:"pushedToNumberOfDevices"`
		} `json:"sendPushNotification"`
	}
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		return false, fmt.Errorf("decoding notification response: %w", err)
	}
	c.logger.WithFields(logrus.Fields{
		"successful": payload.SendPushNotification.Successful,
		"devices":    payload.SendPushNotification.PushedToNumberOfDevices,
	}).Debug("Push notification sent")
	return payload.SendPushNotification.Successful, nil
}

// FetchConsumptionDataActiveHomes refreshes the hourly consumption series of
// every active home concurrently.
func (c *Client) FetchConsumptionDataActiveHomes(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, home := range c.Homes(true) {
		home := home
		g.Go(func() error {
			return home.FetchConsumptionData(ctx)
		})
	}
	return g.Wait()
}

// FetchProductionDataActiveHomes refreshes the hourly production series of
// every active home with a production metering point concurrently.
func (c *Client) FetchProductionDataActiveHomes(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, home := range c.Homes(true) {
		home := home
		if !home.HasProduction() {
			continue
		}
		g.Go(func() error {
			return home.FetchProductionData(ctx)
		})
	}
	return g.Wait()
}

// Disconnect tears down the realtime subscription and every home feed.
func (c *Client) Disconnect() {
	c.manager.Disconnect()
}
